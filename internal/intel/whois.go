package intel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/nhle/phish-triage/internal/scoring"
)

// creationLine matches the creation date line of registries whose format
// the parser does not know.
var creationLine = regexp.MustCompile(
	`(?im)^\s*(?:creation date|created(?: on)?|registered(?: on)?|registration time|domain registration date)\s*:\s*(.+?)\s*$`,
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"02.01.2006",
}

// Whois implements scoring.DomainIntel and scoring.GeoLocator with raw
// WHOIS queries. Successful lookups are cached per target.
type Whois struct {
	query     func(target string) (string, error)
	cache     *lru.Cache[string, scoring.DomainInfo]
	countries *lru.Cache[string, string]
}

// NewWhois creates a WHOIS-backed lookup with the given per-query timeout
// and cache capacity.
func NewWhois(timeout time.Duration, cacheSize int) (*Whois, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, scoring.DomainInfo](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating whois cache: %w", err)
	}
	countries, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating whois cache: %w", err)
	}

	client := whois.NewClient()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return &Whois{
		query:     func(target string) (string, error) { return client.Whois(target) },
		cache:     cache,
		countries: countries,
	}, nil
}

var (
	_ scoring.DomainIntel = (*Whois)(nil)
	_ scoring.GeoLocator  = (*Whois)(nil)
)

// fetch runs a query, giving up when ctx is done. The query goroutine is
// left to finish on its own timeout.
func (w *Whois) fetch(ctx context.Context, target string) (string, error) {
	type result struct {
		raw string
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := w.query(target)
		done <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: whois %s: %v", scoring.ErrSignalUnavailable, target, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("%w: whois %s: %v", scoring.ErrSignalUnavailable, target, res.err)
		}
		return res.raw, nil
	}
}

// Lookup returns the registration date and privacy status of domain.
func (w *Whois) Lookup(ctx context.Context, domain string) (scoring.DomainInfo, error) {
	domain = strings.ToLower(domain)
	if info, ok := w.cache.Get(domain); ok {
		return info, nil
	}

	raw, err := w.fetch(ctx, domain)
	if err != nil {
		return scoring.DomainInfo{}, err
	}

	info, err := parseWhois(raw)
	if err != nil {
		return scoring.DomainInfo{}, fmt.Errorf("%w: whois %s: %v", scoring.ErrSignalUnavailable, domain, err)
	}

	w.cache.Add(domain, info)
	return info, nil
}

// parseWhois extracts the creation date and privacy marker from a raw
// WHOIS response. A response without a recognizable creation date is an
// error so that the age check reports unavailable rather than "old".
func parseWhois(raw string) (scoring.DomainInfo, error) {
	info := scoring.DomainInfo{
		Privacy: strings.Contains(strings.ToUpper(raw), "PRIVACY"),
	}

	parsed, err := whoisparser.Parse(raw)
	if err == nil && parsed.Domain != nil {
		if parsed.Domain.CreatedDateInTime != nil {
			info.CreatedAt = *parsed.Domain.CreatedDateInTime
			return info, nil
		}
		if t, ok := parseDate(parsed.Domain.CreatedDate); ok {
			info.CreatedAt = t
			return info, nil
		}
	}

	if m := creationLine.FindStringSubmatch(raw); m != nil {
		if t, ok := parseDate(m[1]); ok {
			info.CreatedAt = t
			return info, nil
		}
	}

	if err != nil {
		return info, fmt.Errorf("parsing whois response: %w", err)
	}
	return info, fmt.Errorf("no creation date in whois response")
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
