package intel

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	whoisparser "github.com/likexian/whois-parser"

	"github.com/nhle/phish-triage/internal/scoring"
)

// countryLine matches the country attribute of RIR network records and
// of registrant blocks in domain records.
var countryLine = regexp.MustCompile(`(?im)^\s*(?:registrant\s+)?country(?:\s+code)?\s*:\s*([a-z]{2})\s*$`)

// DomainCountry returns the ISO country code of the domain registrant.
func (w *Whois) DomainCountry(ctx context.Context, domain string) (string, error) {
	domain = strings.ToLower(domain)
	return w.country(ctx, domain, func(raw string) (string, error) {
		parsed, err := whoisparser.Parse(raw)
		if err == nil && parsed.Registrant != nil && len(parsed.Registrant.Country) == 2 {
			return strings.ToUpper(parsed.Registrant.Country), nil
		}
		return parseCountry(raw)
	})
}

// IPCountry returns the ISO country code of the network holding ip.
func (w *Whois) IPCountry(ctx context.Context, ip netip.Addr) (string, error) {
	return w.country(ctx, ip.String(), parseCountry)
}

func (w *Whois) country(
	ctx context.Context,
	target string,
	parse func(raw string) (string, error),
) (string, error) {
	if c, ok := w.countries.Get(target); ok {
		return c, nil
	}

	raw, err := w.fetch(ctx, target)
	if err != nil {
		return "", err
	}

	c, err := parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: whois %s: %v", scoring.ErrSignalUnavailable, target, err)
	}
	w.countries.Add(target, c)
	return c, nil
}

func parseCountry(raw string) (string, error) {
	m := countryLine.FindStringSubmatch(raw)
	if m == nil {
		return "", fmt.Errorf("no country in whois response")
	}
	return strings.ToUpper(m[1]), nil
}
