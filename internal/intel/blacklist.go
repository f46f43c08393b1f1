package intel

import (
	"context"
	"net/url"
	"strings"

	"github.com/nhle/phish-triage/internal/scoring"
)

// StaticBlacklist implements scoring.Blacklist over a fixed list of
// entries. An entry matches a full URL, a host, or every host under a
// registrable domain.
type StaticBlacklist struct {
	urls  map[string]bool
	hosts map[string]bool
}

// NewStaticBlacklist builds a blacklist. Entries containing "://" are
// treated as URLs, all others as hosts or domains.
func NewStaticBlacklist(entries []string) *StaticBlacklist {
	b := &StaticBlacklist{urls: map[string]bool{}, hosts: map[string]bool{}}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "":
		case strings.Contains(e, "://"):
			b.urls[strings.TrimRight(e, "/")] = true
		default:
			b.hosts[strings.TrimSuffix(e, ".")] = true
		}
	}
	return b
}

var _ scoring.Blacklist = (*StaticBlacklist)(nil)

// Contains reports whether u matches an entry. It never fails.
func (b *StaticBlacklist) Contains(_ context.Context, u *url.URL) (bool, error) {
	if b.urls[strings.TrimRight(strings.ToLower(u.String()), "/")] {
		return true, nil
	}
	host := strings.ToLower(u.Hostname())
	if b.hosts[host] {
		return true, nil
	}
	return b.hosts[scoring.RegistrableDomain(host)], nil
}

// Len returns the number of entries.
func (b *StaticBlacklist) Len() int {
	return len(b.urls) + len(b.hosts)
}
