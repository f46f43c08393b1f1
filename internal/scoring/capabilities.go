package scoring

import (
	"context"
	"errors"
	"net/netip"
	"net/url"
	"time"
)

// ErrSignalUnavailable is returned by a capability that cannot answer.
// The affected check contributes nothing; scoring continues.
var ErrSignalUnavailable = errors.New("signal unavailable")

// Blacklist reports whether a URL is on a known-bad list.
type Blacklist interface {
	Contains(ctx context.Context, u *url.URL) (bool, error)
}

// DomainInfo is what a registration lookup knows about a domain.
type DomainInfo struct {
	// CreatedAt is the registration date; zero when unknown.
	CreatedAt time.Time
	// Privacy is set when the registrant is hidden behind a privacy service.
	Privacy bool
}

// DomainIntel looks up registration data for a registrable domain.
type DomainIntel interface {
	Lookup(ctx context.Context, domain string) (DomainInfo, error)
}

// GeoLocator resolves countries for the originating-IP check.
type GeoLocator interface {
	// DomainCountry returns the country a sender domain is expected to
	// send from, as an ISO 3166 code.
	DomainCountry(ctx context.Context, domain string) (string, error)
	// IPCountry returns the country an address is located in.
	IPCountry(ctx context.Context, ip netip.Addr) (string, error)
}

// Reputation asks an external service whether a URL is known malicious.
type Reputation interface {
	IsFlagged(ctx context.Context, rawURL string) (bool, error)
}

// Unavailable implements every capability by always returning
// ErrSignalUnavailable.
type Unavailable struct{}

func (Unavailable) Contains(context.Context, *url.URL) (bool, error) {
	return false, ErrSignalUnavailable
}

func (Unavailable) Lookup(context.Context, string) (DomainInfo, error) {
	return DomainInfo{}, ErrSignalUnavailable
}

func (Unavailable) DomainCountry(context.Context, string) (string, error) {
	return "", ErrSignalUnavailable
}

func (Unavailable) IPCountry(context.Context, netip.Addr) (string, error) {
	return "", ErrSignalUnavailable
}

func (Unavailable) IsFlagged(context.Context, string) (bool, error) {
	return false, ErrSignalUnavailable
}

// Capabilities bundles the external lookups used by the scorers. Nil
// members are replaced by Unavailable.
type Capabilities struct {
	Blacklist   Blacklist
	DomainIntel DomainIntel
	Geo         GeoLocator
	Reputation  Reputation
}

func (c Capabilities) withDefaults() Capabilities {
	if c.Blacklist == nil {
		c.Blacklist = Unavailable{}
	}
	if c.DomainIntel == nil {
		c.DomainIntel = Unavailable{}
	}
	if c.Geo == nil {
		c.Geo = Unavailable{}
	}
	if c.Reputation == nil {
		c.Reputation = Unavailable{}
	}
	return c
}

// Capability names used in reports of unavailable lookups.
const (
	CapabilityBlacklist   = "blacklist"
	CapabilityDomainIntel = "domain_intel"
	CapabilityGeo         = "geo"
	CapabilityReputation  = "reputation"
)

// unavailableSet records capabilities that failed at least once.
type unavailableSet []string

func (u *unavailableSet) add(name string) {
	for _, n := range *u {
		if n == name {
			return
		}
	}
	*u = append(*u, name)
}
