package scoring

import (
	"net/netip"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// hostParts splits a URL host into the pieces the URL checks look at.
type hostParts struct {
	Host        string
	Registrable string
	Suffix      string
	Subdomain   string
	IP          netip.Addr
}

func (h hostParts) isIP() bool { return h.IP.IsValid() }

func splitHost(host string) hostParts {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	parts := hostParts{Host: host}

	if ip, err := netip.ParseAddr(host); err == nil {
		parts.IP = ip
		return parts
	}

	parts.Suffix, _ = publicsuffix.PublicSuffix(host)
	parts.Registrable = RegistrableDomain(host)
	if parts.Registrable != host {
		parts.Subdomain = strings.TrimSuffix(host, "."+parts.Registrable)
	}
	return parts
}

// RegistrableDomain returns the eTLD+1 of host ("login.paypal.co.uk" →
// "paypal.co.uk"), or host itself when it has none.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// emailDomain returns the lower-cased part after the last '@'.
func emailDomain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[i+1:], "<> \t"))
}
