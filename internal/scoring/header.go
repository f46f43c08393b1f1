package scoring

import (
	"context"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/nhle/phish-triage/internal/model"
)

// Header signal names.
const (
	SignalSenderMismatch    = "sender_mismatch"
	SignalAuthFailure       = "auth_failure"
	SignalRawIPRelay        = "raw_ip_relay"
	SignalReplyToMismatch   = "reply_to_mismatch"
	SignalMessageIDMismatch = "message_id_mismatch"
	SignalSuspiciousHeader  = "suspicious_header"
	SignalGeoMismatch       = "geo_mismatch"
	SignalGeoUncertain      = "geo_uncertain"
)

var (
	emailPattern    = regexp.MustCompile(`[\w.+-]+@[\w.-]+`)
	authPattern     = regexp.MustCompile(`(?i)\b(spf|dkim|dmarc)\s*=\s*([a-z]+)`)
	rawIPHopPattern = regexp.MustCompile(`(?i)\bfrom\s+\[?((?:\d{1,3}\.){3}\d{1,3})\]?`)
	ipv4Pattern     = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)
)

var authMethods = []string{"spf", "dkim", "dmarc"}

// HeaderReport is the outcome of scoring a message's headers.
type HeaderReport struct {
	Score    float64
	Phishing bool
	Signals  []model.Signal

	// Unavailable names the capabilities that could not answer.
	Unavailable []string
}

func (r *HeaderReport) add(name string, weight float64, detail string) {
	if weight <= 0 {
		return
	}
	r.Score += weight
	r.Signals = append(r.Signals, model.Signal{
		Name:   name,
		Source: model.SignalSourceHeader,
		Weight: weight,
		Detail: detail,
	})
}

// HeaderScorer scores sender consistency, authentication results, relay
// path and auxiliary headers. It holds no per-message state.
type HeaderScorer struct {
	weights    model.HeaderWeights
	threshold  float64
	suspicious map[string][]string
	names      []string
	geo        GeoLocator
}

// NewHeaderScorer builds a scorer from cfg. A nil geo disables the
// originating-IP country check (it then reports uncertainty).
func NewHeaderScorer(cfg model.ScoringConfig, geo GeoLocator) *HeaderScorer {
	if geo == nil {
		geo = Unavailable{}
	}

	names := make([]string, 0, len(cfg.SuspiciousHeaders))
	for name := range cfg.SuspiciousHeaders {
		names = append(names, name)
	}
	sort.Strings(names)

	return &HeaderScorer{
		weights:    cfg.HeaderWeights,
		threshold:  cfg.HeaderThreshold,
		suspicious: cfg.SuspiciousHeaders,
		names:      names,
		geo:        geo,
	}
}

// Score evaluates headers, a map of lower-cased names to values.
func (s *HeaderScorer) Score(ctx context.Context, headers map[string][]string) HeaderReport {
	var report HeaderReport
	var unavailable unavailableSet

	from := firstAddress(headers, "from")
	fromDomain := emailDomain(from)

	if rp := firstAddress(headers, "return-path"); from != "" && rp != "" && !strings.EqualFold(from, rp) {
		report.add(SignalSenderMismatch, s.weights.SenderMismatch, from+" != "+rp)
	}

	if failed := failedAuthMethods(headers["authentication-results"]); len(failed) > 0 {
		report.add(SignalAuthFailure, s.weights.AuthFailure, strings.Join(failed, ","))
	}

	if received := headers["received"]; len(received) > 0 {
		origin := received[len(received)-1]
		if m := rawIPHopPattern.FindStringSubmatch(origin); m != nil && isIPv4(m[1]) {
			report.add(SignalRawIPRelay, s.weights.RawIPRelay, m[1])
		}
	}

	if rt := firstAddress(headers, "reply-to"); from != "" && rt != "" && !strings.EqualFold(from, rt) {
		report.add(SignalReplyToMismatch, s.weights.ReplyToMismatch, from+" != "+rt)
	}

	if idDomain := messageIDDomain(firstValue(headers, "message-id")); idDomain != "" && fromDomain != "" && idDomain != fromDomain {
		report.add(SignalMessageIDMismatch, s.weights.MessageIDMismatch, idDomain+" != "+fromDomain)
	}

	for _, name := range s.names {
		if value, ok := containsAny(headers[name], s.suspicious[name]); ok {
			report.add(SignalSuspiciousHeader, s.weights.SuspiciousHeader, name+": "+value)
		}
	}

	if ip, ok := originatingIP(firstValue(headers, "x-originating-ip")); ok && fromDomain != "" {
		expected, errDomain := s.geo.DomainCountry(ctx, fromDomain)
		actual, errIP := s.geo.IPCountry(ctx, ip)
		switch {
		case errDomain != nil || errIP != nil || expected == "" || actual == "":
			unavailable.add(CapabilityGeo)
			report.add(SignalGeoUncertain, s.weights.GeoUncertain, ip.String())
		case !strings.EqualFold(expected, actual):
			report.add(SignalGeoMismatch, s.weights.GeoMismatch, ip.String()+" in "+actual+", expected "+expected)
		}
	}

	report.Phishing = report.Score > s.threshold
	report.Unavailable = unavailable
	return report
}

func firstValue(headers map[string][]string, name string) string {
	if v := headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// firstAddress returns the first email address in the named header.
func firstAddress(headers map[string][]string, name string) string {
	return strings.ToLower(emailPattern.FindString(firstValue(headers, name)))
}

// failedAuthMethods returns the methods among SPF, DKIM and DMARC that are
// absent or report anything other than pass in every results header.
func failedAuthMethods(results []string) []string {
	passed := map[string]bool{}
	for _, value := range results {
		for _, m := range authPattern.FindAllStringSubmatch(value, -1) {
			if strings.EqualFold(m[2], "pass") {
				passed[strings.ToLower(m[1])] = true
			}
		}
	}

	var failed []string
	for _, method := range authMethods {
		if !passed[method] {
			failed = append(failed, method)
		}
	}
	return failed
}

func messageIDDomain(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	if i := strings.IndexByte(id, '>'); i >= 0 {
		id = id[:i]
	}
	return emailDomain(id)
}

// containsAny reports the first value containing one of needles,
// case-insensitively. Empty needle lists never match.
func containsAny(values, needles []string) (string, bool) {
	for _, v := range values {
		lv := strings.ToLower(v)
		for _, n := range needles {
			if n != "" && strings.Contains(lv, n) {
				return v, true
			}
		}
	}
	return "", false
}

func originatingIP(value string) (netip.Addr, bool) {
	m := ipv4Pattern.FindString(value)
	if m == "" {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(m)
	if err != nil || !ip.Is4() {
		return netip.Addr{}, false
	}
	return ip, true
}

func isIPv4(s string) bool {
	ip, err := netip.ParseAddr(s)
	return err == nil && ip.Is4()
}
