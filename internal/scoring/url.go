package scoring

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nhle/phish-triage/internal/model"
)

// URL signal names.
const (
	SignalBlacklisted     = "blacklisted"
	SignalYoungDomain     = "young_domain"
	SignalWhoisPrivacy    = "whois_privacy"
	SignalSuspiciousTLD   = "suspicious_tld"
	SignalRawIPHost       = "raw_ip_host"
	SignalSubdomainBrand  = "subdomain_brand"
	SignalLongURL         = "long_url"
	SignalInsecureScheme  = "insecure_scheme"
	SignalPhishingKeyword = "phishing_keyword"
	SignalLookalikeBrand  = "lookalike_brand"
	SignalSensitivePath   = "sensitive_path"
	SignalTooManyURLs     = "too_many_urls"
	SignalBadReputation   = "bad_reputation"
)

// urlWeight is the contribution of every URL check.
const urlWeight = 1.0

// URLFinding is the per-URL breakdown of a URLReport.
type URLFinding struct {
	URL     string
	Score   float64
	Signals []string
}

// URLReport is the outcome of scoring a message's links.
type URLReport struct {
	Score    float64
	Phishing bool
	Signals  []model.Signal
	URLs     []URLFinding

	// Unavailable names the capabilities that could not answer.
	Unavailable []string
}

func (r *URLReport) add(name, detail string) {
	r.Score += urlWeight
	r.Signals = append(r.Signals, model.Signal{
		Name:   name,
		Source: model.SignalSourceURL,
		Weight: urlWeight,
		Detail: detail,
	})
}

// URLScorer scores the links of a message. It holds no per-message state.
type URLScorer struct {
	cfg    model.ScoringConfig
	brands []string
	caps   Capabilities
	now    func() time.Time
}

// NewURLScorer builds a scorer from cfg. Missing capabilities are
// treated as unavailable.
func NewURLScorer(cfg model.ScoringConfig, caps Capabilities) *URLScorer {
	brands := make([]string, 0, len(cfg.Misspellings))
	for b := range cfg.Misspellings {
		brands = append(brands, b)
	}
	sort.Strings(brands)

	return &URLScorer{
		cfg:    cfg,
		brands: brands,
		caps:   caps.withDefaults(),
		now:    time.Now,
	}
}

// Score evaluates urls. Each triggered per-URL check adds one point; the
// URL-count and reputation checks add at most one point each per message.
func (s *URLScorer) Score(ctx context.Context, urls []string) URLReport {
	var report URLReport
	var unavailable unavailableSet

	for _, raw := range urls {
		finding := s.scoreOne(ctx, raw, &report, &unavailable)
		report.URLs = append(report.URLs, finding)
	}

	if s.cfg.MaxURLs > 0 && len(urls) > s.cfg.MaxURLs {
		report.add(SignalTooManyURLs, "")
	}

	for _, raw := range reputationTargets(urls, s.cfg.ReputationStrategy, s.cfg.ReputationSampleSize) {
		flagged, err := s.caps.Reputation.IsFlagged(ctx, raw)
		if err != nil {
			unavailable.add(CapabilityReputation)
			continue
		}
		if flagged {
			report.add(SignalBadReputation, raw)
			break
		}
	}

	report.Phishing = report.Score > s.cfg.URLThreshold
	report.Unavailable = unavailable
	return report
}

func (s *URLScorer) scoreOne(
	ctx context.Context,
	raw string,
	report *URLReport,
	unavailable *unavailableSet,
) URLFinding {
	finding := URLFinding{URL: raw}
	hit := func(name string) {
		report.add(name, raw)
		finding.Score += urlWeight
		finding.Signals = append(finding.Signals, name)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return finding
	}
	host := splitHost(u.Hostname())
	lowerURL := strings.ToLower(raw)

	if listed, err := s.caps.Blacklist.Contains(ctx, u); err != nil {
		unavailable.add(CapabilityBlacklist)
	} else if listed {
		hit(SignalBlacklisted)
	}

	if !host.isIP() {
		info, err := s.caps.DomainIntel.Lookup(ctx, host.Registrable)
		if err != nil {
			unavailable.add(CapabilityDomainIntel)
		} else {
			if s.isYoung(info.CreatedAt) {
				hit(SignalYoungDomain)
			}
			if info.Privacy {
				hit(SignalWhoisPrivacy)
			}
		}
	}

	if !host.isIP() && hasAnySuffix(host.Host, s.cfg.SuspiciousTLDs) {
		hit(SignalSuspiciousTLD)
	}

	if host.isIP() {
		hit(SignalRawIPHost)
	}

	if host.Subdomain != "" && containsAnyOf(host.Subdomain, s.cfg.SubdomainBrands) {
		hit(SignalSubdomainBrand)
	}

	if s.cfg.MaxURLLength > 0 && len(raw) > s.cfg.MaxURLLength {
		hit(SignalLongURL)
	}

	if !strings.EqualFold(u.Scheme, "https") {
		hit(SignalInsecureScheme)
	}

	if containsAnyOf(lowerURL, s.cfg.Keywords) {
		hit(SignalPhishingKeyword)
	}

	if !host.isIP() && s.isLookalike(host.Registrable) {
		hit(SignalLookalikeBrand)
	}

	if containsAnyOf(strings.ToLower(u.EscapedPath()), s.cfg.SensitivePaths) {
		hit(SignalSensitivePath)
	}

	return finding
}

func (s *URLScorer) isYoung(created time.Time) bool {
	if created.IsZero() || s.cfg.MinDomainAgeDays <= 0 {
		return false
	}
	age := s.now().Sub(created)
	return age < time.Duration(s.cfg.MinDomainAgeDays)*24*time.Hour
}

// isLookalike reports whether domain contains a known misspelling of a
// brand while not containing the brand itself.
func (s *URLScorer) isLookalike(domain string) bool {
	for _, brand := range s.brands {
		if strings.Contains(domain, brand) {
			continue
		}
		if containsAnyOf(domain, s.cfg.Misspellings[brand]) {
			return true
		}
	}
	return false
}

// reputationTargets selects which URLs are sent to the reputation service.
func reputationTargets(urls []string, strategy string, sampleSize int) []string {
	if len(urls) == 0 {
		return nil
	}

	switch strategy {
	case model.ReputationAllURLs:
		return urls
	case model.ReputationSampled:
		if sampleSize <= 0 || len(urls) <= sampleSize {
			return urls
		}
		sample := make([]string, 0, sampleSize)
		for i := 0; i < sampleSize; i++ {
			sample = append(sample, urls[i*len(urls)/sampleSize])
		}
		return sample
	default:
		return urls[:1]
	}
}

func containsAnyOf(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if suf != "" && strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
