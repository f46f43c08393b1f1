package scoring

import (
	"context"
	"errors"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/phish-triage/internal/model"
)

func signalNames(signals []model.Signal) []string {
	names := make([]string, 0, len(signals))
	for _, s := range signals {
		names = append(names, s.Name)
	}
	return names
}

func cleanHeaders() map[string][]string {
	return map[string][]string{
		"from":                   {"Alice <alice@example.com>"},
		"return-path":            {"<alice@example.com>"},
		"reply-to":               {"alice@example.com"},
		"message-id":             {"<123.456@example.com>"},
		"authentication-results": {"mx.example.net; spf=pass smtp.mailfrom=example.com; dkim=pass header.d=example.com; dmarc=pass"},
		"received":               {"from mail.example.com by mx.example.net"},
	}
}

type fakeGeo struct {
	domain, ip string
	err        error
}

func (g fakeGeo) DomainCountry(context.Context, string) (string, error) { return g.domain, g.err }
func (g fakeGeo) IPCountry(context.Context, netip.Addr) (string, error) { return g.ip, g.err }

type fakeIntel map[string]DomainInfo

func (f fakeIntel) Lookup(_ context.Context, domain string) (DomainInfo, error) {
	info, ok := f[domain]
	if !ok {
		return DomainInfo{}, ErrSignalUnavailable
	}
	return info, nil
}

type fakeReputation struct {
	flagged map[string]bool
	calls   []string
	err     error
}

func (f *fakeReputation) IsFlagged(_ context.Context, raw string) (bool, error) {
	f.calls = append(f.calls, raw)
	if f.err != nil {
		return false, f.err
	}
	return f.flagged[raw], nil
}

type listBlacklist []string

func (l listBlacklist) Contains(_ context.Context, u *url.URL) (bool, error) {
	for _, h := range l {
		if u.Hostname() == h {
			return true, nil
		}
	}
	return false, nil
}

func TestHeaderScorer_CleanHeadersScoreZero(t *testing.T) {
	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)

	report := s.Score(context.Background(), cleanHeaders())

	assert.Zero(t, report.Score)
	assert.False(t, report.Phishing)
	assert.Empty(t, report.Signals)
}

func TestHeaderScorer_SenderMismatchWithoutAuthIsLegitimate(t *testing.T) {
	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)

	report := s.Score(context.Background(), map[string][]string{
		"from":        {"a@x.com"},
		"return-path": {"b@y.com"},
	})

	assert.Equal(t, 2.0, report.Score)
	assert.False(t, report.Phishing)
	assert.Equal(t, []string{SignalSenderMismatch, SignalAuthFailure}, signalNames(report.Signals))
}

func TestHeaderScorer_AuthIsOneCombinedSignal(t *testing.T) {
	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)
	h := cleanHeaders()
	h["authentication-results"] = []string{"mx; spf=fail; dkim=none; dmarc=softfail"}

	report := s.Score(context.Background(), h)

	assert.Equal(t, 1.0, report.Score)
	require.Len(t, report.Signals, 1)
	assert.Equal(t, SignalAuthFailure, report.Signals[0].Name)
	assert.Equal(t, "spf,dkim,dmarc", report.Signals[0].Detail)
}

func TestFailedAuthMethods_AnyPassingHeaderCounts(t *testing.T) {
	tests := []struct {
		name    string
		results []string
		want    []string
	}{
		{
			name:    "pass then fail",
			results: []string{"mx.local; spf=pass; dkim=pass; dmarc=pass", "relay.test; spf=fail; dkim=fail; dmarc=fail"},
		},
		{
			name:    "fail then pass",
			results: []string{"relay.test; spf=fail; dkim=none; dmarc=fail", "mx.local; spf=pass; dkim=pass; dmarc=pass"},
		},
		{
			name:    "split across headers",
			results: []string{"mx.local; spf=pass", "mx.local; dkim=pass; dmarc=pass"},
		},
		{
			name:    "one method never passes",
			results: []string{"mx.local; spf=pass; dkim=fail", "relay.test; dkim=neutral; dmarc=pass"},
			want:    []string{"dkim"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failedAuthMethods(tt.results))
		})
	}
}

func TestHeaderScorer_CaseInsensitiveAddresses(t *testing.T) {
	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)
	h := cleanHeaders()
	h["return-path"] = []string{"<ALICE@Example.COM>"}

	report := s.Score(context.Background(), h)

	assert.Zero(t, report.Score)
}

func TestHeaderScorer_IndividualSignals(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h map[string][]string)
		signal string
		weight float64
	}{
		{
			name: "raw ip on originating hop",
			mutate: func(h map[string][]string) {
				h["received"] = []string{"from mail.example.com by mx", "from [203.0.113.7] by mail.example.com"}
			},
			signal: SignalRawIPRelay,
			weight: 0.5,
		},
		{
			name:   "reply-to mismatch",
			mutate: func(h map[string][]string) { h["reply-to"] = []string{"collector@evil.test"} },
			signal: SignalReplyToMismatch,
			weight: 1,
		},
		{
			name:   "message-id domain mismatch",
			mutate: func(h map[string][]string) { h["message-id"] = []string{"<x@bulk-mailer.test>"} },
			signal: SignalMessageIDMismatch,
			weight: 1,
		},
		{
			name:   "suspicious mailer",
			mutate: func(h map[string][]string) { h["x-mailer"] = []string{"Fake Mailer 1.0"} },
			signal: SignalSuspiciousHeader,
			weight: 0.5,
		},
		{
			name:   "spam flag",
			mutate: func(h map[string][]string) { h["x-spam-flag"] = []string{"YES"} },
			signal: SignalSuspiciousHeader,
			weight: 0.5,
		},
		{
			name:   "originating ip without geo data",
			mutate: func(h map[string][]string) { h["x-originating-ip"] = []string{"[198.51.100.4]"} },
			signal: SignalGeoUncertain,
			weight: 0.5,
		},
	}

	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := cleanHeaders()
			tt.mutate(h)

			report := s.Score(context.Background(), h)

			require.Len(t, report.Signals, 1)
			assert.Equal(t, tt.signal, report.Signals[0].Name)
			assert.Equal(t, tt.weight, report.Score)
		})
	}
}

func TestHeaderScorer_HeaderPresenceAloneDoesNotCount(t *testing.T) {
	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)
	h := cleanHeaders()
	h["x-mailer"] = []string{"Thunderbird 115"}
	h["x-priority"] = []string{"3 (Normal)"}
	h["x-spam-flag"] = []string{"NO"}
	h["x-mailing-list"] = []string{"announce@example.com"}

	report := s.Score(context.Background(), h)

	assert.Zero(t, report.Score)
}

func TestHeaderScorer_GeoLookup(t *testing.T) {
	cfg := model.DefaultScoringConfig()
	h := cleanHeaders()
	h["x-originating-ip"] = []string{"198.51.100.4"}

	mismatch := NewHeaderScorer(cfg, fakeGeo{domain: "US", ip: "RU"}).Score(context.Background(), h)
	assert.Equal(t, []string{SignalGeoMismatch}, signalNames(mismatch.Signals))
	assert.Equal(t, 1.0, mismatch.Score)

	match := NewHeaderScorer(cfg, fakeGeo{domain: "US", ip: "us"}).Score(context.Background(), h)
	assert.Zero(t, match.Score)

	failed := NewHeaderScorer(cfg, fakeGeo{err: errors.New("timeout")}).Score(context.Background(), h)
	assert.Equal(t, 0.5, failed.Score)
	assert.Equal(t, []string{CapabilityGeo}, failed.Unavailable)
}

func TestHeaderScorer_ThresholdIsExclusive(t *testing.T) {
	s := NewHeaderScorer(model.DefaultScoringConfig(), nil)
	h := map[string][]string{
		"from":        {"a@x.com"},
		"return-path": {"b@y.com"},
		"reply-to":    {"c@z.com"},
	}

	report := s.Score(context.Background(), h)
	assert.Equal(t, 3.0, report.Score)
	assert.False(t, report.Phishing)

	h["x-priority"] = []string{"1"}
	report = s.Score(context.Background(), h)
	assert.Equal(t, 3.5, report.Score)
	assert.True(t, report.Phishing)
}

func TestURLScorer_BenignURLsScoreZero(t *testing.T) {
	s := NewURLScorer(model.DefaultScoringConfig(), Capabilities{})

	report := s.Score(context.Background(), []string{
		"https://example.com/",
		"https://docs.example.org/guide/intro",
		"https://www.wikipedia.org/",
	})

	assert.Zero(t, report.Score)
	assert.False(t, report.Phishing)
	assert.ElementsMatch(t,
		[]string{CapabilityBlacklist, CapabilityDomainIntel, CapabilityReputation},
		report.Unavailable)
}

func TestURLScorer_PhishingBody(t *testing.T) {
	s := NewURLScorer(model.DefaultScoringConfig(), Capabilities{})

	report := s.Score(context.Background(), []string{
		"http://192.168.1.1/login.php?user=admin",
		"https://amaz0n-security.com/secure",
	})

	require.Len(t, report.URLs, 2)
	assert.Equal(t, []string{
		SignalRawIPHost, SignalInsecureScheme, SignalPhishingKeyword, SignalSensitivePath,
	}, report.URLs[0].Signals)
	assert.Equal(t, []string{
		SignalPhishingKeyword, SignalLookalikeBrand, SignalSensitivePath,
	}, report.URLs[1].Signals)
	assert.Equal(t, 7.0, report.Score)
	assert.True(t, report.Phishing)
}

func TestURLScorer_IndividualChecks(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	caps := Capabilities{
		Blacklist: listBlacklist{"bad.example.net"},
		DomainIntel: fakeIntel{
			"fresh.example": {CreatedAt: now.AddDate(0, -2, 0)},
			"hidden.example": {
				CreatedAt: now.AddDate(-5, 0, 0),
				Privacy:   true,
			},
			"old.example": {CreatedAt: now.AddDate(-5, 0, 0)},
		},
	}

	tests := []struct {
		url    string
		signal string
	}{
		{"https://bad.example.net/", SignalBlacklisted},
		{"https://fresh.example/", SignalYoungDomain},
		{"https://hidden.example/", SignalWhoisPrivacy},
		{"https://shop.tk/", SignalSuspiciousTLD},
		{"https://paypal.help-desk.example.com/", SignalSubdomainBrand},
		{"https://old.example/" + strings.Repeat("a", 90), SignalLongURL},
		{"http://old.example/", SignalInsecureScheme},
		{"https://old.example/?next=confirm", SignalPhishingKeyword},
		{"https://payypal-help.example/", SignalLookalikeBrand},
		{"https://old.example/wp-admin/", SignalSensitivePath},
	}

	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			s := NewURLScorer(model.DefaultScoringConfig(), caps)
			s.now = func() time.Time { return now }

			report := s.Score(context.Background(), []string{tt.url})

			require.Len(t, report.URLs, 1)
			assert.Equal(t, []string{tt.signal}, report.URLs[0].Signals)
		})
	}
}

func TestURLScorer_ExactBrandIsClean(t *testing.T) {
	s := NewURLScorer(model.DefaultScoringConfig(), Capabilities{})

	report := s.Score(context.Background(), []string{"https://paypal.com/"})

	assert.Zero(t, report.Score)
}

func TestURLScorer_MessageLevelChecks(t *testing.T) {
	urls := []string{
		"https://a.example.com/",
		"https://b.example.com/",
		"https://c.example.com/",
		"https://d.example.com/",
	}

	rep := &fakeReputation{flagged: map[string]bool{"https://c.example.com/": true}}
	s := NewURLScorer(model.DefaultScoringConfig(), Capabilities{Reputation: rep})

	report := s.Score(context.Background(), urls)

	assert.Equal(t, []string{SignalTooManyURLs}, signalNames(report.Signals))
	assert.Equal(t, []string{"https://a.example.com/"}, rep.calls)

	cfg := model.DefaultScoringConfig()
	cfg.ReputationStrategy = model.ReputationAllURLs
	rep = &fakeReputation{flagged: map[string]bool{"https://c.example.com/": true}}
	report = NewURLScorer(cfg, Capabilities{Reputation: rep}).Score(context.Background(), urls)

	assert.Equal(t, []string{SignalTooManyURLs, SignalBadReputation}, signalNames(report.Signals))
	assert.Equal(t, 2.0, report.Score)
}

func TestURLScorer_ReputationFailureDegrades(t *testing.T) {
	rep := &fakeReputation{err: errors.New("quota exceeded")}
	s := NewURLScorer(model.DefaultScoringConfig(), Capabilities{Reputation: rep})

	report := s.Score(context.Background(), []string{"https://example.com/"})

	assert.Zero(t, report.Score)
	assert.Contains(t, report.Unavailable, CapabilityReputation)
}

func TestReputationTargets(t *testing.T) {
	urls := []string{"u0", "u1", "u2", "u3", "u4", "u5"}

	assert.Equal(t, []string{"u0"}, reputationTargets(urls, model.ReputationFirstURL, 0))
	assert.Equal(t, urls, reputationTargets(urls, model.ReputationAllURLs, 0))
	assert.Equal(t, []string{"u0", "u2", "u4"}, reputationTargets(urls, model.ReputationSampled, 3))
	assert.Equal(t, urls, reputationTargets(urls, model.ReputationSampled, 10))
	assert.Nil(t, reputationTargets(nil, model.ReputationAllURLs, 0))
}

func TestEngine_CombinesWithOR(t *testing.T) {
	e := NewEngine(model.DefaultScoringConfig(), Capabilities{})
	ctx := context.Background()

	phishyHeaders := map[string][]string{
		"from":        {"a@x.com"},
		"return-path": {"b@y.com"},
		"reply-to":    {"c@z.com"},
		"x-priority":  {"1"},
	}
	phishyURLs := []string{
		"http://192.168.1.1/login.php?user=admin",
		"https://amaz0n-security.com/secure",
	}

	tests := []struct {
		name    string
		headers map[string][]string
		urls    []string
		want    bool
	}{
		{"neither", cleanHeaders(), []string{"https://example.com/"}, false},
		{"headers only", phishyHeaders, []string{"https://example.com/"}, true},
		{"urls only", cleanHeaders(), phishyURLs, true},
		{"both", phishyHeaders, phishyURLs, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Evaluate(ctx, tt.headers, tt.urls)

			assert.Equal(t, tt.want, r.Verdict.IsPhishing)
			assert.Equal(t, r.Header.Phishing || r.URL.Phishing, r.Verdict.IsPhishing)
			assert.Equal(t, r.Header.Score+r.URL.Score, r.Verdict.RiskScore)
			assert.Len(t, r.Verdict.Signals, len(r.Header.Signals)+len(r.URL.Signals))
		})
	}
}

func TestEngine_IsReentrant(t *testing.T) {
	e := NewEngine(model.DefaultScoringConfig(), Capabilities{})
	urls := []string{"http://192.168.1.1/login.php"}

	first := e.Evaluate(context.Background(), nil, urls)
	second := e.Evaluate(context.Background(), nil, urls)

	assert.Equal(t, first.Verdict, second.Verdict)
}

func TestRegistrableDomain(t *testing.T) {
	assert.Equal(t, "paypal.co.uk", RegistrableDomain("login.PayPal.co.uk"))
	assert.Equal(t, "example.com", RegistrableDomain("a.b.example.com."))
	assert.Equal(t, "localhost", RegistrableDomain("localhost"))
}
