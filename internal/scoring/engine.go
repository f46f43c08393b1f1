// Package scoring computes a phishing verdict for a message from its
// headers and links.
//
// Scoring is a pure function of its inputs and the injected capabilities:
// scorers keep no state between messages and may be used concurrently.
package scoring

import (
	"context"

	"github.com/nhle/phish-triage/internal/model"
)

// Report is the full outcome of evaluating one message.
type Report struct {
	Verdict model.Verdict
	Header  HeaderReport
	URL     URLReport
}

// Unavailable lists every capability that could not answer while
// evaluating the message.
func (r Report) Unavailable() []string {
	var set unavailableSet
	for _, n := range r.Header.Unavailable {
		set.add(n)
	}
	for _, n := range r.URL.Unavailable {
		set.add(n)
	}
	return set
}

// Engine combines the header and URL scorers.
type Engine struct {
	header *HeaderScorer
	url    *URLScorer
}

// NewEngine builds an engine from cfg and the available capabilities.
func NewEngine(cfg model.ScoringConfig, caps Capabilities) *Engine {
	caps = caps.withDefaults()
	return &Engine{
		header: NewHeaderScorer(cfg, caps.Geo),
		url:    NewURLScorer(cfg, caps),
	}
}

// Evaluate scores a message. The message is phishing when either
// sub-score exceeds its threshold; the risk score is their sum.
func (e *Engine) Evaluate(
	ctx context.Context,
	headers map[string][]string,
	urls []string,
) Report {
	h := e.header.Score(ctx, headers)
	u := e.url.Score(ctx, urls)

	signals := make([]model.Signal, 0, len(h.Signals)+len(u.Signals))
	signals = append(signals, h.Signals...)
	signals = append(signals, u.Signals...)

	return Report{
		Verdict: model.Verdict{
			IsPhishing:     h.Phishing || u.Phishing,
			RiskScore:      h.Score + u.Score,
			HeaderScore:    h.Score,
			URLScore:       u.Score,
			HeaderPhishing: h.Phishing,
			URLPhishing:    u.Phishing,
			Signals:        signals,
		},
		Header: h,
		URL:    u,
	}
}
