// Package pipeline moves messages from the mailbox into the store and
// scores stored messages against the mailbox copy.
//
// Ingestion and verification each open their own mailbox session. A
// failure on one message is logged and counted; it never aborts the
// batch. Connection and authentication failures abort the phase.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/mailbox"
	"github.com/nhle/phish-triage/internal/metrics"
	"github.com/nhle/phish-triage/internal/scoring"
	"github.com/nhle/phish-triage/internal/store"
)

// Scorer evaluates one message. *scoring.Engine implements it.
type Scorer interface {
	Evaluate(ctx context.Context, headers map[string][]string, urls []string) scoring.Report
}

// Options configures a Runner.
type Options struct {
	// Folder is the mailbox folder to ingest from and verify against.
	Folder string
	// BatchSize bounds how many stored messages one Verify call scores.
	BatchSize int
	// ConnectRetries is the number of connection attempts per phase.
	ConnectRetries int
	RetryDelay     time.Duration
}

// Summary counts what a run did.
type Summary struct {
	RunID string `json:"run_id"`

	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`

	Verified int `json:"verified"`
	Phishing int `json:"phishing"`
	Missing  int `json:"missing"`

	// Failed counts messages that hit an error in either phase.
	Failed int `json:"failed"`
}

func (s *Summary) add(o Summary) {
	s.Ingested += o.Ingested
	s.Skipped += o.Skipped
	s.Rejected += o.Rejected
	s.Verified += o.Verified
	s.Phishing += o.Phishing
	s.Missing += o.Missing
	s.Failed += o.Failed
}

// Runner executes ingestion and verification. Calls are not meant to
// overlap; the scheduler serializes them.
type Runner struct {
	connector mailbox.Connector
	store     store.Store
	scorer    Scorer
	opts      Options
	log       *zap.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(
	connector mailbox.Connector,
	st store.Store,
	scorer Scorer,
	opts Options,
	log *zap.Logger,
	m *metrics.Metrics,
) *Runner {
	if opts.Folder == "" {
		opts.Folder = "INBOX"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		connector: connector,
		store:     st,
		scorer:    scorer,
		opts:      opts,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Run ingests new messages and then verifies a batch of stored ones.
// An ingestion error stops the run before verification.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	runID := uuid.New().String()
	log := r.log.With(zap.String("run_id", runID))

	sum := Summary{RunID: runID}

	ingested, err := r.ingest(ctx, log)
	sum.add(ingested)
	if err != nil {
		return sum, err
	}

	verified, err := r.verify(ctx, log, false)
	sum.add(verified)
	if err != nil {
		return sum, err
	}

	log.Info("run completed",
		zap.Int("ingested", sum.Ingested),
		zap.Int("skipped", sum.Skipped),
		zap.Int("rejected", sum.Rejected),
		zap.Int("verified", sum.Verified),
		zap.Int("phishing", sum.Phishing),
		zap.Int("missing", sum.Missing),
		zap.Int("failed", sum.Failed),
	)

	unverified := -1
	if st, err := r.store.Stats(ctx); err == nil {
		unverified = st.Unverified
	}
	if unverified >= 0 {
		r.metrics.RecordRunCompleted(r.now(), unverified)
	}
	return sum, nil
}

// Ingest runs the ingestion phase alone.
func (r *Runner) Ingest(ctx context.Context) (Summary, error) {
	runID := uuid.New().String()
	sum, err := r.ingest(ctx, r.log.With(zap.String("run_id", runID)))
	sum.RunID = runID
	return sum, err
}

// Verify runs the verification phase alone. With force set, messages
// that were already verified are scored again.
func (r *Runner) Verify(ctx context.Context, force bool) (Summary, error) {
	runID := uuid.New().String()
	sum, err := r.verify(ctx, r.log.With(zap.String("run_id", runID)), force)
	sum.RunID = runID
	return sum, err
}

// connect opens a session, retrying transport failures. Authentication
// failures are returned immediately.
func (r *Runner) connect(ctx context.Context, log *zap.Logger) (mailbox.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.ConnectRetries; attempt++ {
		sess, err := r.connector.Connect(ctx)
		if err == nil {
			return sess, nil
		}
		r.metrics.RecordConnectFailure()
		if mailbox.IsAuthError(err) {
			return nil, fmt.Errorf("connecting to mailbox: %w", err)
		}
		lastErr = err

		log.Warn("mailbox connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.opts.ConnectRetries),
			zap.Error(err),
		)

		if attempt < r.opts.ConnectRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
		}
	}
	return nil, fmt.Errorf(
		"connecting to mailbox after %d attempts: %w",
		r.opts.ConnectRetries, lastErr,
	)
}

func closeSession(sess mailbox.Session, log *zap.Logger) {
	if err := sess.Close(); err != nil {
		log.Debug("closing mailbox session", zap.Error(err))
	}
}
