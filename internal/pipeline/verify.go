package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/extract"
	"github.com/nhle/phish-triage/internal/mailbox"
	"github.com/nhle/phish-triage/internal/store"
)

func (r *Runner) verify(ctx context.Context, log *zap.Logger, force bool) (Summary, error) {
	var sum Summary
	started := r.now()
	defer func() { r.metrics.RecordPhase("verify", r.now().Sub(started)) }()

	ids, err := r.store.ListForVerification(ctx, r.opts.BatchSize, force)
	if err != nil {
		return sum, fmt.Errorf("listing messages to verify: %w", err)
	}
	if len(ids) == 0 {
		log.Info("nothing to verify")
		return sum, nil
	}

	sess, err := r.connect(ctx, log)
	if err != nil {
		return sum, err
	}
	defer closeSession(sess, log)

	index, err := r.locate(ctx, sess, ids, log)
	if err != nil {
		return sum, err
	}
	log.Info("verification started",
		zap.Int("batch", len(ids)),
		zap.Int("located", len(index)),
		zap.Bool("force", force),
	)

	for _, externalID := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		mlog := log.With(zap.String("external_id", externalID))

		if !force {
			done, err := r.alreadyVerified(ctx, externalID)
			if err != nil {
				mlog.Error("reading message", zap.Error(err))
				sum.Failed++
				continue
			}
			if done {
				mlog.Debug("verified by another run")
				sum.Skipped++
				continue
			}
		}

		providerID, ok := index[externalID]
		if !ok {
			mlog.Warn("stored message no longer in mailbox")
			sum.Missing++
			r.recordAttempt(ctx, externalID, mlog)
			continue
		}

		phishing, err := r.verifyOne(ctx, sess, externalID, providerID, force, mlog)
		switch {
		case errors.Is(err, store.ErrAlreadyVerified):
			mlog.Debug("verified by another run")
			sum.Skipped++
		case errors.Is(err, mailbox.ErrMessageNotFound):
			mlog.Warn("stored message no longer in mailbox")
			sum.Missing++
			r.recordAttempt(ctx, externalID, mlog)
		case err != nil:
			mlog.Error("verifying message", zap.Error(err))
			sum.Failed++
			r.recordAttempt(ctx, externalID, mlog)
		default:
			sum.Verified++
			if phishing {
				sum.Phishing++
			}
		}
	}

	log.Info("verification finished",
		zap.Int("verified", sum.Verified),
		zap.Int("phishing", sum.Phishing),
		zap.Int("skipped", sum.Skipped),
		zap.Int("missing", sum.Missing),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

// alreadyVerified reports whether a concurrent run verified the message
// after it was listed.
func (r *Runner) alreadyVerified(ctx context.Context, externalID string) (bool, error) {
	msg, err := r.store.GetMessage(ctx, externalID)
	if err != nil {
		return false, err
	}
	return msg.Verified, nil
}

// recordAttempt moves a message that could not be scored behind the rest
// of the queue.
func (r *Runner) recordAttempt(ctx context.Context, externalID string, log *zap.Logger) {
	if err := r.store.RecordVerifyAttempt(ctx, externalID); err != nil {
		log.Warn("recording verify attempt", zap.Error(err))
	}
}

// locate maps the wanted external ids to provider ids in the current
// folder. Messages without a usable stable id are ignored here.
func (r *Runner) locate(
	ctx context.Context,
	sess mailbox.Session,
	wanted []string,
	log *zap.Logger,
) (map[string]string, error) {
	pending := make(map[string]bool, len(wanted))
	for _, id := range wanted {
		pending[id] = true
	}

	providerIDs, err := sess.ListCandidateIDs(ctx, r.opts.Folder)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", r.opts.Folder, err)
	}

	index := make(map[string]string, len(wanted))
	for _, providerID := range providerIDs {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		externalID, ok, err := sess.FetchStableID(ctx, providerID)
		if err != nil {
			log.Debug("reading stable id",
				zap.String("provider_id", providerID),
				zap.Error(err),
			)
			continue
		}
		if ok && pending[externalID] {
			index[externalID] = providerID
			delete(pending, externalID)
		}
	}
	return index, nil
}

func (r *Runner) verifyOne(
	ctx context.Context,
	sess mailbox.Session,
	externalID, providerID string,
	force bool,
	log *zap.Logger,
) (bool, error) {
	raw, err := sess.FetchFullMessage(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("fetching message: %w", err)
	}

	res := extract.Extract(raw)
	report := r.scorer.Evaluate(ctx, res.Headers, res.Links)
	verdict := report.Verdict

	record := r.store.RecordVerdict
	if force {
		record = r.store.ReplaceVerdict
	}
	if err := record(ctx, externalID, verdict, r.now().UTC()); err != nil {
		return false, fmt.Errorf("recording verdict: %w", err)
	}

	unavailable := report.Unavailable()
	r.metrics.RecordVerdict(verdict.IsPhishing, verdict.RiskScore, unavailable)

	fields := []zap.Field{
		zap.Bool("phishing", verdict.IsPhishing),
		zap.Float64("risk_score", verdict.RiskScore),
		zap.Float64("header_score", verdict.HeaderScore),
		zap.Float64("url_score", verdict.URLScore),
		zap.Strings("signals", verdict.SignalNames()),
	}
	if len(unavailable) > 0 {
		fields = append(fields, zap.Strings("unavailable", unavailable))
	}
	log.Info("message verified", fields...)
	return verdict.IsPhishing, nil
}
