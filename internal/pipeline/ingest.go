package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/phish-triage/internal/extract"
	"github.com/nhle/phish-triage/internal/mailbox"
	"github.com/nhle/phish-triage/internal/model"
	"github.com/nhle/phish-triage/internal/store"
)

// ingestOutcome is the terminal state of one candidate message.
type ingestOutcome string

const (
	outcomeIngested ingestOutcome = "ingested"
	outcomeSkipped  ingestOutcome = "skipped"
	outcomeRejected ingestOutcome = "rejected"
	outcomeFailed   ingestOutcome = "failed"
)

func (r *Runner) ingest(ctx context.Context, log *zap.Logger) (Summary, error) {
	var sum Summary
	started := r.now()
	defer func() { r.metrics.RecordPhase("ingest", r.now().Sub(started)) }()

	sess, err := r.connect(ctx, log)
	if err != nil {
		return sum, err
	}
	defer closeSession(sess, log)

	ids, err := sess.ListCandidateIDs(ctx, r.opts.Folder)
	if err != nil {
		return sum, fmt.Errorf("listing %s: %w", r.opts.Folder, err)
	}
	log.Info("ingestion started",
		zap.String("folder", r.opts.Folder),
		zap.Int("candidates", len(ids)),
	)

	for _, providerID := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		mlog := log.With(zap.String("provider_id", providerID))
		outcome, err := r.ingestOne(ctx, sess, providerID, mlog)
		if err != nil {
			mlog.Error("ingesting message", zap.Error(err))
			outcome = outcomeFailed
		}
		r.metrics.RecordMessage(string(outcome))

		switch outcome {
		case outcomeIngested:
			sum.Ingested++
		case outcomeSkipped:
			sum.Skipped++
		case outcomeRejected:
			sum.Rejected++
		case outcomeFailed:
			sum.Failed++
		}
	}

	log.Info("ingestion finished",
		zap.Int("ingested", sum.Ingested),
		zap.Int("skipped", sum.Skipped),
		zap.Int("rejected", sum.Rejected),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

// ingestOne drives one message from DISCOVERED to a terminal state.
func (r *Runner) ingestOne(
	ctx context.Context,
	sess mailbox.Session,
	providerID string,
	log *zap.Logger,
) (ingestOutcome, error) {
	externalID, ok, err := sess.FetchStableID(ctx, providerID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetching stable id: %w", err)
	}
	if !ok || !model.ValidExternalID(externalID) {
		if err := sess.MoveOrDelete(ctx, providerID); err != nil {
			log.Warn("removing message without stable id", zap.Error(err))
		} else {
			log.Info("rejected message without stable id")
		}
		return outcomeRejected, nil
	}

	log = log.With(zap.String("external_id", externalID))

	exists, err := r.store.HasMessage(ctx, externalID)
	if err != nil {
		return outcomeFailed, err
	}
	if exists {
		log.Debug("message already stored")
		return outcomeSkipped, nil
	}

	raw, err := sess.FetchFullMessage(ctx, providerID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("fetching message: %w", err)
	}

	res := extract.Extract(raw)
	for _, p := range res.Problems {
		log.Debug("content decoding problem", zap.Error(p))
	}

	msg := model.Message{
		ExternalID: externalID,
		Subject:    res.Subject,
		Sender:     res.Sender,
		ReceivedAt: res.Date,
		IngestedAt: r.now().UTC(),
	}

	var (
		stored   bool
		tooLarge []string
	)
	err = r.store.InTx(ctx, func(w store.Writer) error {
		outcome, err := w.RecordMessage(ctx, msg)
		if err != nil {
			return err
		}
		if outcome == store.AlreadyPresent {
			return nil
		}
		stored = true

		for _, link := range res.Links {
			if _, err := w.RecordLink(ctx, externalID, link); err != nil {
				return fmt.Errorf("recording link: %w", err)
			}
		}
		for _, a := range res.Attachments {
			outcome, err := w.RecordAttachment(ctx, model.Attachment{
				ExternalID:  externalID,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				SizeBytes:   int64(len(a.Data)),
				Data:        a.Data,
			})
			if err != nil {
				return fmt.Errorf("recording attachment %q: %w", a.Filename, err)
			}
			if outcome == store.RejectedTooLarge {
				tooLarge = append(tooLarge, a.Filename)
			}
		}
		return nil
	})
	if err != nil {
		return outcomeFailed, fmt.Errorf("persisting message: %w", err)
	}
	if !stored {
		return outcomeSkipped, nil
	}

	for _, name := range tooLarge {
		log.Warn("attachment exceeds size limit, not stored", zap.String("filename", name))
	}
	log.Info("message ingested",
		zap.Int("links", len(res.Links)),
		zap.Int("attachments", len(res.Attachments)-len(tooLarge)),
		zap.Duration("age", messageAge(msg, r.now())),
	)
	return outcomeIngested, nil
}

func messageAge(msg model.Message, now time.Time) time.Duration {
	if msg.ReceivedAt == nil {
		return 0
	}
	return now.Sub(*msg.ReceivedAt)
}
