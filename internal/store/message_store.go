package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/phish-triage/internal/model"
)

var errNoRows = sql.ErrNoRows

// writer implements Writer over either the pool or a transaction.
type writer struct {
	ext                sqlx.ExtContext
	maxAttachmentBytes int64
}

// RecordMessage inserts msg unless its external id is already stored.
func (w *writer) RecordMessage(ctx context.Context, msg model.Message) (Outcome, error) {
	if msg.IngestedAt.IsZero() {
		msg.IngestedAt = time.Now()
	}

	var received any
	if msg.ReceivedAt != nil {
		received = msg.ReceivedAt.UTC()
	}

	result, err := w.ext.ExecContext(ctx, w.ext.Rebind(`
		INSERT INTO messages (external_id, subject, sender, received_at, ingested_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING`),
		msg.ExternalID, msg.Subject, msg.Sender, received, msg.IngestedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording message %s: %w", msg.ExternalID, err)
	}

	return insertOutcome(result, AlreadyPresent)
}

// RecordLink stores a URL for an existing message.
func (w *writer) RecordLink(ctx context.Context, externalID, url string) (Outcome, error) {
	if err := w.requireMessage(ctx, externalID); err != nil {
		return 0, fmt.Errorf("recording link for message %s: %w", externalID, err)
	}

	result, err := w.ext.ExecContext(ctx, w.ext.Rebind(`
		INSERT INTO links (external_id, url) VALUES (?, ?)
		ON CONFLICT (external_id, url) DO NOTHING`),
		externalID, url,
	)
	if err != nil {
		return 0, fmt.Errorf("recording link for message %s: %w", externalID, err)
	}

	return insertOutcome(result, Duplicate)
}

// RecordAttachment stores an attachment for an existing message unless it
// exceeds the size limit.
func (w *writer) RecordAttachment(ctx context.Context, att model.Attachment) (Outcome, error) {
	if err := w.requireMessage(ctx, att.ExternalID); err != nil {
		return 0, fmt.Errorf("recording attachment for message %s: %w", att.ExternalID, err)
	}

	size := int64(len(att.Data))
	if w.maxAttachmentBytes > 0 && size > w.maxAttachmentBytes {
		return RejectedTooLarge, nil
	}

	result, err := w.ext.ExecContext(ctx, w.ext.Rebind(`
		INSERT INTO attachments (external_id, filename, content_type, size_bytes, raw_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (external_id, filename) DO NOTHING`),
		att.ExternalID, att.Filename, att.ContentType, size, att.Data,
	)
	if err != nil {
		return 0, fmt.Errorf("recording attachment %q for message %s: %w",
			att.Filename, att.ExternalID, err)
	}

	return insertOutcome(result, Duplicate)
}

func (w *writer) messageExists(ctx context.Context, externalID string) (bool, error) {
	var count int
	err := sqlx.GetContext(ctx, w.ext, &count, w.ext.Rebind(
		"SELECT COUNT(*) FROM messages WHERE external_id = ?",
	), externalID)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", externalID, err)
	}
	return count > 0, nil
}

// requireMessage returns ErrIntegrity when the parent message is missing.
func (w *writer) requireMessage(ctx context.Context, externalID string) error {
	ok, err := w.messageExists(ctx, externalID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIntegrity
	}
	return nil
}

// insertOutcome maps an ON CONFLICT DO NOTHING result to Inserted or the
// given conflict outcome.
func insertOutcome(result sql.Result, conflict Outcome) (Outcome, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	if rows == 0 {
		return conflict, nil
	}
	return Inserted, nil
}

// boolToInt converts a Go bool to an INTEGER column value.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeSignals(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeSignals(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	return names, nil
}
