package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/phish-triage/internal/model"
)

var (
	// ErrIntegrity is returned when a child record references a message
	// that does not exist. It indicates a logic bug in the caller.
	ErrIntegrity = errors.New("integrity violation")

	// ErrNotFound is returned when the addressed message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyVerified is returned by RecordVerdict when another run
	// verified the message first.
	ErrAlreadyVerified = errors.New("already verified")
)

// Outcome describes what a Record* call did.
type Outcome int

const (
	// Inserted means a new record was written.
	Inserted Outcome = iota
	// AlreadyPresent means a message with the same external id exists;
	// the stored record was left untouched.
	AlreadyPresent
	// Duplicate means an identical link or attachment key exists.
	Duplicate
	// RejectedTooLarge means the attachment exceeded the size limit
	// and was not stored.
	RejectedTooLarge
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	case Duplicate:
		return "duplicate"
	case RejectedTooLarge:
		return "rejected_too_large"
	default:
		return "unknown"
	}
}

// Writer records ingested messages and their children. It is implemented
// both by the store itself and by the handle passed to InTx.
type Writer interface {
	// RecordMessage inserts msg if its external id is unknown.
	// It never modifies an existing record.
	RecordMessage(ctx context.Context, msg model.Message) (Outcome, error)

	// RecordLink attaches a URL to an existing message.
	RecordLink(ctx context.Context, externalID, url string) (Outcome, error)

	// RecordAttachment attaches a file to an existing message. Attachments
	// larger than the configured limit are rejected, not stored.
	RecordAttachment(ctx context.Context, att model.Attachment) (Outcome, error)
}

// Store defines the persistence interface for ingested messages,
// their links and attachments, and verification verdicts.
type Store interface {
	Writer

	// InTx runs fn against a transactional Writer. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(w Writer) error) error

	HasMessage(ctx context.Context, externalID string) (bool, error)
	GetMessage(ctx context.Context, externalID string) (*model.Message, error)
	GetLinks(ctx context.Context, externalID string) ([]model.Link, error)
	GetAttachments(ctx context.Context, externalID string) ([]model.Attachment, error)

	// ListUnverified returns up to limit unverified external ids, fewest
	// failed verification attempts first, then oldest ingestion first.
	ListUnverified(ctx context.Context, limit int) ([]string, error)

	// ListForVerification is ListUnverified that optionally includes
	// already verified messages, for forced re-scoring.
	ListForVerification(
		ctx context.Context,
		limit int,
		includeVerified bool,
	) ([]string, error)

	// RecordVerdict stores the scoring outcome and marks the message
	// verified. It returns ErrNotFound for an unknown external id and
	// ErrAlreadyVerified when the message was verified in the meantime.
	RecordVerdict(
		ctx context.Context,
		externalID string,
		verdict model.Verdict,
		verifiedAt time.Time,
	) error

	// ReplaceVerdict is RecordVerdict that also overwrites an existing
	// verdict, for forced re-scoring.
	ReplaceVerdict(
		ctx context.Context,
		externalID string,
		verdict model.Verdict,
		verifiedAt time.Time,
	) error

	// RecordVerifyAttempt notes that a verification run could not score
	// the message, moving it behind messages with fewer attempts.
	RecordVerifyAttempt(ctx context.Context, externalID string) error

	Stats(ctx context.Context) (model.Stats, error)

	Close() error
}
