// Package mailbox defines the mailbox connector contract used by the
// ingestion pipeline and provides an IMAP implementation of it.
package mailbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrMessageNotFound is returned when a provider id no longer resolves to
// a message in the selected folder.
var ErrMessageNotFound = errors.New("message not found")

// AuthError indicates that the mailbox rejected the credentials. It is
// never retried.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransportError wraps a network or protocol failure. Connecting may be
// retried after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// Connector opens sessions against a mailbox.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is one authenticated connection. It is owned by a single
// pipeline phase and must be closed by it.
type Session interface {
	// ListCandidateIDs selects folder and returns the provider ids of the
	// messages in it, oldest first.
	ListCandidateIDs(ctx context.Context, folder string) ([]string, error)

	// FetchStableID returns the stable identifier of a message. ok is
	// false when the message carries no usable identifier.
	FetchStableID(ctx context.Context, providerID string) (id string, ok bool, err error)

	// FetchFullMessage returns the raw RFC 5322 bytes of a message.
	FetchFullMessage(ctx context.Context, providerID string) ([]byte, error)

	// MoveOrDelete removes a message from the active folder, moving it to
	// the reject folder when possible and flagging it deleted otherwise.
	MoveOrDelete(ctx context.Context, providerID string) error

	Close() error
}
