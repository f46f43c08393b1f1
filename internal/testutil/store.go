package testutil

import (
	"context"
	"testing"

	"github.com/nhle/phish-triage/internal/model"
	"github.com/nhle/phish-triage/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	return NewTestStoreWithLimit(t, 10<<20)
}

// NewTestStoreWithLimit is NewTestStore with a custom attachment limit.
func NewTestStoreWithLimit(t *testing.T, maxAttachmentBytes int64) *store.SQLStore {
	t.Helper()

	s, err := store.Open(context.Background(), model.StoreConfig{
		Driver:             model.DriverSQLite,
		DSN:                ":memory:",
		MaxAttachmentBytes: maxAttachmentBytes,
	})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
