package store_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/phish-triage/internal/model"
	"github.com/nhle/phish-triage/internal/store"
	"github.com/nhle/phish-triage/internal/testutil"
)

func newMessage(id string, ingested time.Time) model.Message {
	return model.Message{
		ExternalID: id,
		Subject:    "Subject " + id,
		Sender:     "sender@example.com",
		IngestedAt: ingested,
	}
}

func TestSQLStore_RecordMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	received := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := newMessage("1001", time.Now())
	msg.ReceivedAt = &received

	outcome, err := s.RecordMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, outcome)

	changed := msg
	changed.Subject = "rewritten"
	outcome, err = s.RecordMessage(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, store.AlreadyPresent, outcome)

	got, err := s.GetMessage(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "Subject 1001", got.Subject)
	assert.False(t, got.Verified)
	require.NotNil(t, got.ReceivedAt)
	assert.True(t, received.Equal(*got.ReceivedAt))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestSQLStore_LinksRequireParent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.RecordLink(ctx, "404", "https://example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrIntegrity))

	_, err = s.RecordMessage(ctx, newMessage("1", time.Now()))
	require.NoError(t, err)

	outcome, err := s.RecordLink(ctx, "1", "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, outcome)

	outcome, err = s.RecordLink(ctx, "1", "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, store.Duplicate, outcome)

	links, err := s.GetLinks(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []model.Link{{ExternalID: "1", URL: "https://example.com/a"}}, links)
}

func TestSQLStore_AttachmentSizeLimit(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStoreWithLimit(t, 8)

	_, err := s.RecordAttachment(ctx, model.Attachment{ExternalID: "9", Filename: "a.txt"})
	assert.True(t, errors.Is(err, store.ErrIntegrity))

	_, err = s.RecordMessage(ctx, newMessage("9", time.Now()))
	require.NoError(t, err)

	small := model.Attachment{
		ExternalID:  "9",
		Filename:    "a.txt",
		ContentType: "text/plain",
		Data:        []byte("12345678"),
	}
	outcome, err := s.RecordAttachment(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, store.Inserted, outcome)

	outcome, err = s.RecordAttachment(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, store.Duplicate, outcome)

	big := model.Attachment{
		ExternalID: "9",
		Filename:   "big.bin",
		Data:       bytes.Repeat([]byte{'x'}, 9),
	}
	outcome, err = s.RecordAttachment(ctx, big)
	require.NoError(t, err)
	assert.Equal(t, store.RejectedTooLarge, outcome)

	atts, err := s.GetAttachments(ctx, "9")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, int64(8), atts[0].SizeBytes)
	assert.Equal(t, []byte("12345678"), atts[0].Data)
}

func TestSQLStore_ListUnverifiedOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"30", "10", "20"} {
		_, err := s.RecordMessage(ctx, newMessage(id, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	ids, err := s.ListUnverified(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"30", "10"}, ids)

	require.NoError(t, s.RecordVerdict(ctx, "30", model.Verdict{RiskScore: 1}, time.Now()))

	ids, err = s.ListUnverified(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "20"}, ids)

	ids, err = s.ListForVerification(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"30", "10", "20"}, ids)

	ids, err = s.ListUnverified(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLStore_RecordVerdict(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	err := s.RecordVerdict(ctx, "missing", model.Verdict{}, time.Now())
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = s.RecordMessage(ctx, newMessage("5", time.Now()))
	require.NoError(t, err)

	verdict := model.Verdict{
		IsPhishing:  true,
		RiskScore:   7.5,
		HeaderScore: 0.5,
		URLScore:    7,
		Signals: []model.Signal{
			{Name: "raw_ip_relay", Source: model.SignalSourceHeader, Weight: 0.5},
			{Name: "raw_ip_host", Source: model.SignalSourceURL, Weight: 1},
		},
	}
	require.NoError(t, s.RecordVerdict(ctx, "5", verdict, time.Now()))

	got, err := s.GetMessage(ctx, "5")
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.True(t, got.IsPhishing)
	assert.InDelta(t, 7.5, got.RiskScore, 1e-9)
	assert.InDelta(t, 0.5, got.HeaderScore, 1e-9)
	assert.Equal(t, []string{"raw_ip_relay", "raw_ip_host"}, got.Signals)
	assert.NotNil(t, got.VerifiedAt)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Total: 1, Verified: 1, Phishing: 1}, stats)
}

func TestSQLStore_RecordVerdictKeepsExistingVerdict(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, err := s.RecordMessage(ctx, newMessage("5", time.Now()))
	require.NoError(t, err)

	first := model.Verdict{IsPhishing: true, RiskScore: 6}
	require.NoError(t, s.RecordVerdict(ctx, "5", first, time.Now()))

	err = s.RecordVerdict(ctx, "5", model.Verdict{RiskScore: 1}, time.Now())
	assert.ErrorIs(t, err, store.ErrAlreadyVerified)

	got, err := s.GetMessage(ctx, "5")
	require.NoError(t, err)
	assert.True(t, got.IsPhishing)
	assert.InDelta(t, 6, got.RiskScore, 1e-9)

	require.NoError(t, s.ReplaceVerdict(ctx, "5", model.Verdict{RiskScore: 1}, time.Now()))
	got, err = s.GetMessage(ctx, "5")
	require.NoError(t, err)
	assert.False(t, got.IsPhishing)
	assert.InDelta(t, 1, got.RiskScore, 1e-9)

	err = s.ReplaceVerdict(ctx, "missing", model.Verdict{}, time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLStore_VerifyAttemptsMoveMessagesBack(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"1", "2", "3"} {
		_, err := s.RecordMessage(ctx, newMessage(id, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	require.NoError(t, s.RecordVerifyAttempt(ctx, "1"))
	require.NoError(t, s.RecordVerifyAttempt(ctx, "1"))
	require.NoError(t, s.RecordVerifyAttempt(ctx, "2"))

	ids, err := s.ListUnverified(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "1"}, ids)

	got, err := s.GetMessage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.VerifyAttempts)

	assert.ErrorIs(t, s.RecordVerifyAttempt(ctx, "missing"), store.ErrNotFound)
}

func TestSQLStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(w store.Writer) error {
		if _, err := w.RecordMessage(ctx, newMessage("77", time.Now())); err != nil {
			return err
		}
		if _, err := w.RecordLink(ctx, "77", "https://example.com"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := s.HasMessage(ctx, "77")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.InTx(ctx, func(w store.Writer) error {
		if _, err := w.RecordMessage(ctx, newMessage("77", time.Now())); err != nil {
			return err
		}
		_, err := w.RecordLink(ctx, "77", "https://example.com")
		return err
	})
	require.NoError(t, err)

	links, err := s.GetLinks(ctx, "77")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestSQLStore_ReopenKeepsDataAndSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "triage.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.RecordMessage(ctx, newMessage("42", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.LatestVersion(), version)

	outcome, err := s.RecordMessage(ctx, newMessage("42", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, store.AlreadyPresent, outcome)
}

func TestSQLStore_GetMessageNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)
	_, err := s.GetMessage(context.Background(), "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
