package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nhle/phish-triage/internal/model"
)

// sqlitePragmas are applied to every pooled SQLite connection through the
// DSN so that they hold regardless of which connection serves a query.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// pingAttempts and pingDelay bound how long Open waits for a server-based
// database that is still starting.
const (
	pingAttempts = 5
	pingDelay    = 2 * time.Second
)

// SQLStore implements Store on top of sqlx. It supports SQLite (modernc,
// pure Go) and PostgreSQL (lib/pq).
type SQLStore struct {
	*writer
	db *sqlx.DB
}

// Open connects to the configured backend and runs any pending schema
// migrations.
func Open(ctx context.Context, cfg model.StoreConfig) (*SQLStore, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case model.DriverSQLite, "":
		db, err = openSQLite(cfg.DSN)
	case model.DriverPostgres:
		db, err = openPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{
		db:     db,
		writer: &writer{ext: db, maxAttachmentBytes: cfg.MaxAttachmentBytes},
	}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath with the
// default attachment limit. ":memory:" yields a private in-memory store.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(context.Background(), model.StoreConfig{
		Driver:             model.DriverSQLite,
		DSN:                dbPath,
		MaxAttachmentBytes: 10 << 20,
	})
}

func openSQLite(path string) (*sqlx.DB, error) {
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqlitePragmas
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}

	var pingErr error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(pingDelay):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres after %d attempts: %w", pingAttempts, pingErr)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// SchemaVersion reports the highest applied migration.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order, each in its own transaction.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)")
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.render(s.db.DriverName())); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// InTx runs fn against a Writer bound to a single transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(w Writer) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&writer{ext: tx, maxAttachmentBytes: s.maxAttachmentBytes}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// HasMessage reports whether a message with externalID is stored.
func (s *SQLStore) HasMessage(ctx context.Context, externalID string) (bool, error) {
	return s.writer.messageExists(ctx, externalID)
}

// messageRow carries the JSON-encoded signal list alongside the record.
type messageRow struct {
	model.Message
	SignalsJSON string `db:"signals"`
}

// GetMessage retrieves a single message by its external id.
func (s *SQLStore) GetMessage(
	ctx context.Context,
	externalID string,
) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT external_id, subject, sender, received_at, ingested_at,
			verified, is_phishing, risk_score, verified_at,
			header_score, url_score, signals, verify_attempts
		FROM messages WHERE external_id = ?`), externalID)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, fmt.Errorf("getting message %s: %w", externalID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting message %s: %w", externalID, err)
	}

	msg := row.Message
	signals, err := decodeSignals(row.SignalsJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding signals for message %s: %w", externalID, err)
	}
	msg.Signals = signals

	return &msg, nil
}

// GetLinks returns the links recorded for a message in URL order.
func (s *SQLStore) GetLinks(
	ctx context.Context,
	externalID string,
) ([]model.Link, error) {
	var links []model.Link
	err := s.db.SelectContext(ctx, &links, s.db.Rebind(
		"SELECT external_id, url FROM links WHERE external_id = ? ORDER BY url",
	), externalID)
	if err != nil {
		return nil, fmt.Errorf("querying links for message %s: %w", externalID, err)
	}
	return links, nil
}

// GetAttachments returns the attachments recorded for a message.
func (s *SQLStore) GetAttachments(
	ctx context.Context,
	externalID string,
) ([]model.Attachment, error) {
	var atts []model.Attachment
	err := s.db.SelectContext(ctx, &atts, s.db.Rebind(`
		SELECT external_id, filename, content_type, size_bytes, raw_bytes
		FROM attachments WHERE external_id = ? ORDER BY filename`), externalID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments for message %s: %w", externalID, err)
	}
	return atts, nil
}

// ListUnverified returns up to limit unverified external ids, fewest
// failed attempts first, then oldest first.
func (s *SQLStore) ListUnverified(ctx context.Context, limit int) ([]string, error) {
	return s.ListForVerification(ctx, limit, false)
}

// ListForVerification returns up to limit external ids ordered by failed
// verification attempts, then ingestion time. Verified messages are included only when
// includeVerified is set.
func (s *SQLStore) ListForVerification(
	ctx context.Context,
	limit int,
	includeVerified bool,
) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := "SELECT external_id FROM messages"
	if !includeVerified {
		query += " WHERE verified = 0"
	}
	query += " ORDER BY verify_attempts, ingested_at, external_id LIMIT ?"

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), limit); err != nil {
		return nil, fmt.Errorf("listing messages for verification: %w", err)
	}
	return ids, nil
}

// RecordVerdict writes the verdict and marks the message verified. A
// message verified since it was listed is left untouched.
func (s *SQLStore) RecordVerdict(
	ctx context.Context,
	externalID string,
	verdict model.Verdict,
	verifiedAt time.Time,
) error {
	return s.writeVerdict(ctx, externalID, verdict, verifiedAt, false)
}

// ReplaceVerdict writes the verdict whether or not the message was
// already verified.
func (s *SQLStore) ReplaceVerdict(
	ctx context.Context,
	externalID string,
	verdict model.Verdict,
	verifiedAt time.Time,
) error {
	return s.writeVerdict(ctx, externalID, verdict, verifiedAt, true)
}

func (s *SQLStore) writeVerdict(
	ctx context.Context,
	externalID string,
	verdict model.Verdict,
	verifiedAt time.Time,
	overwrite bool,
) error {
	signals, err := encodeSignals(verdict.SignalNames())
	if err != nil {
		return fmt.Errorf("encoding signals for message %s: %w", externalID, err)
	}

	query := `
		UPDATE messages SET
			verified = 1, is_phishing = ?, risk_score = ?,
			header_score = ?, url_score = ?, signals = ?, verified_at = ?
		WHERE external_id = ?`
	if !overwrite {
		query += " AND verified = 0"
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		boolToInt(verdict.IsPhishing), verdict.RiskScore,
		verdict.HeaderScore, verdict.URLScore, signals, verifiedAt.UTC(),
		externalID,
	)
	if err != nil {
		return fmt.Errorf("recording verdict for message %s: %w", externalID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording verdict for message %s: %w", externalID, err)
	}
	if rows > 0 {
		return nil
	}

	exists, err := s.writer.messageExists(ctx, externalID)
	if err != nil {
		return fmt.Errorf("recording verdict for message %s: %w", externalID, err)
	}
	if !exists {
		return fmt.Errorf("recording verdict for message %s: %w", externalID, ErrNotFound)
	}
	return fmt.Errorf("recording verdict for message %s: %w", externalID, ErrAlreadyVerified)
}

// RecordVerifyAttempt increments the failed-attempt counter of a message.
func (s *SQLStore) RecordVerifyAttempt(ctx context.Context, externalID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE messages SET verify_attempts = verify_attempts + 1 WHERE external_id = ?",
	), externalID)
	if err != nil {
		return fmt.Errorf("recording verify attempt for message %s: %w", externalID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording verify attempt for message %s: %w", externalID, err)
	}
	if rows == 0 {
		return fmt.Errorf("recording verify attempt for message %s: %w", externalID, ErrNotFound)
	}
	return nil
}

// Stats counts stored, verified and phishing messages.
func (s *SQLStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(verified), 0) AS verified,
			COALESCE(SUM(CASE WHEN verified = 1 AND is_phishing = 1 THEN 1 ELSE 0 END), 0) AS phishing
		FROM messages`)
	if err != nil {
		return st, fmt.Errorf("computing stats: %w", err)
	}
	st.Unverified = st.Total - st.Verified
	return st, nil
}
