package store

import "strings"

// migration holds a single schema migration with its target version and SQL.
// The placeholder {{blob}} is replaced by the driver's binary column type.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	external_id TEXT PRIMARY KEY,
	subject     TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMP,
	ingested_at TIMESTAMP NOT NULL,
	verified    INTEGER NOT NULL DEFAULT 0,
	is_phishing INTEGER NOT NULL DEFAULT 0,
	risk_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	verified_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS links (
	external_id TEXT NOT NULL REFERENCES messages(external_id) ON DELETE CASCADE,
	url         TEXT NOT NULL,
	PRIMARY KEY (external_id, url)
);

CREATE TABLE IF NOT EXISTS attachments (
	external_id  TEXT NOT NULL REFERENCES messages(external_id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	raw_bytes    {{blob}},
	PRIMARY KEY (external_id, filename)
);

CREATE INDEX IF NOT EXISTS idx_messages_unverified ON messages(verified, ingested_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE messages ADD COLUMN header_score DOUBLE PRECISION NOT NULL DEFAULT 0;
ALTER TABLE messages ADD COLUMN url_score DOUBLE PRECISION NOT NULL DEFAULT 0;
ALTER TABLE messages ADD COLUMN signals TEXT NOT NULL DEFAULT '[]';

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE messages ADD COLUMN verify_attempts INTEGER NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_messages_verify_queue
	ON messages(verified, verify_attempts, ingested_at);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}

// render substitutes driver-specific column types into a migration.
func (m migration) render(driver string) string {
	blob := "BLOB"
	if driver == "postgres" {
		blob = "BYTEA"
	}
	return strings.ReplaceAll(m.sql, "{{blob}}", blob)
}

// LatestVersion is the schema version a fully migrated store reports.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}
