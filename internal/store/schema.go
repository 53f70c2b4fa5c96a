package store

import (
	"context"
	"database/sql"
)

// Schema creates all tables and indexes. Statements are idempotent so the
// schema can be applied on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	source TEXT,
	data JSONB NOT NULL,
	dedupe_key TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'new',
	info TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS submissions_dedupe_key_unique ON submissions (dedupe_key);
CREATE INDEX IF NOT EXISTS submissions_kind_idx ON submissions (kind);
CREATE INDEX IF NOT EXISTS submissions_status_idx ON submissions (status);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id BIGINT PRIMARY KEY,
	submission_id BIGINT NOT NULL REFERENCES submissions (id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'running',
	input JSONB,
	output JSONB,
	data JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS analysis_runs_submission_idx ON analysis_runs (submission_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id BIGINT PRIMARY KEY,
	submission_id BIGINT REFERENCES submissions (id) ON DELETE SET NULL,
	name TEXT,
	kind TEXT NOT NULL,
	mime_type TEXT,
	sha256 TEXT NOT NULL,
	size INT NOT NULL,
	blob BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS artifacts_sha256_size_unique ON artifacts (sha256, size);
CREATE INDEX IF NOT EXISTS artifacts_submission_kind_created_idx ON artifacts (submission_id, kind, created_at);

CREATE TABLE IF NOT EXISTS reports (
	id BIGINT PRIMARY KEY,
	submission_id BIGINT NOT NULL REFERENCES submissions (id) ON DELETE CASCADE,
	analysis_run_id BIGINT REFERENCES analysis_runs (id) ON DELETE SET NULL,
	channel TEXT NOT NULL DEFAULT 'email',
	"to" TEXT NOT NULL,
	subject TEXT,
	body TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'sent',
	provider_message_id TEXT,
	attachments_artifact_ids JSONB,
	data JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS reports_submission_created_idx ON reports (submission_id, created_at);
CREATE INDEX IF NOT EXISTS reports_to_created_idx ON reports ("to", created_at);
CREATE INDEX IF NOT EXISTS reports_status_created_idx ON reports (status, created_at);
`

// InitSchema applies the schema to the given database.
func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
