package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phishing-support/pipeline/internal/ids"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides database operations for submission entities
type Store struct {
	db  *sql.DB
	ids *ids.Generator
}

// NewStore creates a new submission store
func NewStore(db *sql.DB, gen *ids.Generator) *Store {
	return &Store{db: db, ids: gen}
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CreateSubmission inserts a submission, collapsing repeat submissions that
// share a dedupe key. An existing row with the same key is deleted and
// replaced (its runs and reports cascade away), unless it is currently
// running: deleting a submission out from under its own in-flight pipeline
// loses data, so the existing id is returned instead.
//
// A zero sub.ID means the store allocates one; a caller-supplied id
// pre-allocates the event topic before any work starts.
func (s *Store) CreateSubmission(ctx context.Context, sub *Submission) (int64, error) {
	if sub.ID == 0 {
		sub.ID = s.ids.Next()
	}
	if sub.Status == "" {
		sub.Status = StatusNew
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	var existingID int64
	var existingStatus string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status FROM submissions WHERE dedupe_key = $1`, sub.DedupeKey).
		Scan(&existingID, &existingStatus)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return 0, err
	case existingStatus == StatusRunning:
		return existingID, nil
	default:
		if _, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = $1`, existingID); err != nil {
			return 0, err
		}
	}

	query := `INSERT INTO submissions (id, kind, source, data, dedupe_key, status, info, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query, sub.ID, sub.Kind, nullString(sub.Source), sub.Data,
		sub.DedupeKey, sub.Status, nullString(sub.Info), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return sub.ID, nil
}

// SetSubmissionStatus updates status and the free-form info column.
func (s *Store) SetSubmissionStatus(ctx context.Context, id int64, status, info string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = $1, info = $2, updated_at = $3 WHERE id = $4`,
		status, nullString(info), time.Now(), id)
	return err
}

// UpdateSubmissionData replaces the kind-specific payload. Enrichment
// mutates the payload in place as lookups complete.
func (s *Store) UpdateSubmissionData(ctx context.Context, id int64, data SubmissionData) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET data = $1, updated_at = $2 WHERE id = $3`,
		data, time.Now(), id)
	return err
}

// GetSubmission retrieves a submission by id.
func (s *Store) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	query := `SELECT id, kind, source, data, dedupe_key, status, info, created_at, updated_at
		FROM submissions WHERE id = $1`

	sub := &Submission{}
	var source, info sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID, &sub.Kind, &source, &sub.Data, &sub.DedupeKey, &sub.Status, &info,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Source = source.String
	sub.Info = info.String
	return sub, nil
}

// ListSubmissions retrieves recent submissions, newest first.
func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]*Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, source, data, dedupe_key, status, info, created_at, updated_at
		FROM submissions ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub := &Submission{}
		var source, info sql.NullString
		if err := rows.Scan(&sub.ID, &sub.Kind, &source, &sub.Data, &sub.DedupeKey,
			&sub.Status, &info, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		sub.Source = source.String
		sub.Info = info.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FindSubmissionBySourcePrefix finds a submission whose source equals the
// prefix or starts with "<prefix>:". Sources like "imap:INBOX:3:17" may
// also spawn derived submissions like "imap:INBOX:3:17:att1"; both count
// as already processed.
func (s *Store) FindSubmissionBySourcePrefix(ctx context.Context, prefix string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM submissions WHERE source = $1 OR source LIKE $2 LIMIT 1`,
		prefix, prefix+":%").Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// RecoverStuck sweeps submissions left running by a previous process
// lifetime to failed. Returns the number of rows swept.
func (s *Store) RecoverStuck(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = $1, info = $2, updated_at = $3 WHERE status = $4`,
		StatusFailed, "interrupted by process restart", time.Now(), StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateRun inserts an analysis run in status running. The model call is
// dispatched only after the row is durable.
func (s *Store) CreateRun(ctx context.Context, submissionID int64, input RawJSON) (int64, error) {
	id := s.ids.Next()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, submission_id, status, input, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, submissionID, RunRunning, input, time.Now())
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CompleteRun marks a run completed and stores its output.
func (s *Store) CompleteRun(ctx context.Context, id int64, output RawJSON) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = $1, output = $2 WHERE id = $3`,
		RunCompleted, output, id)
	return err
}

// FailRun marks a run failed.
func (s *Store) FailRun(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = $1 WHERE id = $2`, RunFailed, id)
	return err
}

// ListRunsForSubmission retrieves all runs for a submission, oldest first.
func (s *Store) ListRunsForSubmission(ctx context.Context, submissionID int64) ([]*AnalysisRun, error) {
	query := `SELECT id, submission_id, status, input, output, data, created_at
		FROM analysis_runs WHERE submission_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*AnalysisRun
	for rows.Next() {
		run := &AnalysisRun{}
		if err := rows.Scan(&run.ID, &run.SubmissionID, &run.Status, &run.Input,
			&run.Output, &run.Data, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveArtifact stores a blob content-addressed by (sha256, size). Saving
// identical bytes again re-points the existing row at the new name/kind/
// submission and returns the existing row's id.
func (s *Store) SaveArtifact(ctx context.Context, a *Artifact) (int64, error) {
	if a.ID == 0 {
		a.ID = s.ids.Next()
	}
	a.SHA256 = SHA256Hex(a.Blob)
	a.Size = len(a.Blob)
	a.CreatedAt = time.Now()

	query := `INSERT INTO artifacts (id, submission_id, name, kind, mime_type, sha256, size, blob, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sha256, size) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind,
			mime_type = EXCLUDED.mime_type, submission_id = EXCLUDED.submission_id,
			created_at = EXCLUDED.created_at
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query, a.ID, nullInt64(a.SubmissionID), nullString(a.Name),
		a.Kind, nullString(a.MimeType), a.SHA256, a.Size, a.Blob, a.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// GetArtifact retrieves an artifact including its blob.
func (s *Store) GetArtifact(ctx context.Context, id int64) (*Artifact, error) {
	query := `SELECT id, submission_id, name, kind, mime_type, sha256, size, blob, created_at
		FROM artifacts WHERE id = $1`

	a := &Artifact{}
	var subID sql.NullInt64
	var name, mime sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &subID, &name, &a.Kind, &mime, &a.SHA256, &a.Size, &a.Blob, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.SubmissionID = subID.Int64
	a.Name = name.String
	a.MimeType = mime.String
	return a, nil
}

// ListArtifactsForSubmission retrieves artifact metadata without blobs.
func (s *Store) ListArtifactsForSubmission(ctx context.Context, submissionID int64) ([]*Artifact, error) {
	query := `SELECT id, submission_id, name, kind, mime_type, sha256, size, created_at
		FROM artifacts WHERE submission_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var subID sql.NullInt64
		var name, mime sql.NullString
		if err := rows.Scan(&a.ID, &subID, &name, &a.Kind, &mime, &a.SHA256, &a.Size, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.SubmissionID = subID.Int64
		a.Name = name.String
		a.MimeType = mime.String
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// CreateReport appends one outbound-notification audit record.
func (s *Store) CreateReport(ctx context.Context, r *Report) (int64, error) {
	if r.ID == 0 {
		r.ID = s.ids.Next()
	}
	if r.Channel == "" {
		r.Channel = "email"
	}
	if r.Status == "" {
		r.Status = ReportSent
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	var attachments RawJSON
	if len(r.AttachmentArtifactIDs) > 0 {
		b, err := json.Marshal(r.AttachmentArtifactIDs)
		if err != nil {
			return 0, fmt.Errorf("marshal attachment ids: %w", err)
		}
		attachments = RawJSON(b)
	}

	query := `INSERT INTO reports (id, submission_id, analysis_run_id, channel, "to", subject, body,
		status, provider_message_id, attachments_artifact_ids, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.SubmissionID, nullInt64(r.AnalysisRunID),
		r.Channel, r.To, nullString(r.Subject), r.Body, r.Status,
		nullString(r.ProviderMessageID), attachments, r.Data, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

// ListReportsForSubmission retrieves all reports for a submission, oldest first.
func (s *Store) ListReportsForSubmission(ctx context.Context, submissionID int64) ([]*Report, error) {
	query := `SELECT id, submission_id, analysis_run_id, channel, "to", subject, body, status,
		provider_message_id, attachments_artifact_ids, data, created_at, updated_at
		FROM reports WHERE submission_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r := &Report{}
		var runID sql.NullInt64
		var subject, provider sql.NullString
		var attachments RawJSON
		if err := rows.Scan(&r.ID, &r.SubmissionID, &runID, &r.Channel, &r.To, &subject,
			&r.Body, &r.Status, &provider, &attachments, &r.Data, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.AnalysisRunID = runID.Int64
		r.Subject = subject.String
		r.ProviderMessageID = provider.String
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &r.AttachmentArtifactIDs); err != nil {
				return nil, err
			}
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
