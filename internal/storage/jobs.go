package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const jobColumns = `content_id, user_id, role, mode, content_type, prompt, config_json, status,
	created_at, completed_at, file_path, download_url, error, rag_json, subject_name, topic_name, doc_ids_json`

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, j ContentJob) error {
	cfg := j.ConfigJSON
	if cfg == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_jobs (content_id, user_id, role, mode, content_type, prompt, config_json, status,
			created_at, subject_name, topic_name, doc_ids_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		j.ContentID, j.UserID, j.Role, j.Mode, j.ContentType, j.Prompt, cfg,
		formatTime(j.CreatedAt), j.SubjectName, j.TopicName, marshalStrings(j.DocIDs),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (ContentJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM content_jobs WHERE content_id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return ContentJob{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs matching f ordered by created_at descending, plus the
// total number of matching rows ignoring Limit/Offset.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]ContentJob, int, error) {
	var w whereClause
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.ContentType != "" {
		w.add("content_type = ?", f.ContentType)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", formatTime(f.From))
	}
	if !f.To.IsZero() {
		w.add("created_at <= ?", formatTime(f.To))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_jobs`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM content_jobs` + w.String() + ` ORDER BY created_at DESC, content_id DESC`
	args := w.args
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ContentJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// ClaimNextJob leases the oldest unclaimed pending job to workerID. It returns
// nil when nothing is claimable. A job stays in status pending while claimed;
// the lease is what keeps two workers off the same record.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*ContentJob, error) {
	now := formatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT content_id FROM content_jobs
		WHERE status = 'pending' AND claimed_by IS NULL
		ORDER BY created_at ASC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE content_jobs SET claimed_by = ?, claimed_at = ?
		WHERE content_id = ? AND status = 'pending' AND claimed_by IS NULL`, workerID, now, id)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking claimed job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM content_jobs WHERE content_id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("loading claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &j, nil
}

// CompleteJob moves a job held by workerID from pending to completed.
// ErrConflict means the job is not pending or not held by workerID.
func (s *Store) CompleteJob(ctx context.Context, id, workerID, filePath, downloadURL string, rag *RAGMetadata, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_jobs
		SET status = 'completed', completed_at = ?, file_path = ?, download_url = ?, rag_json = ?, error = '',
			claimed_by = NULL, claimed_at = NULL
		WHERE content_id = ? AND status = 'pending' AND claimed_by = ?`,
		formatTime(at), filePath, downloadURL, marshalRAG(rag), id, workerID,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// FailJob moves a job held by workerID from pending to failed.
func (s *Store) FailJob(ctx context.Context, id, workerID, errMsg string, rag *RAGMetadata, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_jobs
		SET status = 'failed', completed_at = ?, error = ?, rag_json = ?, claimed_by = NULL, claimed_at = NULL
		WHERE content_id = ? AND status = 'pending' AND claimed_by = ?`,
		formatTime(at), errMsg, marshalRAG(rag), id, workerID,
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_jobs WHERE content_id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// ReleaseClaims clears every lease on pending jobs so they can be picked up
// again. Called once at startup, before any worker runs.
func (s *Store) ReleaseClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE content_jobs SET claimed_by = NULL, claimed_at = NULL
		WHERE status = 'pending' AND claimed_by IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (ContentJob, error) {
	var j ContentJob
	var createdAt, docIDs string
	var completedAt, ragJSON sql.NullString
	err := r.Scan(&j.ContentID, &j.UserID, &j.Role, &j.Mode, &j.ContentType, &j.Prompt, &j.ConfigJSON, &j.Status,
		&createdAt, &completedAt, &j.FilePath, &j.DownloadURL, &j.Error, &ragJSON, &j.SubjectName, &j.TopicName, &docIDs)
	if err != nil {
		return ContentJob{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return ContentJob{}, fmt.Errorf("parsing created_at for job %s: %w", j.ContentID, err)
	}
	if j.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return ContentJob{}, fmt.Errorf("parsing completed_at for job %s: %w", j.ContentID, err)
	}
	if ragJSON.Valid && ragJSON.String != "" {
		var rag RAGMetadata
		if err := json.Unmarshal([]byte(ragJSON.String), &rag); err != nil {
			return ContentJob{}, fmt.Errorf("parsing rag metadata for job %s: %w", j.ContentID, err)
		}
		j.RAG = &rag
	}
	j.DocIDs = unmarshalStrings(docIDs)
	return j, nil
}

func marshalRAG(rag *RAGMetadata) any {
	if rag == nil {
		return nil
	}
	b, err := json.Marshal(rag)
	if err != nil {
		return nil
	}
	return string(b)
}
