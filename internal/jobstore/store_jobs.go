package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const jobColumns = "id, input_path, output_path, workflow_id, status, progress_percent, progress_message, remote_task_id, remote_status, work_dir, error_message, cancel_requested, created_at, updated_at, finished_at"

// Create inserts a pending job and returns it with a freshly minted id.
func (s *Store) Create(ctx context.Context, inputPath, outputPath, workflowID string) (*Job, error) {
	if inputPath == "" {
		return nil, errors.New("input path is required")
	}
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	now := time.Now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	timestamp := now.Format(timeLayout)

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (id, input_path, output_path, workflow_id, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		inputPath,
		nullableString(outputPath),
		workflowID,
		StatusPending,
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.Get(ctx, id)
}

// Get fetches a job by identifier. A missing job returns (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindByRemoteTask returns the most recent job bound to a remote task id.
func (s *Store) FindByRemoteTask(ctx context.Context, taskID string) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs WHERE remote_task_id = ? ORDER BY created_at DESC LIMIT 1`,
		taskID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by remote task: %w", err)
	}
	return job, nil
}

// List returns jobs filtered by status set (or all jobs when no status is
// provided), newest first, bounded by limit when positive.
func (s *Store) List(ctx context.Context, limit int, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateProgress records the current stage and progress of a running job.
func (s *Store) UpdateProgress(ctx context.Context, id string, status Status, percent float64, message string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, progress_percent = ?, progress_message = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status,
		percent,
		nullableString(message),
		time.Now().UTC().Format(timeLayout),
		id,
		StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return s.requireTouched(ctx, res, id)
}

// SetWorkDir records the per-job working directory.
func (s *Store) SetWorkDir(ctx context.Context, id, dir string) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET work_dir = ?, updated_at = ? WHERE id = ?`,
		nullableString(dir),
		time.Now().UTC().Format(timeLayout),
		id,
	); err != nil {
		return fmt.Errorf("set work dir: %w", err)
	}
	return nil
}

// SetRemoteTask binds the remote task id and the last observed remote status.
func (s *Store) SetRemoteTask(ctx context.Context, id, taskID, remoteStatus string) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET remote_task_id = COALESCE(?, remote_task_id), remote_status = ?, updated_at = ? WHERE id = ?`,
		nullableString(taskID),
		nullableString(remoteStatus),
		time.Now().UTC().Format(timeLayout),
		id,
	); err != nil {
		return fmt.Errorf("set remote task: %w", err)
	}
	return nil
}

// Finish moves a job to a terminal status. Finishing an already finished job
// is a no-op so the first terminal status wins.
func (s *Store) Finish(ctx context.Context, id string, status Status, errMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish job: %s is not a terminal status", status)
	}
	now := time.Now().UTC().Format(timeLayout)
	percent := 0.0
	if status == StatusCompleted {
		percent = 100
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_message = ?, progress_percent = MAX(progress_percent, ?),
             updated_at = ?, finished_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status,
		nullableString(errMessage),
		percent,
		now,
		now,
		id,
		StatusCompleted, StatusFailed, StatusCancelled,
	); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// RequestCancel raises the cancel flag on a running job. The owning process
// observes the flag and performs the cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("%w: %s is %s", ErrFinished, id, job.Status)
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout),
		id,
	); err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	job.CancelRequested = true
	return job, nil
}

// CancelRequested reports whether another process asked for the job to stop.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// Prune removes finished jobs older than the cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StatusCompleted, StatusFailed, StatusCancelled,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) requireTouched(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s is %s", ErrFinished, id, job.Status)
}
