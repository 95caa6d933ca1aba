package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NewTask inserts a fresh pending task for a work. The live-work unique
// index rejects the insert when a non-terminal task already exists; callers
// wanting idempotent enqueue use Queue.Enqueue instead.
func (s *Store) NewTask(ctx context.Context, workID, title, author, correlationID string) (*Task, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks (
            work_id, title, author, status, attempt,
            correlation_id, created_at, updated_at
        ) VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		workID,
		title,
		nullableString(author),
		StatusPending,
		nullableString(correlationID),
		timestamp,
		timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateWork
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a task by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// FindLiveByWork returns the non-terminal task for a work, if any.
func (s *Store) FindLiveByWork(ctx context.Context, workID string) (*Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE work_id = ? AND status NOT IN (?, ?)
         ORDER BY id LIMIT 1`,
		workID, StatusCompleted, StatusFailed,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live task: %w", err)
	}
	return task, nil
}

// Update persists changes to an existing task.
func (s *Store) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}

	selectedJSON, err := marshalCandidate(task.Selected)
	if err != nil {
		return err
	}
	alternatesJSON, err := marshalAlternates(task.Alternates)
	if err != nil {
		return err
	}

	task.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE tasks
         SET title = ?, author = ?, status = ?, attempt = ?,
             failure_code = ?, error_message = ?, paused = ?, cancelling = ?,
             selected_json = ?, alternates_json = ?, download_id = ?,
             correlation_id = ?, next_retry_at = ?, updated_at = ?, completed_at = ?
         WHERE id = ?`,
		task.Title,
		nullableString(task.Author),
		task.Status,
		task.Attempt,
		nullableString(string(task.FailureCode)),
		nullableString(task.ErrorMsg),
		boolToInt(task.Paused),
		boolToInt(task.Cancelling),
		nullableString(selectedJSON),
		nullableString(alternatesJSON),
		nullableString(task.DownloadID),
		nullableString(task.CorrelationID),
		nullableTime(task.NextRetryAt),
		task.UpdatedAt.Format(time.RFC3339Nano),
		nullableTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// List returns tasks filtered by status set, or all tasks with no filter.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + taskColumns + ` FROM tasks`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DueRetries returns retry-scheduled tasks whose backoff has elapsed.
func (s *Store) DueRetries(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
         ORDER BY next_retry_at, id`,
		StatusRetryScheduled,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ResetInterrupted rolls crash-interrupted discovery back to pending on
// startup. Tasks at queued_for_download or later are left alone; the
// download client still tracks their transfers.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
         SET status = ?, error_message = NULL, updated_at = ?
         WHERE status IN (?, ?)`,
		StatusPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		StatusSearching,
		StatusSelected,
	)
	if err != nil {
		return 0, fmt.Errorf("reset interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of tasks grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// HealthSummary aggregates task state for diagnostic output.
type HealthSummary struct {
	Total     int
	Pending   int
	InFlight  int
	Retrying  int
	Completed int
	Failed    int
}

// Health aggregates queue state for the status surface.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusRetryScheduled:
			health.Retrying += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		default:
			health.InFlight += count
		}
	}
	return health, nil
}

const taskColumns = "id, work_id, title, author, status, attempt, failure_code, error_message, paused, cancelling, selected_json, alternates_json, download_id, correlation_id, next_retry_at, created_at, updated_at, completed_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id            int64
		workID        string
		title         string
		author        sql.NullString
		statusStr     string
		attempt       int
		failureCode   sql.NullString
		errorMessage  sql.NullString
		paused        sql.NullInt64
		cancelling    sql.NullInt64
		selectedRaw   sql.NullString
		alternatesRaw sql.NullString
		downloadID    sql.NullString
		correlationID sql.NullString
		nextRetryRaw  sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
		completedRaw  sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&workID,
		&title,
		&author,
		&statusStr,
		&attempt,
		&failureCode,
		&errorMessage,
		&paused,
		&cancelling,
		&selectedRaw,
		&alternatesRaw,
		&downloadID,
		&correlationID,
		&nextRetryRaw,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	selected, err := unmarshalCandidate(selectedRaw.String)
	if err != nil {
		return nil, err
	}
	alternates, err := unmarshalAlternates(alternatesRaw.String)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:            id,
		WorkID:        workID,
		Title:         title,
		Author:        author.String,
		Status:        Status(statusStr),
		Attempt:       attempt,
		FailureCode:   FailureCode(failureCode.String),
		ErrorMsg:      errorMessage.String,
		Paused:        paused.Valid && paused.Int64 != 0,
		Cancelling:    cancelling.Valid && cancelling.Int64 != 0,
		Selected:      selected,
		Alternates:    alternates,
		DownloadID:    downloadID.String,
		CorrelationID: correlationID.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		task.UpdatedAt = updated
	}
	if nextRetryRaw.Valid {
		if next, err := parseTimeString(nextRetryRaw.String); err == nil {
			task.NextRetryAt = &next
		}
	}
	if completedRaw.Valid {
		if done, err := parseTimeString(completedRaw.String); err == nil {
			task.CompletedAt = &done
		}
	}
	return task, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
