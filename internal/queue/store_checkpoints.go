package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookfetch/internal/release"
)

// Checkpoint records discovery progress for one task so an interrupted
// multi-page search resumes at the page boundary instead of restarting.
type Checkpoint struct {
	TaskID       int64
	Source       release.Source
	NextPage     int
	PageFailures int
	Candidates   []release.Candidate
	UpdatedAt    time.Time
}

// SaveCheckpoint upserts the discovery checkpoint for a task.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	var candidatesJSON any
	if len(cp.Candidates) > 0 {
		raw, err := json.Marshal(cp.Candidates)
		if err != nil {
			return fmt.Errorf("marshal checkpoint candidates: %w", err)
		}
		candidatesJSON = string(raw)
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO discovery_checkpoints (task_id, source, next_page, page_failures, candidates_json, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (task_id) DO UPDATE SET
             source = excluded.source,
             next_page = excluded.next_page,
             page_failures = excluded.page_failures,
             candidates_json = excluded.candidates_json,
             updated_at = excluded.updated_at`,
		cp.TaskID,
		string(cp.Source),
		cp.NextPage,
		cp.PageFailures,
		candidatesJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint fetches the checkpoint for a task; nil when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, taskID int64) (*Checkpoint, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT task_id, source, next_page, page_failures, candidates_json, updated_at
         FROM discovery_checkpoints WHERE task_id = ?`,
		taskID,
	)

	var (
		cp            Checkpoint
		source        string
		candidatesRaw sql.NullString
		updatedRaw    string
	)
	err := row.Scan(&cp.TaskID, &source, &cp.NextPage, &cp.PageFailures, &candidatesRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	cp.Source = release.Source(source)
	if candidatesRaw.Valid && candidatesRaw.String != "" {
		if err := json.Unmarshal([]byte(candidatesRaw.String), &cp.Candidates); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint candidates: %w", err)
		}
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		cp.UpdatedAt = updated
	}
	return &cp, nil
}

// ClearCheckpoint removes discovery progress once a task selects a release.
func (s *Store) ClearCheckpoint(ctx context.Context, taskID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM discovery_checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
