package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Run states recorded in history.
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunRecord is one finished task: the prompt that started it and how it
// ended.
type RunRecord struct {
	ID           string
	ChatID       int64
	Prompt       string
	Output       string
	Status       string
	SessionToken string
	WorkingDir   string
	NumTurns     int
	DurationMS   int64
	CostUSD      float64
	SubmittedAt  time.Time
	CompletedAt  time.Time
}

// RunStore reads and writes run history.
type RunStore struct {
	db *DB
}

// NewRunStore creates a run store over db.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Insert records a finished run.
func (s *RunStore) Insert(rec *RunRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, chat_id, prompt, output, status, session_token,
			working_dir, num_turns, duration_ms, cost_usd, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChatID, rec.Prompt, rec.Output, rec.Status,
		rec.SessionToken, rec.WorkingDir, rec.NumTurns, rec.DurationMS,
		rec.CostUSD, rec.SubmittedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Recent returns the most recently submitted runs, newest first.
func (s *RunStore) Recent(limit int) ([]*RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, prompt, output, status, session_token,
			working_dir, num_turns, duration_ms, cost_usd, submitted_at, completed_at
		FROM runs ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Prompt, &rec.Output,
			&rec.Status, &rec.SessionToken, &rec.WorkingDir, &rec.NumTurns,
			&rec.DurationMS, &rec.CostUSD, &rec.SubmittedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if completed.Valid {
			rec.CompletedAt = completed.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of recorded runs.
func (s *RunStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}
