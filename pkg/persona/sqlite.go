package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const scoreSchema = `
CREATE TABLE IF NOT EXISTS persona_scores (
  persona_id TEXT PRIMARY KEY,
  usage_count INTEGER NOT NULL DEFAULT 0,
  cumulative_rating REAL NOT NULL DEFAULT 0,
  feedback_count INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  last_used_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS persona_feedback (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  persona_id TEXT NOT NULL,
  rating REAL NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_persona_feedback_persona ON persona_feedback(persona_id);
`

// SQLiteScoreStore persists scores and the raw feedback log in SQLite.
type SQLiteScoreStore struct {
	db *sql.DB
}

// NewSQLiteScoreStore opens (creating if needed) the database at path.
func NewSQLiteScoreStore(path string) (*SQLiteScoreStore, error) {
	if path == "" {
		return nil, fmt.Errorf("persona: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(scoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteScoreStore{db: db}, nil
}

const scoreColumns = `persona_id, usage_count, cumulative_rating, feedback_count, success_count, failure_count, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (Score, error) {
	var (
		s        Score
		lastUsed int64
	)
	if err := row.Scan(&s.PersonaID, &s.UsageCount, &s.CumulativeRating, &s.FeedbackCount,
		&s.SuccessCount, &s.FailureCount, &lastUsed); err != nil {
		return Score{}, err
	}
	if lastUsed > 0 {
		s.LastUsedAt = time.UnixMicro(lastUsed).UTC()
	}
	return s, nil
}

// Get implements ScoreStore.
func (s *SQLiteScoreStore) Get(ctx context.Context, personaID string) (Score, error) {
	score, err := scanScore(s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM persona_scores WHERE persona_id = ?`, personaID))
	if errors.Is(err, sql.ErrNoRows) {
		return Score{PersonaID: personaID}, nil
	}
	if err != nil {
		return Score{}, fmt.Errorf("persona: get score: %w", err)
	}
	return score, nil
}

// All implements ScoreStore.
func (s *SQLiteScoreStore) All(ctx context.Context) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scoreColumns+` FROM persona_scores ORDER BY persona_id`)
	if err != nil {
		return nil, fmt.Errorf("persona: list scores: %w", err)
	}
	defer rows.Close()

	var out []Score
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("persona: list scores: %w", err)
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

// IncrementUsage implements ScoreStore.
func (s *SQLiteScoreStore) IncrementUsage(ctx context.Context, personaID string, at time.Time) (Score, error) {
	return s.mutate(ctx, personaID,
		`INSERT INTO persona_scores (persona_id, usage_count, last_used_at) VALUES (?, 1, ?)
		 ON CONFLICT(persona_id) DO UPDATE SET usage_count = usage_count + 1, last_used_at = excluded.last_used_at`,
		personaID, at.UTC().UnixMicro())
}

// AddFeedback implements ScoreStore.
func (s *SQLiteScoreStore) AddFeedback(ctx context.Context, fb Feedback) (Score, error) {
	var out Score
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO persona_feedback (persona_id, rating, comment, created_at) VALUES (?, ?, ?, ?)`,
			fb.PersonaID, fb.Rating, fb.Comment, fb.CreatedAt.UTC().UnixMicro()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO persona_scores (persona_id, cumulative_rating, feedback_count) VALUES (?, ?, 1)
			 ON CONFLICT(persona_id) DO UPDATE SET
			   cumulative_rating = cumulative_rating + excluded.cumulative_rating,
			   feedback_count = feedback_count + 1`,
			fb.PersonaID, fb.Rating); err != nil {
			return err
		}
		var err error
		out, err = scanScore(tx.QueryRowContext(ctx,
			`SELECT `+scoreColumns+` FROM persona_scores WHERE persona_id = ?`, fb.PersonaID))
		return err
	})
	if err != nil {
		return Score{}, fmt.Errorf("persona: add feedback: %w", err)
	}
	return out, nil
}

// RecordOutcome implements ScoreStore.
func (s *SQLiteScoreStore) RecordOutcome(ctx context.Context, personaID string, success bool) (Score, error) {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	return s.mutate(ctx, personaID,
		`INSERT INTO persona_scores (persona_id, `+column+`) VALUES (?, 1)
		 ON CONFLICT(persona_id) DO UPDATE SET `+column+` = `+column+` + 1`,
		personaID)
}

// Feedback returns the feedback log of one persona, oldest first.
func (s *SQLiteScoreStore) Feedback(ctx context.Context, personaID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_id, rating, comment, created_at FROM persona_feedback WHERE persona_id = ? ORDER BY id`, personaID)
	if err != nil {
		return nil, fmt.Errorf("persona: list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			fb Feedback
			at int64
		)
		if err := rows.Scan(&fb.PersonaID, &fb.Rating, &fb.Comment, &at); err != nil {
			return nil, fmt.Errorf("persona: list feedback: %w", err)
		}
		fb.CreatedAt = time.UnixMicro(at).UTC()
		out = append(out, fb)
	}
	return out, rows.Err()
}

// Close implements ScoreStore.
func (s *SQLiteScoreStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteScoreStore) mutate(ctx context.Context, personaID, stmt string, args ...any) (Score, error) {
	var out Score
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
		var err error
		out, err = scanScore(tx.QueryRowContext(ctx,
			`SELECT `+scoreColumns+` FROM persona_scores WHERE persona_id = ?`, personaID))
		return err
	})
	if err != nil {
		return Score{}, fmt.Errorf("persona: update score: %w", err)
	}
	return out, nil
}

func (s *SQLiteScoreStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
