// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	model TEXT NOT NULL,
	base_url TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	category TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(ts);
CREATE INDEX IF NOT EXISTS idx_usage_category ON usage_records(category);
`

// =============================================================================
// STORAGE
// =============================================================================

// Storage is the append-only usage record database.
type Storage struct {
	db *sql.DB
}

// OpenStorage opens (creating if needed) the usage database at path.
func OpenStorage(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	// SQLite allows one writer; keep the pool at a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Insert appends one usage record.
func (s *Storage) Insert(ctx context.Context, rec chat.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(ts, model, base_url, prompt_tokens, completion_tokens, total_tokens, cost, category, project)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Model, rec.BaseURL,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.Cost, rec.Category, rec.Project,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// CategorySummary aggregates usage for one category.
type CategorySummary struct {
	Category    string
	Requests    int
	TotalTokens int
	Cost        float64
}

// ByCategory summarizes usage per category since the given time.
func (s *Storage) ByCategory(ctx context.Context, since time.Time) ([]CategorySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE ts >= ?
		GROUP BY category
		ORDER BY SUM(cost) DESC`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query category summary: %w", err)
	}
	defer rows.Close()

	var out []CategorySummary
	for rows.Next() {
		var c CategorySummary
		if err := rows.Scan(&c.Category, &c.Requests, &c.TotalTokens, &c.Cost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DailySummary aggregates usage for one calendar day (UTC).
type DailySummary struct {
	Day      string
	Requests int
	Cost     float64
}

// ByDay summarizes usage per day over the trailing window.
func (s *Storage) ByDay(ctx context.Context, days int) ([]DailySummary, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(ts, 'unixepoch') AS day, COUNT(*), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE ts >= ?
		GROUP BY day
		ORDER BY day`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query daily summary: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var d DailySummary
		if err := rows.Scan(&d.Day, &d.Requests, &d.Cost); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Total returns lifetime request count and cost.
func (s *Storage) Total(ctx context.Context) (int, float64, error) {
	var requests int
	var cost float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(cost), 0) FROM usage_records`,
	).Scan(&requests, &cost)
	if err != nil {
		return 0, 0, fmt.Errorf("query total: %w", err)
	}
	return requests, cost, nil
}
