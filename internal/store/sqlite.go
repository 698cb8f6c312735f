// Package store persists fills to SQLite for post-session analysis.
// Pure-Go driver, no CGo, single writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hftlab/rotor/internal/exec"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT     NOT NULL,
    trace_id TEXT     NOT NULL,
    side     TEXT     NOT NULL,
    price    REAL     NOT NULL,
    size     REAL     NOT NULL,
    filled_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_trace ON fills(trace_id);
CREATE INDEX IF NOT EXISTS idx_fills_at    ON fills(filled_at DESC);
`

const retention = 30 * 24 * time.Hour

// FillRow is one persisted fill.
type FillRow struct {
	OrderID  string
	TraceID  string
	Side     string
	Price    float64
	Size     float64
	FilledAt time.Time
}

type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the database at path, applies the schema and
// prunes rows past retention.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}
	s := &SQLite{db: db}
	s.prune(context.Background())
	return s, nil
}

// RecordFill appends one fill. Called from the pipeline goroutine on
// every entry and exit fill.
func (s *SQLite) RecordFill(f exec.Fill, traceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO fills (order_id, trace_id, side, price, size, filled_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.OrderID, traceID, string(f.Side), f.Price, f.Size, f.T.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store.RecordFill: insert: %w", err)
	}
	return nil
}

// FillsSince returns fills at or after the cutoff, oldest first.
func (s *SQLite) FillsSince(ctx context.Context, from time.Time) ([]FillRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, trace_id, side, price, size, filled_at
		FROM fills
		WHERE filled_at >= ?
		ORDER BY filled_at ASC
	`, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("store.FillsSince: query: %w", err)
	}
	defer rows.Close()

	var out []FillRow
	for rows.Next() {
		var r FillRow
		var at string
		if err := rows.Scan(&r.OrderID, &r.TraceID, &r.Side, &r.Price, &r.Size, &at); err != nil {
			return nil, fmt.Errorf("store.FillsSince: scan: %w", err)
		}
		r.FilledAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retention)
	s.db.ExecContext(ctx, `DELETE FROM fills WHERE filled_at < ?`, cutoff)
}
