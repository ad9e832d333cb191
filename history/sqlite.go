package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/tapline/tapline/rhythm"
)

// timeLayout is RFC 3339 with a fixed-width fractional second. Timestamps
// are stored in UTC with this layout so the lexicographic ORDER BY over the
// text column is exactly chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore wraps SQLite access for drill history.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the SQLite database and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS drills (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			created_at TEXT NOT NULL,
			bpm INTEGER NOT NULL,
			beats_per_bar INTEGER NOT NULL,
			grid TEXT NOT NULL,
			label TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			on_time_pct REAL NOT NULL,
			mean_abs_ms REAL NOT NULL,
			std_dev_ms REAL NOT NULL,
			avg_offset_ms REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drills_created_at ON drills(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append stores a finalized drill record.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drills (id, mode, created_at, bpm, beats_per_bar, grid, label,
			event_count, on_time_pct, mean_abs_ms, std_dev_ms, avg_offset_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Mode),
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.BPM,
		rec.BeatsPerBar,
		string(rec.Resolution),
		rec.Label,
		rec.Stats.EventCount,
		rec.Stats.OnTimePct,
		rec.Stats.MeanAbsMs,
		rec.Stats.StdDevMs,
		rec.Stats.AvgOffsetMs,
	)
	return err
}

// List returns all stored records, most recent first.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, created_at, bpm, beats_per_bar, grid, label,
			event_count, on_time_pct, mean_abs_ms, std_dev_ms, avg_offset_ms
		 FROM drills
		 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var mode, grid, createdAt string
		if err := rows.Scan(&rec.ID, &mode, &createdAt, &rec.BPM, &rec.BeatsPerBar,
			&grid, &rec.Label,
			&rec.Stats.EventCount, &rec.Stats.OnTimePct, &rec.Stats.MeanAbsMs,
			&rec.Stats.StdDevMs, &rec.Stats.AvgOffsetMs); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, err
		}
		rec.Mode = rhythm.Mode(mode)
		rec.Resolution = rhythm.Resolution(grid)
		rec.CreatedAt = parsed
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
