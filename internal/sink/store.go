package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vizcomplete/ttvc/dbopen"

	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS results (
	id               TEXT PRIMARY KEY,
	page_id          TEXT NOT NULL,
	page_url         TEXT NOT NULL,
	kind             TEXT NOT NULL,
	start_ms         REAL NOT NULL,
	end_ms           REAL NOT NULL,
	duration_ms      REAL NOT NULL,
	navigation_type  TEXT NOT NULL DEFAULT '',
	network_timed_out INTEGER NOT NULL DEFAULT 0,
	reason           TEXT NOT NULL DEFAULT '',
	event            TEXT NOT NULL DEFAULT '',
	at               TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_page_at ON results(page_id, at);
`

// Store persists results to SQLite. It doubles as the query backend for
// the HTTP results endpoint.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the results database at path.
func OpenStore(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(storeSchema))
	if err != nil {
		return nil, fmt.Errorf("sink: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already opened database, applying the schema.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(storeSchema); err != nil {
		return nil, fmt.Errorf("sink: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Send(ctx context.Context, r Result) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO results
			(id, page_id, page_url, kind, start_ms, end_ms, duration_ms,
			 navigation_type, network_timed_out, reason, event, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PageID, r.PageURL, string(r.Kind),
		r.StartMs, r.EndMs, r.DurationMs,
		r.NavigationType, boolInt(r.NetworkTimedOut), r.Reason, r.Event,
		r.At.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sink: insert result: %w", err)
	}
	return nil
}

// Query returns results, most recent first. pageID filters when non-empty;
// limit <= 0 means 100.
func (s *Store) Query(ctx context.Context, pageID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, page_id, page_url, kind, start_ms, end_ms, duration_ms,
	             navigation_type, network_timed_out, reason, event, at
	      FROM results`
	args := []any{}
	if pageID != "" {
		q += ` WHERE page_id = ?`
		args = append(args, pageID)
	}
	q += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sink: query results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var kind, at string
		var timedOut int
		if err := rows.Scan(&r.ID, &r.PageID, &r.PageURL, &kind,
			&r.StartMs, &r.EndMs, &r.DurationMs,
			&r.NavigationType, &timedOut, &r.Reason, &r.Event, &at); err != nil {
			return nil, fmt.Errorf("sink: scan result: %w", err)
		}
		r.Kind = Kind(kind)
		r.NetworkTimedOut = timedOut != 0
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			r.At = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
