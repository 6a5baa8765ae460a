package outcome

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id                 TEXT PRIMARY KEY,
	event_id           TEXT NOT NULL,
	org_id             TEXT NOT NULL,
	rule_id            TEXT NOT NULL,
	contact_id         TEXT NOT NULL,
	matched_at         INTEGER NOT NULL,
	matched_leaf_paths TEXT NOT NULL DEFAULT '[]',
	status             TEXT NOT NULL,
	dispatched_action  TEXT NOT NULL DEFAULT '',
	dispatch_result    TEXT NOT NULL DEFAULT '',
	dispatch_error     TEXT NOT NULL DEFAULT '',
	ai_rationale       TEXT NOT NULL DEFAULT '',
	annotation_status  TEXT NOT NULL DEFAULT 'not_requested',
	live               BOOLEAN NOT NULL DEFAULT 1,
	created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_org_matched ON outcomes (org_id, matched_at DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_rule ON outcomes (rule_id, matched_at DESC);
`

// SQLiteStore keeps outcomes in an embedded SQLite file. Timestamps are
// stored as unix nanoseconds and matched paths as a JSON array.
type SQLiteStore struct {
	sqlStore
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// outcomes table exists. Use ":memory:" for a throwaway store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outcomes table: %w", err)
	}

	return &SQLiteStore{sqlStore{
		db:  db,
		now: time.Now,
		dialect: dialect{
			placeholder: func(int) string { return "?" },
			encodePaths: func(p []string) (any, error) {
				b, err := json.Marshal(p)
				return string(b), err
			},
			scanPaths:   func(p *[]string) any { return jsonStrings{p} },
			encodeTime:  func(t time.Time) any { return t.UnixNano() },
			scanTime:    func(t *time.Time) any { return unixNanos{t} },
			isDuplicate: func(err error) bool { return strings.Contains(err.Error(), "UNIQUE constraint failed") },
		},
	}}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type unixNanos struct{ t *time.Time }

func (u unixNanos) Scan(src any) error {
	n, ok := src.(int64)
	if !ok {
		return fmt.Errorf("unexpected timestamp type %T", src)
	}
	*u.t = time.Unix(0, n).UTC()
	return nil
}

type jsonStrings struct{ p *[]string }

func (j jsonStrings) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		*j.p = []string{}
		return nil
	default:
		return fmt.Errorf("unexpected paths type %T", src)
	}
	return json.Unmarshal(raw, j.p)
}
