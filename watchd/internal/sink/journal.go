package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domobs/mutation"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS change_batches (
	id           TEXT PRIMARY KEY,
	target_id    TEXT NOT NULL,
	page_url     TEXT NOT NULL DEFAULT '',
	event        TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	record_count INTEGER NOT NULL,
	records      TEXT NOT NULL,
	html_hash    TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_batches_target ON change_batches(target_id, seq);
`

var journalPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

const busyRetries = 3

// Journal appends every batch to an SQLite table, so a restarted consumer
// can replay what it missed.
type Journal struct {
	db    *sql.DB
	owned bool
}

// OpenJournal opens (creating if needed) the SQLite database at path.
// ":memory:" gives a private in-memory journal.
func OpenJournal(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	for _, p := range journalPragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", p, err)
		}
	}
	j, err := NewJournal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// NewJournal uses an already open database. Close leaves db open.
func NewJournal(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(journalSchema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Send(ctx context.Context, batch mutation.Batch) error {
	records, err := json.Marshal(batch.Records)
	if err != nil {
		return fmt.Errorf("journal: marshal records: %w", err)
	}
	ts := batch.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return execRetry(ctx, j.db, `
		INSERT INTO change_batches (id, target_id, page_url, event, seq, record_count, records, html_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.TargetID, batch.PageURL, batch.Event, int64(batch.Seq),
		len(batch.Records), string(records), batch.HTMLHash, ts)
}

// Recent returns up to limit batches of target, newest first.
func (j *Journal) Recent(ctx context.Context, targetID string, limit int) ([]mutation.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, target_id, page_url, event, seq, records, html_hash, created_at
		FROM change_batches WHERE target_id = ?
		ORDER BY seq DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []mutation.Batch
	for rows.Next() {
		var (
			b       mutation.Batch
			seq     int64
			records string
		)
		if err := rows.Scan(&b.ID, &b.TargetID, &b.PageURL, &b.Event, &seq, &records, &b.HTMLHash, &b.Timestamp); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		b.Seq = uint64(seq)
		if err := json.Unmarshal([]byte(records), &b.Records); err != nil {
			return nil, fmt.Errorf("journal: decode records of %s: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// LastSeq returns the highest sequence number stored for target, 0 if none.
func (j *Journal) LastSeq(ctx context.Context, targetID string) (uint64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM change_batches WHERE target_id = ?`, targetID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("journal: last seq: %w", err)
	}
	return uint64(seq.Int64), nil
}

func (j *Journal) Close() error {
	if !j.owned {
		return nil
	}
	return j.db.Close()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// execRetry retries on SQLITE_BUSY with 100/200ms backoff.
func execRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	for i := range busyRetries {
		_, err := db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == busyRetries-1 {
			return fmt.Errorf("journal: insert: %w", err)
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
