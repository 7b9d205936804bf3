package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ---------------------------------------------------------------------------
// Audit journal — append-only SQLite log of everything the bridge did
// ---------------------------------------------------------------------------

// AuditEntry is one journal row: a command decision, a relayed event, a
// watermark movement, or a lifecycle transition.
type AuditEntry struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	Kind    string    `json:"kind"`   // event type, e.g. "command.denied"
	Source  string    `json:"source"` // emitting component, e.g. "router"
	Actor   string    `json:"actor,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Detail  string    `json:"detail,omitempty"` // JSON payload
}

// AuditStore is the SQLite-backed journal.
type AuditStore struct {
	db   *sql.DB
	path string
}

// NewAuditStore opens (creating if needed) the journal at path.
func NewAuditStore(path string) (*AuditStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	s := &AuditStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return s, nil
}

func (s *AuditStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		actor TEXT DEFAULT '',
		subject TEXT DEFAULT '',
		detail TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes one journal row.
func (s *AuditStore) Append(e AuditEntry) error {
	ts := e.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (ts, kind, source, actor, subject, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), e.Kind, e.Source, e.Actor, e.Subject, e.Detail,
	)
	return err
}

// Recent returns the newest entries, newest first. kindPrefix narrows by
// event type prefix ("command." matches every command outcome); empty
// matches all.
func (s *AuditStore) Recent(limit int, kindPrefix string) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, ts, kind, source, actor, subject, detail FROM audit_log"
	args := []interface{}{}
	if kindPrefix != "" {
		query += ` WHERE kind LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(kindPrefix)+"%")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Source, &e.Actor, &e.Subject, &e.Detail); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSince returns journal rows with the given kind prefix newer than t.
// The digest uses this for its per-window summary line.
func (s *AuditStore) CountSince(t time.Time, kindPrefix string) (int, error) {
	query := "SELECT COUNT(*) FROM audit_log WHERE ts >= ?"
	args := []interface{}{t.UTC().Format(time.RFC3339Nano)}
	if kindPrefix != "" {
		query += ` AND kind LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(kindPrefix)+"%")
	}
	var n int
	err := s.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

// Health pings the underlying database.
func (s *AuditStore) Health() error {
	if s.db == nil {
		return fmt.Errorf("audit database not initialized")
	}
	return s.db.Ping()
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
