package sqllog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS packets (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		command INTEGER NOT NULL,
		payload BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_packets_session ON packets(session_id);
	CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp);
`

// SQLiteSink stores each entry as a row for later querying.
type SQLiteSink struct {
	path string
	db   *sql.DB
	stmt *sql.Stmt
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	// one writer goroutine; a single connection avoids SQLITE_BUSY between pooled conns
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	stmt, err := db.Prepare(`INSERT INTO packets (
		id, session_id, timestamp, sequence, command, payload
	) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{path: path, db: db, stmt: stmt}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// DB exposes the handle for read-side queries.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

func (s *SQLiteSink) Write(e Entry) error {
	_, err := s.stmt.Exec(
		uuid.NewString(),
		e.SessionID,
		e.Time.UTC().Format(time.RFC3339Nano),
		int(e.Header.Sequence),
		int(e.Header.Command),
		e.Payload,
	)
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	if s.stmt != nil {
		_ = s.stmt.Close()
	}
	return s.db.Close()
}
