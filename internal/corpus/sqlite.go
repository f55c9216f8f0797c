package corpus

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the dataset in a messages table, ordered by insertion.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		string TEXT NOT NULL DEFAULT '',
		attachment TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load() ([]Record, error) {
	rows, err := s.db.Query(`SELECT id, string, attachment FROM messages ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", ErrPersistenceRead, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Text, &r.Attachment); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", ErrPersistenceRead, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %v", ErrPersistenceRead, err)
	}
	return records, nil
}

func (s *SQLiteStore) Save(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("%w: clear messages: %v", ErrPersistenceWrite, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO messages (seq, id, string, attachment) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert: %v", ErrPersistenceWrite, err)
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.Exec(i, r.ID, r.Text, r.Attachment); err != nil {
			return fmt.Errorf("%w: insert %s: %v", ErrPersistenceWrite, r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistenceWrite, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
