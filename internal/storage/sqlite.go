package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/yuno/internal/memory"
)

const (
	bufferActive     = "active"
	bufferCompressed = "compressed"
)

// SQLite keeps one row per entry in user_memory, tagged with the buffer
// it belongs to and its position there.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, goerr.Wrap(err, "create db dir", goerr.V("path", dbPath))
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", dbPath))
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
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

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return goerr.Wrap(err, "sqlite pragma", goerr.V("pragma", p))
		}
	}
	return nil
}

func (s *SQLite) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_memory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			buffer TEXT NOT NULL DEFAULT 'active',
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_memory_user ON user_memory(user_id, buffer, position)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return goerr.Wrap(err, "init schema")
		}
	}
	return nil
}

func (s *SQLite) Name() string { return BackendSQLite }

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context, userID string) (memory.Snapshot, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT buffer, role, content FROM user_memory
		WHERE user_id = ?
		ORDER BY buffer, position
	`, userID)
	if err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "load user memory", goerr.V("user_id", userID))
	}
	defer rows.Close()

	var snap memory.Snapshot
	found := false
	for rows.Next() {
		var buffer, role, content string
		if err := rows.Scan(&buffer, &role, &content); err != nil {
			return memory.Snapshot{}, false, goerr.Wrap(err, "scan user memory", goerr.V("user_id", userID))
		}
		found = true
		e := memory.Entry{Role: memory.Role(role), Content: content}
		if buffer == bufferCompressed {
			snap.Compressed = append(snap.Compressed, e)
		} else {
			snap.Active = append(snap.Active, e)
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, false, goerr.Wrap(err, "iterate user memory", goerr.V("user_id", userID))
	}
	return snap, found, nil
}

// Save replaces the user's rows with snap in one transaction.
func (s *SQLite) Save(ctx context.Context, userID string, snap memory.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin save", goerr.V("user_id", userID))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_memory WHERE user_id = ?`, userID); err != nil {
		return goerr.Wrap(err, "clear user memory", goerr.V("user_id", userID))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO user_memory (user_id, buffer, position, role, content)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return goerr.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	write := func(buffer string, entries []memory.Entry) error {
		for i, e := range entries {
			if _, err := stmt.ExecContext(ctx, userID, buffer, i, string(e.Role), e.Content); err != nil {
				return goerr.Wrap(err, "insert user memory",
					goerr.V("user_id", userID), goerr.V("buffer", buffer))
			}
		}
		return nil
	}
	if err := write(bufferActive, snap.Active); err != nil {
		return err
	}
	if err := write(bufferCompressed, snap.Compressed); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit save", goerr.V("user_id", userID))
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_memory WHERE user_id = ?`, userID); err != nil {
		return goerr.Wrap(err, "delete user memory", goerr.V("user_id", userID))
	}
	return nil
}
