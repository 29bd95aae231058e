// Package store persists received messages in SQLite so backlogs survive
// restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/protocol"
)

// ErrConsistency is returned when an update by message id touched more than
// one row.
var ErrConsistency = errors.New("message id matched more than one row")

// Store is the backlog table. All methods are safe for concurrent use but
// block on disk I/O; sessions go through a Worker instead.
type Store struct {
	db     *sql.DB
	dbPath string
	log    *logger.Logger
}

// Open opens or creates the database at dbPath. ":memory:" keeps everything
// in memory.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dbPath: dbPath, log: logger.For("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;

	CREATE TABLE IF NOT EXISTS messages (
		_id TEXT PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		subtype TEXT,
		target TEXT NOT NULL,
		ts INTEGER NOT NULL,
		json TEXT NOT NULL,
		user_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_target_ts ON messages(target, ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Upsert stores msg, replacing an existing row with the same id. isNew is
// true when a row was inserted.
func (s *Store) Upsert(ctx context.Context, msg protocol.MessageCommand) (isNew bool, err error) {
	if msg.ID == "" {
		return false, fmt.Errorf("upsert: message without id")
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET subtype = ?, target = ?, ts = ?, json = ?, user_id = ? WHERE id = ?`,
		nullable(msg.Subtype), msg.Target, msg.Timestamp, string(payload), msg.From.ID, msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	switch {
	case affected > 1:
		s.log.Error("update of message %s touched %d rows", msg.ID, affected)
		err = fmt.Errorf("%w: %s (%d rows)", ErrConsistency, msg.ID, affected)
		return false, err
	case affected == 0:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (_id, id, subtype, target, ts, json, user_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ID, nullable(msg.Subtype), msg.Target, msg.Timestamp, string(payload), msg.From.ID)
		if err != nil {
			return false, fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
		isNew = true
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message %s: %w", msg.ID, err)
	}
	return isNew, nil
}

// UpsertBacklog upserts every message. A failing element is logged and
// skipped; the first error is returned after all elements were tried.
func (s *Store) UpsertBacklog(ctx context.Context, messages []protocol.MessageCommand) (anyNew bool, err error) {
	for _, msg := range messages {
		isNew, upsertErr := s.Upsert(ctx, msg)
		if upsertErr != nil {
			s.log.Warn("skipping backlog message %s: %v", msg.ID, upsertErr)
			if err == nil {
				err = upsertErr
			}
			continue
		}
		anyNew = anyNew || isNew
	}
	return anyNew, err
}

// QueryByTarget returns every message of target in ascending timestamp order.
func (s *Store) QueryByTarget(ctx context.Context, target string) ([]protocol.MessageCommand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, json FROM messages WHERE target = ? ORDER BY ts ASC, rowid ASC`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.MessageCommand
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		cmd, err := protocol.Decode([]byte(payload))
		if err != nil {
			s.log.Warn("dropping undecodable stored message %s: %v", id, err)
			continue
		}
		msg, ok := cmd.(protocol.MessageCommand)
		if !ok {
			s.log.Warn("stored record %s is a %s, not a message", id, cmd.Type())
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// OldestTimestamp returns the smallest timestamp stored for target, or 0.
func (s *Store) OldestTimestamp(ctx context.Context, target string) (int64, error) {
	return s.scalar(ctx, `SELECT COALESCE(MIN(ts), 0) FROM messages WHERE target = ?`, target)
}

// NewestTimestamp returns the largest timestamp stored for target, or 0.
func (s *Store) NewestTimestamp(ctx context.Context, target string) (int64, error) {
	return s.scalar(ctx, `SELECT COALESCE(MAX(ts), 0) FROM messages WHERE target = ?`, target)
}

// Count returns the number of messages stored for target.
func (s *Store) Count(ctx context.Context, target string) (int64, error) {
	return s.scalar(ctx, `SELECT COUNT(*) FROM messages WHERE target = ?`, target)
}

func (s *Store) scalar(ctx context.Context, query string, args ...any) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to query: %w", err)
	}
	return v, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
