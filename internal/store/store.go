// Package store persists canonical messages in sqlite. All writes flow
// through a single goroutine; sqlite tolerates concurrent reads under WAL
// but contended writers stall each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"schoolchat/pkg/types"
)

// ErrMessageNotFound is returned when a message id is unknown or the
// message has been tombstoned.
var ErrMessageNotFound = errors.New("message not found")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	room        TEXT NOT NULL,
	author_id   TEXT NOT NULL,
	author_name TEXT NOT NULL,
	author_role TEXT NOT NULL,
	content     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	pinned      INTEGER NOT NULL DEFAULT 0,
	deleted_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room, created_at);
`

const pragmas = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

// writeRetryDelay is how long a failed write waits before its single retry.
const writeRetryDelay = 5 * time.Second

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// Store is the message persistence layer.
type Store struct {
	db       *sql.DB
	writes   chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
	log      zerolog.Logger
}

// Open creates the database file (and parent directory) if needed and
// starts the writer goroutine.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:       db,
		writes:   make(chan writeOp, 100),
		shutdown: make(chan struct{}),
		log:      logger.With().Str("component", "store").Logger(),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			err := op.fn(s.db)
			if err != nil && retryable(err) {
				s.log.Warn().Err(err).Dur("retry_in", writeRetryDelay).Msg("write failed, retrying once")
				time.Sleep(writeRetryDelay)
				err = op.fn(s.db)
				if err != nil {
					s.log.Error().Err(err).Msg("write failed after retry")
				}
			}
			op.result <- err
		case <-s.shutdown:
			return
		}
	}
}

// retryable reports whether a failed write might succeed on a second
// attempt. Unknown-row and constraint failures are deterministic; only
// lock contention is worth stalling the writer for.
func retryable(err error) bool {
	if errors.Is(err, ErrMessageNotFound) {
		return false
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return true
}

func (s *Store) executeWrite(fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writes <- writeOp{fn: fn, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return errors.New("write operation timeout")
	case <-s.shutdown:
		return errors.New("store is shutting down")
	}
}

// Save persists a canonical message.
func (s *Store) Save(ctx context.Context, msg *types.Message) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room, author_id, author_name, author_role, content, kind, created_at, pinned)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.Room, msg.AuthorID, msg.AuthorName, string(msg.AuthorRole),
			msg.Content, string(msg.Kind), msg.CreatedAt, boolToInt(msg.Pinned),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// Get returns a live (non-tombstoned) message by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room, author_id, author_name, author_role, content, kind, created_at, pinned
		FROM messages
		WHERE id = ? AND deleted_at IS NULL`, id)
	return scanMessage(row)
}

// SetPinned flips the pin flag on a live message.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE messages SET pinned = ? WHERE id = ? AND deleted_at IS NULL`,
			boolToInt(pinned), id)
		if err != nil {
			return fmt.Errorf("failed to update pin state: %w", err)
		}
		return requireRow(res)
	})
}

// MarkDeleted tombstones a message. The row survives for audit; history
// and Get never return it again.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
			time.Now(), id)
		if err != nil {
			return fmt.Errorf("failed to tombstone message: %w", err)
		}
		return requireRow(res)
	})
}

// History returns up to limit live messages for a room in ascending
// creation order. A non-empty beforeID pages backwards from that message.
func (s *Store) History(ctx context.Context, room string, limit int, beforeID string) ([]*types.Message, error) {
	query := `
		SELECT id, room, author_id, author_name, author_role, content, kind, created_at, pinned
		FROM messages
		WHERE room = ? AND deleted_at IS NULL`
	args := []any{room}

	if beforeID != "" {
		query += ` AND created_at < (SELECT created_at FROM messages WHERE id = ?)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var newest []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		newest = append(newest, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}

	// Query walks newest-first for the LIMIT; callers want oldest-first.
	messages := make([]*types.Message, len(newest))
	for i, msg := range newest {
		messages[len(newest)-1-i] = msg
	}
	return messages, nil
}

// Close stops the writer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	var role, kind string
	var pinned int
	err := row.Scan(&msg.ID, &msg.Room, &msg.AuthorID, &msg.AuthorName, &role,
		&msg.Content, &kind, &msg.CreatedAt, &pinned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.AuthorRole = types.Role(role)
	msg.Kind = types.MessageKind(kind)
	msg.Pinned = pinned != 0
	return &msg, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
