package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteConversationsSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS conversations_updated_at ON conversations (updated_at_ms DESC);
`

// SQLiteStore persists conversations in a local SQLite database, one JSON payload
// per row. Title and message count are duplicated into columns so listing does
// not decode payloads.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite conversation store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite conversation store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteConversationsSchemaV1); err != nil {
		return errors.Wrap(err, "could not migrate conversation store")
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, persistenceError("load", id, err)
	}

	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM conversations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistenceError("load", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistenceError("load", id, err)
	}

	c := &conversation.Conversation{}
	if err := json.Unmarshal([]byte(payload), c); err != nil {
		return nil, persistenceError("load", id, errors.Wrap(err, "corrupt conversation payload"))
	}
	c.ID = id
	return c, nil
}

func (s *SQLiteStore) Save(ctx context.Context, c *conversation.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return "", persistenceError("save", c.ID, err)
	}

	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", persistenceError("save", stored.ID, err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO conversations (id, title, message_count, payload_json, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, message_count = excluded.message_count,
    payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		stored.ID,
		stored.Title,
		len(stored.Messages),
		string(payload),
		stored.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", persistenceError("save", stored.ID, err)
	}
	return stored.ID, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]conversation.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, persistenceError("list", "", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, title, message_count, updated_at_ms FROM conversations ORDER BY updated_at_ms DESC, id ASC`)
	if err != nil {
		return nil, persistenceError("list", "", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []conversation.Summary{}
	for rows.Next() {
		var sum conversation.Summary
		var updatedMs int64
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &updatedMs); err != nil {
			return nil, persistenceError("list", "", err)
		}
		sum.UpdatedAt = time.UnixMilli(updatedMs)
		ret = append(ret, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("list", "", err)
	}
	return ret, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return persistenceError("delete", id, err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return persistenceError("delete", id, err)
	}
	return persistenceError("delete", id, requireAffected(res))
}

// Rename rewrites the payload as well as the title column, so a later Load sees
// the new title.
func (s *SQLiteStore) Rename(ctx context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return persistenceError("rename", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("rename", id, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload_json FROM conversations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return persistenceError("rename", id, ErrNotFound)
	}
	if err != nil {
		return persistenceError("rename", id, err)
	}

	c := &conversation.Conversation{}
	if err := json.Unmarshal([]byte(payload), c); err != nil {
		return persistenceError("rename", id, errors.Wrap(err, "corrupt conversation payload"))
	}
	c.Title = title
	c.UpdatedAt = time.Now()
	data, err := json.Marshal(c)
	if err != nil {
		return persistenceError("rename", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET title = ?, payload_json = ?, updated_at_ms = ? WHERE id = ?`,
		title, string(data), c.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return persistenceError("rename", id, err)
	}
	return persistenceError("rename", id, tx.Commit())
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("sqlite conversation store closed")
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
