// Package sqlite stores schedule documents in a local SQLite database, one
// JSON blob per document path.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"dayroutine/internal/model"
	"dayroutine/internal/store"
)

const createTable = `CREATE TABLE IF NOT EXISTS schedule_documents (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

type Backend struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at dbPath.
func Open(ctx context.Context, dbPath string) (*Backend, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is empty")
	}

	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps writes serialized and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &Backend{db: db}, nil
}

// OpenStore opens the database and wraps it in a notifying store.
func OpenStore(ctx context.Context, dbPath string) (*store.Hub, error) {
	b, err := Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return store.NewHub(b), nil
}

func buildConnectionString(dbPath string) string {
	params := "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	if runtime.GOOS == "darwin" {
		params += "&_fullfsync=1"
	}
	return "file:" + dbPath + params
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) Load(ctx context.Context, key store.Key) (*model.ScheduleDocument, error) {
	if b.isClosed() {
		return nil, store.ErrClosed
	}

	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM schedule_documents WHERE id = ?`, key.Path()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var doc model.ScheduleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

func (b *Backend) Save(ctx context.Context, key store.Key, doc *model.ScheduleDocument) error {
	if b.isClosed() {
		return store.ErrClosed
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `INSERT INTO schedule_documents (id, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key.Path(), data)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("store already closed")
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
