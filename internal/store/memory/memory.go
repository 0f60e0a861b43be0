// Package memory is an in-process Backend for tests and single-device use.
// Documents are stored as JSON so callers never share memory with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dayroutine/internal/model"
	"dayroutine/internal/store"
)

type Backend struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	closed bool
}

func New() *Backend {
	return &Backend{docs: make(map[string][]byte)}
}

// NewStore returns a notifying DocumentStore backed by a fresh memory Backend.
func NewStore() *store.Hub {
	return store.NewHub(New())
}

func (b *Backend) Load(ctx context.Context, key store.Key) (*model.ScheduleDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, store.ErrClosed
	}

	data, ok := b.docs[key.Path()]
	if !ok {
		return nil, store.ErrNotFound
	}

	var doc model.ScheduleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

func (b *Backend) Save(ctx context.Context, key store.Key, doc *model.ScheduleDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return store.ErrClosed
	}
	b.docs[key.Path()] = data
	return nil
}

// Len reports the number of stored documents.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
