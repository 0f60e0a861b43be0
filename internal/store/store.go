// Package store defines the document store contract used by the schedule
// engine and a notifying Hub that adds per-key change subscriptions on top of
// a plain Backend (memory, sqlite, postgres).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dayroutine/internal/model"
)

// DailySchedules is the collection holding per-date schedule documents.
const DailySchedules = "dailySchedules"

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store is closed")
)

// Key addresses one schedule document.
type Key struct {
	Namespace  string
	Subject    string
	Collection string
	Date       string
}

// NewKey builds the key of a subject's schedule for a calendar date.
func NewKey(namespace, subject, date string) Key {
	return Key{
		Namespace:  namespace,
		Subject:    subject,
		Collection: DailySchedules,
		Date:       date,
	}
}

// Path renders the key as artifacts/<ns>/users/<subject>/<collection>/<date>.
func (k Key) Path() string {
	return "artifacts/" + k.Namespace + "/users/" + k.Subject + "/" + k.Collection + "/" + k.Date
}

func (k Key) String() string {
	return k.Path()
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ParsePath is the inverse of Key.Path.
func ParsePath(p string) (Key, error) {
	parts := strings.Split(p, "/")
	if len(parts) != 6 || parts[0] != "artifacts" || parts[2] != "users" {
		return Key{}, fmt.Errorf("malformed document path %q", p)
	}
	for _, part := range parts {
		if part == "" {
			return Key{}, fmt.Errorf("malformed document path %q", p)
		}
	}
	return Key{
		Namespace:  parts[1],
		Subject:    parts[3],
		Collection: parts[4],
		Date:       parts[5],
	}, nil
}

// SnapshotFunc receives the current document for a key, or nil when no
// document exists.
type SnapshotFunc func(doc *model.ScheduleDocument)

// ErrorFunc receives a subscription failure. No further snapshots follow.
type ErrorFunc func(err error)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// DocumentStore is a key-value document service with change subscriptions.
type DocumentStore interface {
	// Subscribe delivers the current value of key followed by every later
	// change, in order, until the returned Unsubscribe is called or ctx ends.
	// It does not block on the initial read.
	Subscribe(ctx context.Context, key Key, onSnapshot SnapshotFunc, onError ErrorFunc) Unsubscribe

	// Get returns the document for key or ErrNotFound.
	Get(ctx context.Context, key Key) (*model.ScheduleDocument, error)

	// Put overwrites the whole document for key. Once it succeeds,
	// subscribers of key receive the written document like any other
	// change.
	Put(ctx context.Context, key Key, doc *model.ScheduleDocument) error

	Close() error
}

// Backend is durable storage without change notification.
type Backend interface {
	Load(ctx context.Context, key Key) (*model.ScheduleDocument, error)
	Save(ctx context.Context, key Key, doc *model.ScheduleDocument) error
	Close() error
}

// ChangeFeed is implemented by backends that can observe writes made by
// other processes. Watch blocks until ctx ends, calling changed for every
// key written elsewhere.
type ChangeFeed interface {
	Watch(ctx context.Context, changed func(Key)) error
}
