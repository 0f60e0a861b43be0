package store

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	appLog "dayroutine/internal/log"
	"dayroutine/internal/model"
)

// Hub turns a Backend into a DocumentStore. Writes and initial reads for the
// same key are serialized so every subscriber observes one ordered history
// per key within this process.
type Hub struct {
	backend Backend
	log     *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	nextID uint64
	subs   map[Key]map[uint64]*subscriber
	locks  map[Key]*keyLock

	stopFeed context.CancelFunc
	feedDone chan struct{}
}

// NewHub wraps backend. If the backend implements ChangeFeed, remote changes
// are reloaded and fanned out to local subscribers.
func NewHub(backend Backend) *Hub {
	h := &Hub{
		backend: backend,
		log:     appLog.For("store"),
		subs:    make(map[Key]map[uint64]*subscriber),
		locks:   make(map[Key]*keyLock),
	}

	if feed, ok := backend.(ChangeFeed); ok {
		ctx, cancel := context.WithCancel(context.Background())
		h.stopFeed = cancel
		h.feedDone = make(chan struct{})
		go func() {
			defer close(h.feedDone)
			if err := feed.Watch(ctx, h.refresh); err != nil && !errors.Is(err, context.Canceled) {
				h.log.Errorw("change feed stopped", "err", err)
			}
		}()
	}

	return h
}

// keyLock serializes reads-before-register and writes for one key. Entries
// are reference counted and dropped once nobody holds or waits on them.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey blocks until the caller owns key and returns the matching unlock.
func (h *Hub) lockKey(key Key) (unlock func()) {
	h.mu.Lock()
	l, ok := h.locks[key]
	if !ok {
		l = &keyLock{}
		h.locks[key] = l
	}
	l.refs++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, key)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Subscribe implements DocumentStore.
func (h *Hub) Subscribe(ctx context.Context, key Key, onSnapshot SnapshotFunc, onError ErrorFunc) Unsubscribe {
	sub := newSubscriber(key, onSnapshot, onError)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.push(delivery{err: ErrClosed})
		go sub.run()
		return sub.stop
	}
	h.nextID++
	sub.id = h.nextID
	h.mu.Unlock()

	go sub.run()
	go h.attach(ctx, sub)

	stopAfter := context.AfterFunc(ctx, sub.stop)
	return func() {
		stopAfter()
		sub.stop()
	}
}

// attach performs the initial read and registers sub under the key lock so
// no write can slip between the read and the registration.
func (h *Hub) attach(ctx context.Context, sub *subscriber) {
	unlock := h.lockKey(sub.key)
	defer unlock()

	if sub.stopped() {
		return
	}

	doc, err := h.backend.Load(ctx, sub.key)
	switch {
	case errors.Is(err, ErrNotFound):
		sub.push(delivery{})
	case err != nil:
		sub.push(delivery{err: err})
		return
	default:
		sub.push(delivery{doc: doc})
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		return
	}
	m, ok := h.subs[sub.key]
	if !ok {
		m = make(map[uint64]*subscriber)
		h.subs[sub.key] = m
	}
	m[sub.id] = sub
	h.mu.Unlock()

	sub.onStop(func() { h.detach(sub) })
	if sub.stopped() {
		h.detach(sub)
	}
}

func (h *Hub) detach(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[sub.key]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(h.subs, sub.key)
		}
	}
}

// publish must be called with the key lock held.
func (h *Hub) publish(key Key, doc *model.ScheduleDocument) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[key]))
	for _, s := range h.subs[key] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.push(delivery{doc: doc.Clone()})
	}
}

// refresh reloads a key changed by another process and fans it out.
func (h *Hub) refresh(key Key) {
	h.mu.Lock()
	_, watched := h.subs[key]
	h.mu.Unlock()
	if !watched {
		return
	}

	unlock := h.lockKey(key)
	defer unlock()

	doc, err := h.backend.Load(context.Background(), key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Errorw("reload after remote change failed", "err", err, "key", key.Path())
		}
		return
	}
	h.publish(key, doc)
}

// Get implements DocumentStore.
func (h *Hub) Get(ctx context.Context, key Key) (*model.ScheduleDocument, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	return h.backend.Load(ctx, key)
}

// Put implements DocumentStore.
func (h *Hub) Put(ctx context.Context, key Key, doc *model.ScheduleDocument) error {
	if doc == nil {
		return errors.New("put: nil document")
	}
	if h.isClosed() {
		return ErrClosed
	}

	unlock := h.lockKey(key)
	defer unlock()

	stored := doc.Clone()
	if err := h.backend.Save(ctx, key, stored); err != nil {
		return err
	}
	h.publish(key, stored)
	return nil
}

// Close stops all subscriptions and closes the backend.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	var all []*subscriber
	for _, m := range h.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	h.subs = make(map[Key]map[uint64]*subscriber)
	h.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	if h.stopFeed != nil {
		h.stopFeed()
		<-h.feedDone
	}
	return h.backend.Close()
}

// Subscribers reports how many live subscriptions exist for key.
func (h *Hub) Subscribers(key Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

type delivery struct {
	doc *model.ScheduleDocument
	err error
}

// subscriber delivers queued snapshots to its callbacks on its own goroutine,
// in push order, until stopped.
type subscriber struct {
	id         uint64
	key        Key
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	mu      sync.Mutex
	queue   []delivery
	onStops []func()
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscriber(key Key, onSnapshot SnapshotFunc, onError ErrorFunc) *subscriber {
	return &subscriber{
		key:        key,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (s *subscriber) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) onStop(fn func()) {
	s.mu.Lock()
	s.onStops = append(s.onStops, fn)
	s.mu.Unlock()
}

func (s *subscriber) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		fns := s.onStops
		s.onStops = nil
		s.queue = nil
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.stopped() {
				s.mu.Unlock()
				break
			}
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if d.err != nil {
				if s.onError != nil {
					s.onError(d.err)
				}
				// An error ends the subscription.
				s.stop()
				return
			}
			if s.onSnapshot != nil {
				s.onSnapshot(d.doc)
			}
		}
	}
}
