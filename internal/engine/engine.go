// Package engine keeps a live, date-scoped view of a subject's daily routine
// in sync with the document store.
//
// All engine state is owned by the goroutine running Run. User intents, the
// identity result, store callbacks and write completions are all delivered to
// it as closures through one inbox, so no engine logic ever runs in parallel.
// Remote calls happen on helper goroutines that post their completion back.
package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dayroutine/internal/identity"
	appLog "dayroutine/internal/log"
	"dayroutine/internal/metrics"
	"dayroutine/internal/model"
	"dayroutine/internal/store"
	"dayroutine/internal/template"
)

// Config is injected at construction; the engine reads nothing from the
// environment.
type Config struct {
	// Namespace is the application id segment of document keys.
	Namespace string

	// Location decides which calendar date is "today".
	Location *time.Location

	// Reconcile merges documents created under another template version on
	// read. The merge stays local until the next write.
	Reconcile bool

	// PreserveExtra keeps activities unknown to the template when reconciling.
	PreserveExtra bool
}

type Option func(*Engine)

// WithClock replaces time.Now for "today" computations.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type Engine struct {
	cfg   Config
	ident identity.Provider
	store store.DocumentStore
	tpl   *template.Template
	log   *zap.SugaredLogger
	now   func() time.Time

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool

	// Owned by the loop.
	ctx         context.Context
	subject     string
	halted      bool
	wantDate    string
	following   bool
	key         store.Key
	gen         uint64
	unsub       store.Unsubscribe
	readFailed  bool
	activities  []model.Activity
	docVersion  string
	phase       Phase
	unconfirmed bool
	initPending bool
	initFailed  bool
	lastErr     *Error
	reset       *resetMachine
	resetDate   string

	// writes is the store write queue; only its head is in flight. echoes
	// are the documents written for the current key whose snapshot has not
	// come back yet, and held is the latest other snapshot that arrived
	// while local writes were outstanding.
	writes  []*pendingWrite
	echoes  []*model.ScheduleDocument
	held    *model.ScheduleDocument
	holding bool

	mu        sync.Mutex
	state     State
	watchers  map[uint64]chan State
	nextWatch uint64
}

// New builds an engine. Nothing happens until Run is called.
func New(cfg Config, ident identity.Provider, st store.DocumentStore, tpl *template.Template, opts ...Option) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if tpl == nil {
		tpl = template.Default()
	}

	log := appLog.For("engine")
	e := &Engine{
		cfg:      cfg,
		ident:    ident,
		store:    st,
		tpl:      tpl,
		log:      log,
		now:      time.Now,
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
		phase:    PhaseStarting,
		reset:    newResetMachine(log),
		watchers: make(map[uint64]chan State),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state = e.snapshot()
	return e
}

// Run acquires the identity, then processes events until ctx ends. It may
// only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)

	e.ctx = ctx
	defer e.teardown()

	go func() {
		subject, err := e.ident.AcquireIdentity(ctx)
		e.post(func() { e.identityResolved(subject, err) })
	}()

	for {
		select {
		case <-ctx.Done():
			e.log.Debugw("engine stopping", "reason", ctx.Err())
			return nil
		case fn := <-e.inbox:
			fn()
		}
	}
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// post hands fn to the loop. It gives up once the loop has exited.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.done:
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case e.inbox <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// SetActiveDate makes date (YYYY-MM-DD) the active schedule. Selecting the
// date that is already live does nothing; selecting it again after its
// subscription or initialization failed starts over.
func (e *Engine) SetActiveDate(ctx context.Context, date string) error {
	d, err := model.ParseDate(date)
	if err != nil {
		return err
	}
	return e.do(ctx, func() error {
		if e.halted {
			return ErrHalted
		}
		e.following = false
		e.lastErr = nil
		return e.selectDate(d)
	})
}

// GoToToday selects the current date and keeps following it across midnight
// (see RollOver).
func (e *Engine) GoToToday(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.halted {
			return ErrHalted
		}
		e.following = true
		e.lastErr = nil
		return e.selectDate(e.today())
	})
}

// RollOver moves to the new date when the engine follows today and the
// calendar day has changed. It is not a user action and keeps the last error.
func (e *Engine) RollOver(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.halted || !e.following {
			return nil
		}
		today := e.today()
		current := e.key.Date
		if e.subject == "" {
			current = e.wantDate
		}
		if today == current {
			return nil
		}
		e.log.Infow("day changed, moving to today", "from", current, "to", today)
		metrics.IncRollover()
		return e.selectDate(today)
	})
}

// Toggle flips one activity optimistically and persists the whole list. A
// failed write flips it back. Unknown ids are ignored.
func (e *Engine) Toggle(ctx context.Context, activityID string) error {
	return e.do(ctx, func() error {
		if e.halted {
			return ErrHalted
		}
		e.lastErr = nil
		if e.phase != PhaseReady {
			e.emit()
			return ErrNotReady
		}

		if !flip(e.activities, activityID) {
			e.emit()
			return nil
		}
		e.emit()

		e.enqueue(&pendingWrite{op: OpToggle, key: e.key, gen: e.gen, activity: activityID})
		return nil
	})
}

// RequestReset asks for confirmation before clearing date. date must be the
// active date. Nothing is written.
func (e *Engine) RequestReset(ctx context.Context, date string) error {
	return e.do(ctx, func() error {
		if e.halted {
			return ErrHalted
		}
		e.lastErr = nil
		defer e.emit()

		if e.phase != PhaseReady {
			return ErrNotReady
		}
		if date != e.key.Date {
			return ErrResetDateMismatch
		}
		if err := e.reset.fire(e.ctx, eventRequest); err != nil {
			return err
		}
		e.resetDate = date
		return nil
	})
}

// ConfirmReset replaces the active schedule with the fresh template and
// persists it. A failed write is reported but not rolled back.
func (e *Engine) ConfirmReset(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.halted {
			return ErrHalted
		}
		e.lastErr = nil
		defer e.emit()

		if e.reset.current() == ResetPendingConfirmation && (e.phase != PhaseReady || e.resetDate != e.key.Date) {
			e.cancelPendingReset()
			return ErrNotReady
		}
		if err := e.reset.fire(e.ctx, eventConfirm); err != nil {
			return err
		}

		// Toggles still queued keep the schedule they were made on; their
		// failures no longer roll anything back.
		e.freezeQueue()
		for _, w := range e.writes {
			if w.op == OpToggle && e.current(w.key, w.gen) {
				w.superseded = true
			}
		}

		fresh := e.tpl.Document()
		e.activities = model.CloneActivities(fresh.Activities)
		e.docVersion = fresh.TemplateVersion
		e.emit()

		e.enqueue(&pendingWrite{op: OpReset, key: e.key, gen: e.gen, doc: fresh})
		return nil
	})
}

// CancelReset abandons a pending confirmation.
func (e *Engine) CancelReset(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.halted {
			return ErrHalted
		}
		e.lastErr = nil
		defer e.emit()
		if err := e.reset.fire(e.ctx, eventCancel); err != nil {
			return err
		}
		e.resetDate = ""
		return nil
	})
}

// State returns the latest published state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Watch streams states until ctx ends. Slow readers only see the latest one.
func (e *Engine) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	e.mu.Lock()
	id := e.nextWatch
	e.nextWatch++
	e.watchers[id] = ch
	ch <- e.state.clone()
	e.mu.Unlock()

	context.AfterFunc(ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.watchers, id)
		close(ch)
	})
	return ch
}

func (e *Engine) today() string {
	return model.DateOf(e.now(), e.cfg.Location)
}

func (e *Engine) identityResolved(subject string, err error) {
	subject = strings.TrimSpace(subject)
	if err == nil && subject == "" {
		err = errors.New("identity provider returned an empty subject")
	}
	if err != nil {
		e.halted = true
		e.phase = PhaseError
		e.fail(&Error{Kind: AuthFailure, Op: OpIdentity, Err: err})
		e.emit()
		return
	}

	e.subject = subject
	e.log.Infow("identity acquired", "subject", subject)

	date := e.wantDate
	e.wantDate = ""
	if date == "" {
		date = e.today()
		e.following = true
	}
	_ = e.selectDate(date)
}

// selectDate retargets the subscription. The previous subscription is torn
// down before the new one is opened and the generation bump makes any of
// its callbacks still in flight stale.
func (e *Engine) selectDate(date string) error {
	if e.subject == "" {
		e.wantDate = date
		e.emit()
		return nil
	}

	key := store.NewKey(e.cfg.Namespace, e.subject, date)
	if key == e.key && e.unsub != nil && !e.readFailed && !e.initFailed {
		e.emit()
		return nil
	}

	if key != e.key && e.reset.current() == ResetPendingConfirmation {
		e.cancelPendingReset()
	}

	e.freezeQueue()
	e.teardown()
	e.gen++
	e.key = key
	e.echoes = nil
	e.held, e.holding = nil, false
	e.activities = nil
	e.docVersion = ""
	e.phase = PhaseLoading
	e.unconfirmed = false
	e.initPending = false
	e.initFailed = false
	e.readFailed = false

	gen := e.gen
	e.unsub = e.store.Subscribe(e.ctx, key,
		func(doc *model.ScheduleDocument) {
			e.post(func() { e.onSnapshot(key, gen, doc) })
		},
		func(err error) {
			e.post(func() { e.onReadError(key, gen, err) })
		},
	)
	metrics.SubscriptionOpened()
	e.log.Debugw("subscribed", "key", key.Path(), "gen", gen)

	e.emit()
	return nil
}

func (e *Engine) teardown() {
	if e.unsub == nil {
		return
	}
	e.unsub()
	e.unsub = nil
	metrics.SubscriptionClosed()
}

func (e *Engine) current(key store.Key, gen uint64) bool {
	return key == e.key && gen == e.gen
}

func (e *Engine) onSnapshot(key store.Key, gen uint64, doc *model.ScheduleDocument) {
	if !e.current(key, gen) {
		metrics.RecordSnapshot(metrics.SnapshotDiscarded)
		e.log.Debugw("discarding stale snapshot", "key", key.Path(), "gen", gen)
		return
	}

	// While local writes are outstanding the local schedule is ahead of the
	// store. Echoes of those writes confirm it and anything older they
	// overwrote is dropped. Other snapshots wait until the queue drains.
	if i := e.echoIndex(doc); i >= 0 {
		e.echoes = e.echoes[i+1:]
		e.held, e.holding = nil, false
		if e.busy() {
			metrics.RecordSnapshot(metrics.SnapshotEcho)
			return
		}
	} else if e.busy() {
		metrics.RecordSnapshot(metrics.SnapshotHeld)
		e.held, e.holding = doc, true
		return
	}
	e.apply(key, doc)
}

// apply makes doc (nil when absent) the local schedule.
func (e *Engine) apply(key store.Key, doc *model.ScheduleDocument) {
	if doc == nil {
		metrics.RecordSnapshot(metrics.SnapshotAbsent)
		if e.initPending || e.initFailed {
			return
		}

		fresh := e.tpl.Document()
		e.activities = model.CloneActivities(fresh.Activities)
		e.docVersion = fresh.TemplateVersion
		e.unconfirmed = true
		e.initPending = true
		e.phase = PhaseReady
		e.emit()

		e.enqueue(&pendingWrite{op: OpInit, key: key, gen: e.gen, doc: fresh})
		return
	}

	metrics.RecordSnapshot(metrics.SnapshotApplied)
	acts := doc.Activities
	e.docVersion = doc.TemplateVersion
	switch {
	case acts == nil:
		// A document without an activity list shows the template. Nothing
		// is written until the next change.
		acts = e.tpl.Activities()
		e.docVersion = e.tpl.Version()
	case e.cfg.Reconcile && doc.TemplateVersion != e.tpl.Version():
		acts = e.tpl.Reconcile(acts, e.cfg.PreserveExtra)
		e.docVersion = e.tpl.Version()
		e.log.Debugw("reconciled document with template", "key", key.Path(),
			"stored_version", doc.TemplateVersion, "template_version", e.tpl.Version())
	}
	e.activities = model.CloneActivities(acts)
	e.unconfirmed = false
	e.phase = PhaseReady
	e.emit()
}

func (e *Engine) echoIndex(doc *model.ScheduleDocument) int {
	if doc == nil {
		return -1
	}
	for i, sent := range e.echoes {
		if sent.Equal(doc) {
			return i
		}
	}
	return -1
}

// busy reports whether writes for the current key are queued or have not
// been echoed back yet.
func (e *Engine) busy() bool {
	if len(e.echoes) > 0 {
		return true
	}
	for _, w := range e.writes {
		if e.current(w.key, w.gen) {
			return true
		}
	}
	return false
}

// releaseHeld applies the snapshot kept back while the queue was busy.
func (e *Engine) releaseHeld() {
	if !e.holding || e.busy() {
		return
	}
	doc := e.held
	e.held, e.holding = nil, false
	e.apply(e.key, doc)
}

func (e *Engine) onReadError(key store.Key, gen uint64, err error) {
	if !e.current(key, gen) {
		e.log.Debugw("discarding stale subscription error", "key", key.Path(), "err", err)
		return
	}
	e.readFailed = true
	e.teardown()
	e.phase = PhaseError
	if e.reset.current() == ResetPendingConfirmation {
		e.cancelPendingReset()
	}
	e.fail(&Error{Kind: ReadFailure, Op: OpSubscribe, Key: key, Err: err})
	e.emit()
}

func (e *Engine) initDone(w *pendingWrite, err error) {
	if !e.current(w.key, w.gen) {
		if err != nil {
			e.log.Warnw("initialization of abandoned date failed", "key", w.key.Path(), "err", err)
		}
		return
	}
	e.initPending = false
	if err != nil {
		e.initFailed = true
		e.fail(&Error{Kind: InitializationFailure, Op: OpInit, Key: w.key, Err: err})
	} else {
		e.unconfirmed = false
	}
	e.emit()
}

func (e *Engine) toggleDone(w *pendingWrite, err error) {
	if err == nil {
		return
	}
	if !e.current(w.key, w.gen) {
		e.log.Warnw("toggle write for abandoned date failed", "key", w.key.Path(), "activity", w.activity, "err", err)
		return
	}

	// Invert the same flip on whatever the local copy is now. Toggles still
	// queued are written from that copy, so they no longer carry it.
	if !w.superseded && flip(e.activities, w.activity) {
		metrics.IncRollback()
	}
	e.fail(&Error{Kind: WriteFailure, Op: OpToggle, Key: w.key, Err: err})
	e.emit()
}

func (e *Engine) resetDone(w *pendingWrite, err error) {
	_ = e.reset.fire(e.ctx, eventDone)
	e.resetDate = ""
	if err != nil {
		if e.current(w.key, w.gen) {
			e.fail(&Error{Kind: WriteFailure, Op: OpReset, Key: w.key, Err: err})
		} else {
			e.log.Warnw("reset write for abandoned date failed", "key", w.key.Path(), "err", err)
		}
	}
	e.emit()
}

func (e *Engine) cancelPendingReset() {
	if err := e.reset.fire(e.ctx, eventCancel); err != nil {
		e.log.Debugw("cancel pending reset", "err", err)
	}
	e.resetDate = ""
}

// pendingWrite is one queued store write. Toggles carry no document until
// they are sent, so a rollback of an earlier toggle is not written back.
type pendingWrite struct {
	op         Op
	key        store.Key
	gen        uint64
	activity   string
	doc        *model.ScheduleDocument
	sent       bool
	superseded bool
}

func (e *Engine) enqueue(w *pendingWrite) {
	e.writes = append(e.writes, w)
	e.pump()
}

// pump sends the head of the queue on a helper goroutine unless it is
// already in flight. Writes reach the store one at a time in issue order.
func (e *Engine) pump() {
	if len(e.writes) == 0 || e.writes[0].sent {
		return
	}
	w := e.writes[0]
	w.sent = true
	if w.doc == nil {
		w.doc = e.documentAt(0)
	}
	if e.current(w.key, w.gen) {
		e.echoes = append(e.echoes, w.doc)
	}

	ctx, op, key, doc := e.ctx, w.op, w.key, w.doc
	go func() {
		start := time.Now()
		err := e.store.Put(ctx, key, doc)

		metrics.RecordWrite(string(op), err, time.Since(start))
		if err != nil {
			e.log.Errorw("write failed", "op", op, "key", key.Path(), "err", err)
		}
		e.post(func() { e.writeDone(w, err) })
	}()
}

func (e *Engine) writeDone(w *pendingWrite, err error) {
	e.writes[0] = nil
	e.writes = e.writes[1:]
	if err != nil {
		e.echoes = slices.DeleteFunc(e.echoes, func(d *model.ScheduleDocument) bool { return d == w.doc })
	}

	switch w.op {
	case OpInit:
		e.initDone(w, err)
	case OpToggle:
		e.toggleDone(w, err)
	case OpReset:
		e.resetDone(w, err)
	}

	e.pump()
	e.releaseHeld()
}

// documentAt is the local schedule as it was when writes[i] was issued:
// flips of the toggles queued after it are undone.
func (e *Engine) documentAt(i int) *model.ScheduleDocument {
	doc := e.document()
	for _, w := range e.writes[i+1:] {
		if w.op == OpToggle && w.doc == nil {
			flip(doc.Activities, w.activity)
		}
	}
	return doc
}

// freezeQueue pins the documents of queued toggles before the local
// schedule is replaced.
func (e *Engine) freezeQueue() {
	for i, w := range e.writes {
		if w.doc == nil {
			w.doc = e.documentAt(i)
		}
	}
}

func flip(acts []model.Activity, id string) bool {
	i := model.IndexOf(acts, id)
	if i < 0 {
		return false
	}
	acts[i].Completed = !acts[i].Completed
	return true
}

func (e *Engine) document() *model.ScheduleDocument {
	return &model.ScheduleDocument{
		Activities:      model.CloneActivities(e.activities),
		TemplateVersion: e.docVersion,
	}
}

func (e *Engine) fail(err *Error) {
	e.lastErr = err
	metrics.IncError(string(err.Kind))
	e.log.Errorw("schedule error", "kind", err.Kind, "op", err.Op, "date", err.Key.Date, "err", err.Err)
}

func (e *Engine) snapshot() State {
	date := e.key.Date
	if e.subject == "" {
		date = e.wantDate
	}
	return State{
		Phase:            e.phase,
		Subject:          e.subject,
		Date:             date,
		Activities:       model.CloneActivities(e.activities),
		Unconfirmed:      e.unconfirmed,
		Reset:            e.reset.current(),
		PendingResetDate: e.resetDate,
		FollowingToday:   e.following,
		Err:              e.lastErr,
	}
}

// emit publishes the loop state to State and all watchers.
func (e *Engine) emit() {
	s := e.snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	for _, ch := range e.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s.clone()
	}
}
