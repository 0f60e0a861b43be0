package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"dayroutine/internal/engine"
	"dayroutine/internal/identity"
	"dayroutine/internal/model"
	"dayroutine/internal/store"
	"dayroutine/internal/store/memory"
	"dayroutine/internal/template"
)

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine Suite")
}

const (
	today    = "2025-01-02"
	tomorrow = "2025-01-03"
	subject  = "user-1"
)

// fakeSub is one subscription handed out by fakeStore. Tests push snapshots
// and errors into it by hand, even after it was stopped.
type fakeSub struct {
	key     store.Key
	onSnap  store.SnapshotFunc
	onErr   store.ErrorFunc
	stopped atomic.Bool
}

func (s *fakeSub) deliver(doc *model.ScheduleDocument) {
	s.onSnap(doc.Clone())
}

func (s *fakeSub) fail(err error) {
	s.onErr(err)
}

type putCall struct {
	key store.Key
	doc *model.ScheduleDocument
	err error
}

// fakeStore records subscriptions and writes. Put can be held open or made
// to fail.
type fakeStore struct {
	mu     sync.Mutex
	subs   []*fakeSub
	puts   []putCall
	putErr error
	hold   chan struct{}

	// waiting counts writes blocked by holdPuts.
	waiting atomic.Int32
}

func (f *fakeStore) Subscribe(_ context.Context, key store.Key, onSnap store.SnapshotFunc, onErr store.ErrorFunc) store.Unsubscribe {
	s := &fakeSub{key: key, onSnap: onSnap, onErr: onErr}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return func() { s.stopped.Store(true) }
}

func (f *fakeStore) Get(context.Context, store.Key) (*model.ScheduleDocument, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) Put(_ context.Context, key store.Key, doc *model.ScheduleDocument) error {
	f.mu.Lock()
	hold, err := f.hold, f.putErr
	f.mu.Unlock()
	if hold != nil {
		f.waiting.Add(1)
		<-hold
		f.waiting.Add(-1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, putCall{key: key, doc: doc.Clone(), err: err})
	return err
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) setPutErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
}

// holdPuts blocks writes until the returned release func is called.
func (f *fakeStore) holdPuts() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.hold = nil
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeStore) putCalls() []putCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]putCall(nil), f.puts...)
}

func (f *fakeStore) putCount() int {
	return len(f.putCalls())
}

func (f *fakeStore) subsFor(date string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs {
		if s.key.Date == date {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStore) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// latest waits for a subscription to date and returns the newest one.
func (f *fakeStore) latest(date string) *fakeSub {
	GinkgoHelper()
	Eventually(func() int { return len(f.subsFor(date)) }).Should(BeNumerically(">", 0))
	subs := f.subsFor(date)
	return subs[len(subs)-1]
}

// flakyBackend fails its failAt-th save after a short delay.
type flakyBackend struct {
	*memory.Backend
	failAt int32
	saves  atomic.Int32
}

func (b *flakyBackend) Save(ctx context.Context, key store.Key, doc *model.ScheduleDocument) error {
	if b.saves.Add(1) == b.failAt {
		time.Sleep(100 * time.Millisecond)
		return errors.New("backend unavailable")
	}
	return b.Backend.Save(ctx, key, doc)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func fixedSubject(context.Context) (string, error) {
	return subject, nil
}

func docWithBath(tpl *template.Template) *model.ScheduleDocument {
	doc := tpl.Document()
	doc.Activities[model.IndexOf(doc.Activities, "morning-bath")].Completed = true
	return doc
}

func phase(s engine.State) engine.Phase { return s.Phase }

func errKind(s engine.State) engine.Kind {
	if s.Err == nil {
		return ""
	}
	return s.Err.Kind
}

func completed(id string) func(engine.State) bool {
	return func(s engine.State) bool {
		a, _ := s.Activity(id)
		return a.Completed
	}
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		fs     *fakeStore
		clk    *clock
		tpl    *template.Template
		eng    *engine.Engine
		cfg    engine.Config
	)

	start := func(p identity.Provider) {
		eng = engine.New(cfg, p, fs, tpl, engine.WithClock(clk.Now))
		go func() {
			defer GinkgoRecover()
			Expect(eng.Run(ctx)).To(Succeed())
		}()
	}

	// ready starts the engine and brings today's schedule up from doc
	// (nil means no stored document).
	ready := func(doc *model.ScheduleDocument) *fakeSub {
		start(identity.ProviderFunc(fixedSubject))
		sub := fs.latest(today)
		sub.deliver(doc)
		Eventually(eng.State).Should(WithTransform(phase, Equal(engine.PhaseReady)))
		return sub
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		fs = &fakeStore{}
		clk = &clock{t: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)}
		tpl = template.Default()
		cfg = engine.Config{Namespace: "app", Location: time.UTC}
	})

	AfterEach(func() {
		cancel()
		if eng != nil {
			Eventually(eng.Done()).Should(BeClosed())
		}
	})

	Describe("identity", func() {
		It("selects today once the subject is known", func() {
			start(identity.ProviderFunc(fixedSubject))

			sub := fs.latest(today)
			Expect(sub.key).To(Equal(store.NewKey("app", subject, today)))
			Eventually(eng.State).Should(And(
				HaveField("Phase", engine.PhaseLoading),
				HaveField("Subject", subject),
				HaveField("Date", today),
				HaveField("FollowingToday", true),
			))
		})

		It("halts on identity failure", func() {
			start(identity.ProviderFunc(func(context.Context) (string, error) {
				return "", errors.New("token expired")
			}))

			Eventually(eng.State).Should(And(
				WithTransform(phase, Equal(engine.PhaseError)),
				WithTransform(errKind, Equal(engine.AuthFailure)),
			))
			Expect(eng.SetActiveDate(ctx, today)).To(MatchError(engine.ErrHalted))
			Expect(eng.Toggle(ctx, "morning-bath")).To(MatchError(engine.ErrHalted))
			Expect(eng.GoToToday(ctx)).To(MatchError(engine.ErrHalted))
			Expect(fs.subCount()).To(BeZero())
		})

		It("treats an empty subject as an identity failure", func() {
			start(identity.ProviderFunc(func(context.Context) (string, error) { return " ", nil }))
			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.AuthFailure)))
		})

		It("applies a date chosen before the identity arrived", func() {
			release := make(chan struct{})
			start(identity.ProviderFunc(func(ctx context.Context) (string, error) {
				<-release
				return subject, nil
			}))

			Expect(eng.SetActiveDate(ctx, "2025-03-01")).To(Succeed())
			Expect(eng.State()).To(And(
				HaveField("Phase", engine.PhaseStarting),
				HaveField("Date", "2025-03-01"),
			))
			Expect(fs.subCount()).To(BeZero())

			close(release)
			fs.latest("2025-03-01")
			Consistently(fs.subCount, "50ms").Should(Equal(1))
		})

		It("rejects malformed dates", func() {
			start(identity.ProviderFunc(fixedSubject))
			Expect(eng.SetActiveDate(ctx, "2025-13-01")).To(MatchError(model.ErrInvalidDate))
		})
	})

	Describe("initialization", func() {
		It("creates the template document once and shows it before it is stored", func() {
			start(identity.ProviderFunc(fixedSubject))
			release := fs.holdPuts()
			defer release()

			sub := fs.latest(today)
			sub.deliver(nil)

			Eventually(eng.State).Should(And(
				HaveField("Phase", engine.PhaseReady),
				HaveField("Unconfirmed", true),
				HaveField("Activities", Equal(tpl.Activities())),
			))

			// The store echoes "absent" again before the write lands.
			sub.deliver(nil)

			release()
			Eventually(eng.State).Should(HaveField("Unconfirmed", false))
			Consistently(fs.putCount, "50ms").Should(Equal(1))

			put := fs.putCalls()[0]
			Expect(put.key).To(Equal(store.NewKey("app", subject, today)))
			Expect(put.doc).To(Equal(tpl.Document()))
		})

		It("reports a failed initialization without retrying", func() {
			fs.setPutErr(errors.New("quota exceeded"))
			ready(nil)

			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.InitializationFailure)))
			s := eng.State()
			Expect(s.Phase).To(Equal(engine.PhaseReady))
			Expect(s.Unconfirmed).To(BeTrue())
			Expect(s.Activities).To(Equal(tpl.Activities()))

			fs.latest(today).deliver(nil)
			Consistently(fs.putCount, "50ms").Should(Equal(1))
		})

		It("retries initialization when the date is selected again", func() {
			fs.setPutErr(errors.New("quota exceeded"))
			ready(nil)
			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.InitializationFailure)))

			fs.setPutErr(nil)
			Expect(eng.SetActiveDate(ctx, today)).To(Succeed())
			Expect(eng.State().Err).To(BeNil())

			Eventually(func() int { return len(fs.subsFor(today)) }).Should(Equal(2))
			fs.latest(today).deliver(nil)
			Eventually(fs.putCount).Should(Equal(2))
			Eventually(eng.State).Should(HaveField("Unconfirmed", false))
		})

		It("never writes before the first snapshot of an existing document", func() {
			start(identity.ProviderFunc(fixedSubject))
			sub := fs.latest(today)
			Consistently(fs.putCount, "50ms").Should(BeZero())

			sub.deliver(docWithBath(tpl))
			Eventually(eng.State).Should(WithTransform(completed("morning-bath"), BeTrue()))
			Consistently(fs.putCount, "50ms").Should(BeZero())
		})
	})

	Describe("SetActiveDate", func() {
		It("keeps one subscription when the same date is selected twice", func() {
			ready(nil)
			Eventually(fs.putCount).Should(Equal(1))

			Expect(eng.SetActiveDate(ctx, today)).To(Succeed())
			Expect(eng.SetActiveDate(ctx, today)).To(Succeed())

			Consistently(fs.subCount, "50ms").Should(Equal(1))
			Expect(fs.putCount()).To(Equal(1))
			Expect(eng.State().FollowingToday).To(BeFalse())
		})

		It("tears the old subscription down before opening the new one", func() {
			first := ready(nil)
			Expect(eng.SetActiveDate(ctx, tomorrow)).To(Succeed())

			Expect(first.stopped.Load()).To(BeTrue())
			Expect(fs.latest(tomorrow).stopped.Load()).To(BeFalse())
			Expect(eng.State()).To(And(
				HaveField("Phase", engine.PhaseLoading),
				HaveField("Date", tomorrow),
				HaveField("Activities", BeEmpty()),
			))
		})

		It("ignores a slow snapshot for a date that is no longer active", func() {
			start(identity.ProviderFunc(fixedSubject))
			a := fs.latest(today)

			Expect(eng.SetActiveDate(ctx, tomorrow)).To(Succeed())
			b := fs.latest(tomorrow)
			b.deliver(tpl.Document())
			Eventually(eng.State).Should(WithTransform(phase, Equal(engine.PhaseReady)))

			a.deliver(docWithBath(tpl))
			a.deliver(nil)
			a.fail(errors.New("late failure"))

			Consistently(eng.State, "50ms").Should(And(
				HaveField("Date", tomorrow),
				HaveField("Phase", engine.PhaseReady),
				WithTransform(completed("morning-bath"), BeFalse()),
				HaveField("Err", BeNil()),
			))
			Expect(fs.putCount()).To(BeZero())
		})

		It("discards snapshots from an earlier subscription to the same date", func() {
			first := ready(tpl.Document())
			Expect(eng.SetActiveDate(ctx, tomorrow)).To(Succeed())
			Expect(eng.SetActiveDate(ctx, today)).To(Succeed())
			second := fs.latest(today)
			Expect(second).NotTo(BeIdenticalTo(first))

			first.deliver(docWithBath(tpl))
			Consistently(eng.State, "50ms").Should(HaveField("Phase", engine.PhaseLoading))

			second.deliver(tpl.Document())
			Eventually(eng.State).Should(And(
				HaveField("Phase", engine.PhaseReady),
				WithTransform(completed("morning-bath"), BeFalse()),
			))
		})

		It("applies remote changes in arrival order", func() {
			sub := ready(tpl.Document())
			sub.deliver(docWithBath(tpl))
			sub.deliver(tpl.Document())
			Eventually(eng.State).Should(WithTransform(completed("morning-bath"), BeFalse()))
			sub.deliver(docWithBath(tpl))
			Eventually(eng.State).Should(WithTransform(completed("morning-bath"), BeTrue()))
		})
	})

	Describe("read failures", func() {
		It("surfaces the error and resubscribes when the date is selected again", func() {
			sub := ready(tpl.Document())
			sub.fail(errors.New("permission denied"))

			Eventually(eng.State).Should(And(
				WithTransform(phase, Equal(engine.PhaseError)),
				WithTransform(errKind, Equal(engine.ReadFailure)),
			))
			Expect(sub.stopped.Load()).To(BeTrue())
			Expect(eng.Toggle(ctx, "morning-bath")).To(MatchError(engine.ErrNotReady))

			Expect(eng.SetActiveDate(ctx, today)).To(Succeed())
			Eventually(func() int { return len(fs.subsFor(today)) }).Should(Equal(2))
			fs.latest(today).deliver(tpl.Document())
			Eventually(eng.State).Should(And(
				WithTransform(phase, Equal(engine.PhaseReady)),
				HaveField("Err", BeNil()),
			))
		})
	})

	Describe("Toggle", func() {
		It("flips locally before the write completes", func() {
			ready(tpl.Document())
			release := fs.holdPuts()
			defer release()

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.State()).To(WithTransform(completed("morning-bath"), BeTrue()))
			Expect(fs.putCount()).To(BeZero())

			release()
			Eventually(fs.putCount).Should(Equal(1))
		})

		It("round-trips with exactly two writes", func() {
			ready(tpl.Document())
			original := tpl.Document()

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())

			Eventually(fs.putCount).Should(Equal(2))
			Consistently(fs.putCount, "50ms").Should(Equal(2))
			puts := fs.putCalls()
			Expect(puts[0].doc.Activities[model.IndexOf(puts[0].doc.Activities, "morning-bath")].Completed).To(BeTrue())
			Expect(puts[1].doc).To(Equal(original))
			Expect(eng.State().Activities).To(Equal(original.Activities))
		})

		It("rolls back only the toggled activity when the write fails", func() {
			initial := docWithBath(tpl)
			ready(initial)
			fs.setPutErr(errors.New("offline"))

			Expect(eng.Toggle(ctx, "evening-sleep")).To(Succeed())
			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.WriteFailure)))

			s := eng.State()
			Expect(s.Err.Op).To(Equal(engine.OpToggle))
			Expect(s.Activities).To(Equal(initial.Activities))
		})

		It("rolls back on top of later local changes", func() {
			ready(tpl.Document())
			release := fs.holdPuts()
			fs.setPutErr(errors.New("offline"))

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.Toggle(ctx, "evening-sleep")).To(Succeed())
			release()

			Eventually(fs.putCount).Should(Equal(2))
			Eventually(eng.State).Should(And(
				WithTransform(completed("morning-bath"), BeFalse()),
				WithTransform(completed("evening-sleep"), BeFalse()),
			))
		})

		It("keeps a queued flip when an earlier write is echoed back", func() {
			sub := ready(tpl.Document())
			release := fs.holdPuts()
			defer release()

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.Toggle(ctx, "evening-sleep")).To(Succeed())

			// The first write lands and the store reports it back while the
			// second one is still queued.
			Eventually(fs.waiting.Load).Should(BeEquivalentTo(1))
			sub.deliver(docWithBath(tpl))
			Consistently(eng.State, "50ms").Should(And(
				WithTransform(completed("morning-bath"), BeTrue()),
				WithTransform(completed("evening-sleep"), BeTrue()),
			))

			fs.setPutErr(errors.New("offline"))
			release()

			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.WriteFailure)))
			Expect(fs.putCount()).To(Equal(2))
			Expect(eng.State()).To(And(
				WithTransform(completed("morning-bath"), BeTrue()),
				WithTransform(completed("evening-sleep"), BeFalse()),
			))
		})

		It("writes each toggle on the schedule it was made on", func() {
			ready(tpl.Document())
			release := fs.holdPuts()
			fs.setPutErr(errors.New("offline"))

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.Toggle(ctx, "evening-sleep")).To(Succeed())
			Eventually(fs.waiting.Load).Should(BeEquivalentTo(1))
			fs.setPutErr(nil)
			release()

			Eventually(fs.putCount).Should(Equal(2))
			second := fs.putCalls()[1].doc
			Expect(second.Activities[model.IndexOf(second.Activities, "morning-bath")].Completed).To(BeFalse())
			Expect(second.Activities[model.IndexOf(second.Activities, "evening-sleep")].Completed).To(BeTrue())
			Eventually(eng.State).Should(And(
				WithTransform(completed("morning-bath"), BeFalse()),
				WithTransform(completed("evening-sleep"), BeTrue()),
			))
		})

		It("holds a remote change until the local write settles", func() {
			sub := ready(tpl.Document())
			release := fs.holdPuts()
			fs.setPutErr(errors.New("offline"))

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			remote := tpl.Document()
			remote.Activities[model.IndexOf(remote.Activities, "evening-sleep")].Completed = true
			sub.deliver(remote)
			Consistently(eng.State, "50ms").Should(And(
				WithTransform(completed("morning-bath"), BeTrue()),
				WithTransform(completed("evening-sleep"), BeFalse()),
			))

			release()
			Eventually(eng.State).Should(And(
				WithTransform(errKind, Equal(engine.WriteFailure)),
				WithTransform(completed("morning-bath"), BeFalse()),
				WithTransform(completed("evening-sleep"), BeTrue()),
			))
		})

		It("drops a remote change that the local write overwrote", func() {
			sub := ready(tpl.Document())
			release := fs.holdPuts()

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			remote := tpl.Document()
			remote.Activities[model.IndexOf(remote.Activities, "evening-sleep")].Completed = true
			sub.deliver(remote)

			release()
			Eventually(fs.putCount).Should(Equal(1))
			sub.deliver(docWithBath(tpl))
			Consistently(eng.State, "50ms").Should(And(
				WithTransform(completed("morning-bath"), BeTrue()),
				WithTransform(completed("evening-sleep"), BeFalse()),
			))
		})

		It("clears the last error on the next action", func() {
			ready(tpl.Document())
			fs.setPutErr(errors.New("offline"))
			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.WriteFailure)))

			fs.setPutErr(nil)
			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.State().Err).To(BeNil())
		})

		It("ignores unknown activities", func() {
			ready(tpl.Document())
			Expect(eng.Toggle(ctx, "no-such-activity")).To(Succeed())
			Consistently(fs.putCount, "50ms").Should(BeZero())
		})

		It("refuses to toggle while loading", func() {
			start(identity.ProviderFunc(fixedSubject))
			fs.latest(today)
			Expect(eng.Toggle(ctx, "morning-bath")).To(MatchError(engine.ErrNotReady))
		})

		It("drops the rollback of a write for a date no longer active", func() {
			ready(tpl.Document())
			release := fs.holdPuts()
			fs.setPutErr(errors.New("offline"))
			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())

			Expect(eng.SetActiveDate(ctx, tomorrow)).To(Succeed())
			fs.latest(tomorrow).deliver(docWithBath(tpl))
			Eventually(eng.State).Should(WithTransform(phase, Equal(engine.PhaseReady)))

			release()
			Eventually(fs.putCount).Should(Equal(1))
			Consistently(eng.State, "50ms").Should(And(
				WithTransform(completed("morning-bath"), BeTrue()),
				HaveField("Err", BeNil()),
			))
		})
	})

	Describe("reset", func() {
		It("clears a day after confirmation with exactly one write", func() {
			ready(docWithBath(tpl))

			Expect(eng.RequestReset(ctx, today)).To(Succeed())
			Expect(eng.State()).To(And(
				HaveField("Reset", engine.ResetPendingConfirmation),
				HaveField("PendingResetDate", today),
			))
			Consistently(fs.putCount, "50ms").Should(BeZero())

			Expect(eng.ConfirmReset(ctx)).To(Succeed())
			Expect(eng.State().Activities).To(Equal(tpl.Activities()))

			Eventually(eng.State).Should(HaveField("Reset", engine.ResetIdle))
			Consistently(fs.putCount, "50ms").Should(Equal(1))
			Expect(fs.putCalls()[0].doc).To(Equal(tpl.Document()))
		})

		It("keeps the cleared state when the write fails", func() {
			ready(docWithBath(tpl))
			fs.setPutErr(errors.New("offline"))

			Expect(eng.RequestReset(ctx, today)).To(Succeed())
			Expect(eng.ConfirmReset(ctx)).To(Succeed())

			Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.WriteFailure)))
			s := eng.State()
			Expect(s.Err.Op).To(Equal(engine.OpReset))
			Expect(s.Activities).To(Equal(tpl.Activities()))
			Expect(s.Reset).To(Equal(engine.ResetIdle))
		})

		It("does not roll a queued toggle back over the cleared day", func() {
			ready(tpl.Document())
			release := fs.holdPuts()
			fs.setPutErr(errors.New("offline"))

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Expect(eng.RequestReset(ctx, today)).To(Succeed())
			Expect(eng.ConfirmReset(ctx)).To(Succeed())
			release()

			Eventually(fs.putCount).Should(Equal(2))
			Eventually(eng.State).Should(HaveField("Reset", engine.ResetIdle))
			s := eng.State()
			Expect(s.Err.Op).To(Equal(engine.OpReset))
			Expect(s.Activities).To(Equal(tpl.Activities()))
		})

		It("can be cancelled without any write", func() {
			ready(docWithBath(tpl))
			Expect(eng.RequestReset(ctx, today)).To(Succeed())
			Expect(eng.CancelReset(ctx)).To(Succeed())

			Expect(eng.State()).To(And(
				HaveField("Reset", engine.ResetIdle),
				WithTransform(completed("morning-bath"), BeTrue()),
			))
			Expect(eng.ConfirmReset(ctx)).To(MatchError(engine.ErrNoPendingReset))
			Expect(eng.CancelReset(ctx)).To(MatchError(engine.ErrNoPendingReset))
			Consistently(fs.putCount, "50ms").Should(BeZero())
		})

		It("only resets the active date", func() {
			ready(docWithBath(tpl))
			Expect(eng.RequestReset(ctx, tomorrow)).To(MatchError(engine.ErrResetDateMismatch))
			Expect(eng.State().Reset).To(Equal(engine.ResetIdle))
		})

		It("refuses a second reset while one is being written", func() {
			ready(docWithBath(tpl))
			release := fs.holdPuts()
			defer release()

			Expect(eng.RequestReset(ctx, today)).To(Succeed())
			Expect(eng.ConfirmReset(ctx)).To(Succeed())
			Expect(eng.State().Reset).To(Equal(engine.ResetResetting))
			Expect(eng.RequestReset(ctx, today)).To(MatchError(engine.ErrResetInProgress))

			release()
			Eventually(eng.State).Should(HaveField("Reset", engine.ResetIdle))
		})

		It("is cancelled by a date change", func() {
			ready(docWithBath(tpl))
			Expect(eng.RequestReset(ctx, today)).To(Succeed())
			Expect(eng.SetActiveDate(ctx, tomorrow)).To(Succeed())

			Expect(eng.State()).To(And(
				HaveField("Reset", engine.ResetIdle),
				HaveField("PendingResetDate", ""),
			))
			Expect(eng.ConfirmReset(ctx)).To(MatchError(engine.ErrNoPendingReset))
		})

		It("requires a loaded schedule", func() {
			start(identity.ProviderFunc(fixedSubject))
			fs.latest(today)
			Expect(eng.RequestReset(ctx, today)).To(MatchError(engine.ErrNotReady))
		})
	})

	Describe("following today", func() {
		It("moves to the new day on roll over", func() {
			ready(tpl.Document())
			clk.Set(time.Date(2025, 1, 3, 0, 0, 5, 0, time.UTC))

			Expect(eng.RollOver(ctx)).To(Succeed())
			Expect(eng.State()).To(HaveField("Date", tomorrow))
			Expect(fs.subsFor(today)[0].stopped.Load()).To(BeTrue())
		})

		It("stays on an explicitly chosen date", func() {
			ready(tpl.Document())
			Expect(eng.SetActiveDate(ctx, "2024-12-25")).To(Succeed())
			clk.Set(time.Date(2025, 1, 3, 0, 0, 5, 0, time.UTC))

			Expect(eng.RollOver(ctx)).To(Succeed())
			Expect(eng.State().Date).To(Equal("2024-12-25"))

			Expect(eng.GoToToday(ctx)).To(Succeed())
			Expect(eng.State()).To(And(
				HaveField("Date", tomorrow),
				HaveField("FollowingToday", true),
			))
		})

		It("does nothing when the day has not changed", func() {
			ready(tpl.Document())
			Expect(eng.RollOver(ctx)).To(Succeed())
			Expect(fs.subCount()).To(Equal(1))
		})
	})

	Describe("template reconciliation", func() {
		stale := func() *model.ScheduleDocument {
			acts := tpl.Activities()
			// Drop the first activity, mark one done and add a retired one.
			acts = acts[1:]
			acts[model.IndexOf(acts, "morning-bath")].Completed = true
			acts = append(acts, model.Activity{ID: "retired", Description: "Old", Section: model.SectionEvening, Completed: true})
			return &model.ScheduleDocument{Activities: acts, TemplateVersion: "old"}
		}

		It("shows stored documents verbatim by default", func() {
			ready(stale())
			s := eng.State()
			Expect(s.Activities).To(HaveLen(tpl.Len()))
			_, ok := s.Activity("retired")
			Expect(ok).To(BeTrue())
		})

		It("merges an older document into the current template", func() {
			cfg.Reconcile = true
			ready(stale())

			s := eng.State()
			Expect(s.Activities).To(HaveLen(tpl.Len()))
			Expect(s.Activities[0].ID).To(Equal("morning-wakeup-fajr"))
			Expect(s.Activities[0].Completed).To(BeFalse())
			Expect(s).To(WithTransform(completed("morning-bath"), BeTrue()))
			_, ok := s.Activity("retired")
			Expect(ok).To(BeFalse())
			Consistently(fs.putCount, "50ms").Should(BeZero())

			Expect(eng.Toggle(ctx, "evening-sleep")).To(Succeed())
			Eventually(fs.putCount).Should(Equal(1))
			Expect(fs.putCalls()[0].doc.TemplateVersion).To(Equal(tpl.Version()))
		})

		It("shows the template for a document without activities and writes nothing", func() {
			ready(&model.ScheduleDocument{TemplateVersion: "old"})

			Expect(eng.State()).To(And(
				HaveField("Activities", Equal(tpl.Activities())),
				HaveField("Unconfirmed", false),
			))
			Consistently(fs.putCount, "50ms").Should(BeZero())

			Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
			Eventually(fs.putCount).Should(Equal(1))
			put := fs.putCalls()[0].doc
			Expect(put.TemplateVersion).To(Equal(tpl.Version()))
			Expect(put.Activities).To(Equal(docWithBath(tpl).Activities))
		})

		It("can keep activities the template no longer has", func() {
			cfg.Reconcile = true
			cfg.PreserveExtra = true
			ready(stale())

			s := eng.State()
			Expect(s.Activities).To(HaveLen(tpl.Len() + 1))
			Expect(s.Activities[len(s.Activities)-1].ID).To(Equal("retired"))
		})
	})

	Describe("Watch", func() {
		It("delivers the latest state and closes with its context", func() {
			start(identity.ProviderFunc(fixedSubject))
			wctx, wcancel := context.WithCancel(ctx)
			states := eng.Watch(wctx)

			fs.latest(today).deliver(tpl.Document())
			Eventually(states).Should(Receive(HaveField("Phase", engine.PhaseReady)))

			wcancel()
			Eventually(states).Should(BeClosed())
		})
	})

	It("stops serving intents once Run returns", func() {
		ready(tpl.Document())
		cancel()
		Eventually(eng.Done()).Should(BeClosed())
		Expect(eng.Toggle(context.Background(), "morning-bath")).To(MatchError(engine.ErrStopped))
	})
})

var _ = Describe("Engine over the memory store", func() {
	It("initializes, toggles and resets a day end to end", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hub := memory.NewStore()
		defer func() { _ = hub.Close() }()

		tpl := template.Default()
		eng := engine.New(engine.Config{Namespace: "app", Location: time.UTC},
			identity.ProviderFunc(fixedSubject), hub, tpl)
		go func() { _ = eng.Run(ctx) }()

		Expect(eng.SetActiveDate(ctx, "2025-06-01")).To(Succeed())
		Eventually(eng.State).Should(And(
			HaveField("Phase", engine.PhaseReady),
			HaveField("Date", "2025-06-01"),
			HaveField("Unconfirmed", false),
		))

		key := store.NewKey("app", subject, "2025-06-01")
		stored, err := hub.Get(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored).To(Equal(tpl.Document()))

		Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
		Eventually(func() bool {
			doc, err := hub.Get(ctx, key)
			return err == nil && doc.Activities[model.IndexOf(doc.Activities, "morning-bath")].Completed
		}).Should(BeTrue())

		// A second device writing the same key shows up as a snapshot.
		remote := tpl.Document()
		remote.Activities[model.IndexOf(remote.Activities, "evening-sleep")].Completed = true
		Expect(hub.Put(ctx, key, remote)).To(Succeed())
		Eventually(eng.State).Should(And(
			WithTransform(completed("evening-sleep"), BeTrue()),
			WithTransform(completed("morning-bath"), BeFalse()),
		))

		Expect(eng.RequestReset(ctx, "2025-06-01")).To(Succeed())
		Expect(eng.ConfirmReset(ctx)).To(Succeed())
		Eventually(func() *model.ScheduleDocument {
			doc, _ := hub.Get(ctx, key)
			return doc
		}).Should(Equal(tpl.Document()))
	})

	It("ends with the stored schedule when a queued toggle fails", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tpl := template.Default()
		key := store.NewKey("app", subject, "2025-06-02")
		backend := &flakyBackend{Backend: memory.New(), failAt: 2}
		Expect(backend.Backend.Save(ctx, key, tpl.Document())).To(Succeed())

		hub := store.NewHub(backend)
		defer func() { _ = hub.Close() }()

		eng := engine.New(engine.Config{Namespace: "app", Location: time.UTC},
			identity.ProviderFunc(fixedSubject), hub, tpl)
		go func() { _ = eng.Run(ctx) }()

		Expect(eng.SetActiveDate(ctx, "2025-06-02")).To(Succeed())
		Eventually(eng.State).Should(HaveField("Phase", engine.PhaseReady))

		Expect(eng.Toggle(ctx, "morning-bath")).To(Succeed())
		Expect(eng.Toggle(ctx, "evening-sleep")).To(Succeed())
		Eventually(eng.State).Should(WithTransform(errKind, Equal(engine.WriteFailure)))

		stored, err := hub.Get(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Activities[model.IndexOf(stored.Activities, "morning-bath")].Completed).To(BeTrue())
		Expect(stored.Activities[model.IndexOf(stored.Activities, "evening-sleep")].Completed).To(BeFalse())

		Eventually(eng.State).Should(HaveField("Activities", Equal(stored.Activities)))
		Consistently(eng.State, "150ms").Should(HaveField("Activities", Equal(stored.Activities)))
	})
})
