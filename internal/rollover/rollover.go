// Package rollover moves a following engine to the new calendar day.
package rollover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	appLog "dayroutine/internal/log"
)

// Roller is satisfied by *engine.Engine.
type Roller interface {
	RollOver(ctx context.Context) error
}

// Scheduler fires RollOver on a cron schedule evaluated in the configured
// time zone. The engine ignores the call unless it follows today and the
// date actually changed, so firing more often than daily is harmless.
type Scheduler struct {
	cron    *cron.Cron
	roller  Roller
	timeout time.Duration
	log     *zap.SugaredLogger

	mu  sync.Mutex
	ctx context.Context
}

// New parses schedule (standard five-field cron or a descriptor like @hourly).
func New(schedule string, loc *time.Location, r Roller) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	log := appLog.For("rollover")
	s := &Scheduler{
		roller:  r,
		timeout: 10 * time.Second,
		log:     log,
		ctx:     context.Background(),
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
	)
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("rollover schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx ends, then waits for a
// running tick to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Infow("rollover scheduler started", "next", s.Next())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Debugw("rollover scheduler stopped")
}

// Next is the next time the schedule fires, zero if it never does.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().In(s.cron.Location()))
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if err := s.roller.RollOver(ctx); err != nil {
		s.log.Warnw("roll over failed", "err", err)
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "err", err)...)
}
