// Package scheduler delivers delayed retry triggers back into the dispatcher.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-client/pkg/registration"
)

// DefaultFireTimeout bounds how long a fired trigger may spend in the sink.
const DefaultFireTimeout = 30 * time.Second

// Sink receives fired triggers. *dispatcher.Dispatcher.Handle satisfies it.
type Sink func(ctx context.Context, event registration.InboundEvent) error

// TimerScheduler implements registration.RetryScheduler with one
// time.AfterFunc per schedule call. Timers are not persisted.
type TimerScheduler struct {
	mu          sync.Mutex
	sink        Sink
	timers      map[uint64]*time.Timer
	nextID      uint64
	stopped     bool
	fireTimeout time.Duration
	logger      *slog.Logger
}

func NewTimerScheduler(logger *slog.Logger) *TimerScheduler {
	return &TimerScheduler{
		timers:      make(map[uint64]*time.Timer),
		fireTimeout: DefaultFireTimeout,
		logger:      logger.With("component", "RetryScheduler"),
	}
}

// Bind sets the destination for fired triggers. Triggers that fire while
// unbound are dropped with a warning.
func (s *TimerScheduler) Bind(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *TimerScheduler) ScheduleOnceAfter(delay time.Duration, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Warn("Scheduler stopped; dropping retry", "delay", delay)
		return
	}

	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, token) })
	s.logger.Debug("Retry scheduled", "id", id, "delay", delay)
}

func (s *TimerScheduler) fire(id uint64, token string) {
	s.mu.Lock()
	delete(s.timers, id)
	sink := s.sink
	s.mu.Unlock()

	if sink == nil {
		s.logger.Warn("Retry fired with no sink bound", "id", id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()
	if err := sink(ctx, registration.RetryTrigger{Token: token}); err != nil {
		s.logger.Error("Retry trigger handling failed", "id", id, "err", err)
	}
}

// Pending returns the number of scheduled triggers that have not fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending triggers and rejects new ones.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("Retry scheduler stopped")
}
