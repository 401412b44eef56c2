// Package scheduler delivers wake-ups to the encounter engine at or after a
// requested deadline.
//
// The engine only relies on the Scheduler contract: a wake-up fires at least
// once, at or after its deadline, possibly late. Outstanding wake-ups are
// never cancelled; the engine ignores the ones it no longer needs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MEI-Research/ble-beacon-module/internal/beacon"
	"github.com/MEI-Research/ble-beacon-module/internal/clock"
)

// Wake is a fired wake-up for one identity.
type Wake struct {
	Key          beacon.Key
	ScheduledFor time.Time
}

// Scheduler arranges a future wake-up for key.
//
// Schedule must not call back into the engine synchronously: the engine
// calls it while holding its lock.
type Scheduler interface {
	Schedule(deadline time.Time, key beacon.Key)
}

// Handler processes one wake-up. now is the delivery time.
type Handler func(ctx context.Context, w Wake, now time.Time)

// TimerScheduler is an in-process Scheduler backed by time.AfterFunc.
//
// Fired timers push into a FIFO that Run drains on a single goroutine, so
// the handler never runs concurrently with itself. Wake-ups scheduled
// before Run starts are buffered.
type TimerScheduler struct {
	clock clock.Clock
	queue *wakeQueue

	mu      sync.Mutex
	pending int
}

// NewTimerScheduler creates a scheduler that measures delays with clk.
func NewTimerScheduler(clk clock.Clock) *TimerScheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &TimerScheduler{
		clock: clk,
		queue: newWakeQueue(),
	}
}

// Schedule arms a timer for deadline. A deadline in the past fires
// immediately.
func (s *TimerScheduler) Schedule(deadline time.Time, key beacon.Key) {
	delay := deadline.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	slog.Debug("wake-up scheduled", "key", key.String(), "deadline", deadline, "delay", delay)

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()

		if !s.queue.Enqueue(Wake{Key: key, ScheduledFor: deadline}) {
			slog.Debug("wake-up dropped: scheduler closed", "key", key.String())
		}
	})
}

// Pending returns the number of armed timers that have not fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Run delivers fired wake-ups to handler until ctx is cancelled or Close is
// called.
func (s *TimerScheduler) Run(ctx context.Context, handler Handler) error {
	slog.Info("scheduler starting")

	for {
		if w, ok := s.queue.TryDequeue(); ok {
			handler(ctx, w, s.clock.Now())
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping: context cancelled")
			s.queue.Close()
			return ctx.Err()

		case <-s.queue.Wait():
			if s.queue.Len() == 0 && s.isClosed() {
				slog.Info("scheduler stopping: closed")
				return nil
			}
		}
	}
}

func (s *TimerScheduler) isClosed() bool {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return s.queue.closed
}

// Close stops Run once already-fired wake-ups are delivered. Timers that
// fire afterwards are dropped.
func (s *TimerScheduler) Close() {
	s.queue.Close()
}
