// Package scheduler drives evaluation cycles on a fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/models"
)

// ErrAlreadyRunning is returned by Start on a scheduler that is already running.
var ErrAlreadyRunning = errors.New("scheduler already running")

// RunFunc runs one cycle.
type RunFunc func(ctx context.Context) (models.CycleSummary, error)

// Options configures a Scheduler.
type Options struct {
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// RunOnStart runs one cycle as soon as the scheduler starts.
	RunOnStart bool
	// OnCycle is called after every cycle with its outcome.
	OnCycle func(models.CycleSummary, error)
}

// Scheduler runs a RunFunc whenever its Schedule is due. A running cycle is
// never interrupted: Stop and context cancellation take effect between cycles.
type Scheduler struct {
	schedule Schedule
	run      RunFunc
	opts     Options

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a stopped scheduler.
func New(schedule Schedule, run RunFunc, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{schedule: schedule, run: run, opts: opts}
}

// Start launches the scheduling loop. It stops when Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)
	logger.Info("Scheduler started: %s", s.schedule)
	return nil
}

// Stop halts future cycles and waits for an in-flight cycle to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	close(stop)
	s.mu.Unlock()

	<-done
	logger.Info("Scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	if s.opts.RunOnStart {
		s.runCycle(ctx)
	}

	clock := s.opts.Clock
	for {
		now := clock.Now()
		next := s.schedule.Next(now)
		logger.Debug("Next cycle at %s", next.Format("2006-01-02 15:04:05 MST"))

		timer := clock.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			if s.stop == stop {
				s.running = false
			}
			s.mu.Unlock()
			return
		case <-timer.Chan():
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	// The cycle outlives cancellation of the scheduler's context.
	summary, err := s.run(context.WithoutCancel(ctx))
	if err != nil {
		logger.Error("Scheduled cycle failed: %v", err)
	}
	if s.opts.OnCycle != nil {
		s.opts.OnCycle(summary, err)
	}
}
