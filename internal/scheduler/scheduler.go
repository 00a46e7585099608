// Package scheduler decides when sync cycles run: on a timer, when the
// server comes back, and right after urgent local changes.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vonshlovens/fieldsync/internal/queue"
	engine "github.com/vonshlovens/fieldsync/internal/sync"
)

// DefaultInterval is the periodic sync interval
const DefaultInterval = 15 * time.Minute

// Syncer runs one sync cycle
type Syncer interface {
	TriggerSync(ctx context.Context) (*engine.Result, error)
}

// Options tunes the scheduler
type Options struct {
	Interval time.Duration
	// RetryBase is the first delay after a failed cycle; it doubles per
	// consecutive failure up to Interval
	RetryBase time.Duration
	// SkipInitial disables the cycle that runs on Start
	SkipInitial bool
}

// Scheduler triggers sync cycles
type Scheduler struct {
	syncer Syncer
	opts   Options

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	online   bool
	failures int
}

// New creates a scheduler
func New(s Syncer, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	return &Scheduler{
		syncer:  s,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		online:  true,
	}
}

// Start runs the scheduling loop in the background
func (s *Scheduler) Start(ctx context.Context) {
	if !s.opts.SkipInitial {
		s.Notify()
	}

	s.wg.Add(1)
	go s.loop(ctx)

	slog.Info("scheduler started", "interval", s.opts.Interval.String())
}

// Stop ends the loop and waits for a running cycle to return
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Notify requests a cycle as soon as possible. Requests made while one is
// already waiting are merged.
func (s *Scheduler) Notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// OnConnectivity is subscribed to the network monitor; regaining the
// server triggers a cycle.
func (s *Scheduler) OnConnectivity(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online && !wasOnline {
		slog.Info("connectivity restored, scheduling sync")
		s.Notify()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
		case <-s.trigger:
		}

		next := s.run(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// run executes one cycle and returns the delay until the next timed one
func (s *Scheduler) run(ctx context.Context) time.Duration {
	res, err := s.syncer.TriggerSync(ctx)
	if errors.Is(err, engine.ErrSyncInProgress) {
		return s.opts.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil || (res != nil && res.Failed > 0) {
		s.failures++
		delay := queue.Backoff(s.failures, s.opts.RetryBase, s.opts.Interval)
		slog.Debug("sync incomplete, retrying early", "failures", s.failures, "delay", delay.String())
		return delay
	}

	s.failures = 0
	return s.opts.Interval
}
