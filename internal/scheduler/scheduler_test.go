package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	engine "github.com/vonshlovens/fieldsync/internal/sync"
)

type countingSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
	ch    chan struct{}
}

func newCountingSyncer() *countingSyncer {
	return &countingSyncer{ch: make(chan struct{}, 16)}
}

func (c *countingSyncer) TriggerSync(ctx context.Context) (*engine.Result, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	c.mu.Unlock()
	c.ch <- struct{}{}
	return &engine.Result{}, err
}

func (c *countingSyncer) wait(t *testing.T, what string) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func (c *countingSyncer) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-c.ch:
		t.Fatal("unexpected sync")
	case <-time.After(d):
	}
}

func TestScheduler_Triggers(t *testing.T) {
	c := newCountingSyncer()
	s := New(c, Options{Interval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	c.wait(t, "initial sync")

	s.Notify()
	c.wait(t, "urgent trigger")

	s.OnConnectivity(true) // already online
	c.none(t, 100*time.Millisecond)

	s.OnConnectivity(false)
	c.none(t, 100*time.Millisecond)

	s.OnConnectivity(true)
	c.wait(t, "reconnect trigger")
}

func TestScheduler_Interval(t *testing.T) {
	c := newCountingSyncer()
	s := New(c, Options{Interval: 50 * time.Millisecond, SkipInitial: true})
	s.Start(context.Background())
	defer s.Stop()

	c.wait(t, "first tick")
	c.wait(t, "second tick")
}

func TestScheduler_BackoffAfterFailure(t *testing.T) {
	c := newCountingSyncer()
	c.err = errors.New("pull failed")
	s := New(c, Options{Interval: time.Hour, RetryBase: 20 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	c.wait(t, "initial sync")
	c.wait(t, "first retry")
	c.wait(t, "second retry")
}

func TestScheduler_StopWithContext(t *testing.T) {
	c := newCountingSyncer()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(c, Options{Interval: time.Hour, SkipInitial: true})
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
