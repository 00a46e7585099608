// Package netstate tracks whether the sync server is reachable.
package netstate

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger probes the server
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the server on an interval and tells subscribers when
// reachability changes
type Monitor struct {
	pinger   Pinger
	interval time.Duration

	mu     sync.Mutex
	online bool
	known  bool
	subs   map[int]func(online bool)
	nextID int
}

// NewMonitor creates a monitor; interval defaults to 30s
func NewMonitor(p Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		subs:     make(map[int]func(bool)),
	}
}

// Online probes the server now and records the result
func (m *Monitor) Online(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)
	if err != nil {
		slog.Debug("server probe failed", "error", err)
	}
	m.set(err == nil)
	return err == nil
}

// Check pings the server without recording the result or notifying
// subscribers
func (m *Monitor) Check(ctx context.Context) bool {
	if err := m.pinger.Ping(ctx); err != nil {
		slog.Debug("server check failed", "error", err)
		return false
	}
	return true
}

// Quiet returns a view of m whose Online only checks. The sync engine uses it
// so the check at the start of a cycle does not wake subscribers that would
// schedule another cycle.
func (m *Monitor) Quiet() Quiet {
	return Quiet{m: m}
}

// Quiet reports reachability without publishing it
type Quiet struct {
	m *Monitor
}

// Online pings the server
func (q Quiet) Online(ctx context.Context) bool {
	return q.m.Check(ctx)
}

// Last returns the result of the latest probe without probing
func (m *Monitor) Last() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for reachability changes. The returned func
// removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Run probes until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Online(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Online(ctx)
		}
	}
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	var subs []func(bool)
	if changed {
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		slog.Info("server reachable")
	} else {
		slog.Warn("server unreachable")
	}
	for _, fn := range subs {
		fn(online)
	}
}
