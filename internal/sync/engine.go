// Package sync runs the sync cycle: push the outbound queue, pull server
// changes, apply them and advance the checkpoint.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/queue"
	"github.com/vonshlovens/fieldsync/internal/remote"
	"github.com/vonshlovens/fieldsync/internal/store"
)

// ErrSyncInProgress is returned when a cycle is already running
var ErrSyncInProgress = errors.New("sync already in progress")

// Remote is the server side of the protocol
type Remote interface {
	Pull(ctx context.Context, req remote.PullRequest) (*remote.PullResponse, error)
	Push(ctx context.Context, req remote.PushRequest) (*remote.PushResponse, error)
}

// Reachability reports whether the server can be reached right now
type Reachability interface {
	Online(ctx context.Context) bool
}

// Uploader stores a local file and returns its remote key
type Uploader interface {
	Upload(ctx context.Context, t model.EntityType, path string) (string, error)
}

// Options tunes the engine
type Options struct {
	// BatchSize caps the queue entries pushed per cycle; 0 means all
	BatchSize int
	// SchemaVersion is the local schema version announced on pull
	SchemaVersion int
	// Uploader is optional; without it file rows are pushed as is
	Uploader Uploader
	// OnProgress is called after every pushed or failed entry
	OnProgress func(done, total int)
	// StatusFile mirrors the status to disk when set
	StatusFile string
}

// Result summarizes one cycle
type Result struct {
	Offline      bool  `json:"offline,omitempty"`
	Pushed       int   `json:"pushed"`
	Failed       int   `json:"failed"`
	Deferred     int   `json:"deferred"`
	DeadLettered int   `json:"dead_lettered"`
	Applied      int   `json:"applied"`
	Checkpoint   int64 `json:"checkpoint"`
	DurationMS   int64 `json:"duration_ms"`
}

// Engine coordinates sync cycles. At most one cycle runs at a time.
type Engine struct {
	store  *store.Store
	queue  *queue.Queue
	remote Remote
	reach  Reachability
	opts   Options

	running atomic.Bool
	status  *StatusTracker
}

// NewEngine creates a sync engine. reach may be nil, in which case the
// server is assumed reachable.
func NewEngine(st *store.Store, q *queue.Queue, rm Remote, reach Reachability, opts Options) *Engine {
	if opts.SchemaVersion <= 0 {
		opts.SchemaVersion = model.SchemaVersion
	}
	return &Engine{
		store:  st,
		queue:  q,
		remote: rm,
		reach:  reach,
		opts:   opts,
		status: NewStatusTracker(opts.StatusFile),
	}
}

// OnTransition registers a state change callback
func (e *Engine) OnTransition(fn func(from, to State)) {
	e.status.OnTransition(fn)
}

// Status returns the current sync status with fresh queue counts
func (e *Engine) Status(ctx context.Context) Status {
	pending, dead := e.counts(ctx)
	e.status.setCounts(pending, dead)
	st := e.status.Snapshot()
	st.IsSyncing = e.running.Load()
	return st
}

// IsSyncing reports whether a cycle is running
func (e *Engine) IsSyncing() bool {
	return e.running.Load()
}

// TriggerSync runs one full cycle. A concurrent call returns
// ErrSyncInProgress without touching any state.
func (e *Engine) TriggerSync(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	e.status.begin()

	res, err := e.cycle(ctx)
	res.DurationMS = time.Since(start).Milliseconds()

	pending, dead := e.counts(ctx)
	e.status.finish(res, err == nil && !res.Offline, pending, dead)

	if err != nil {
		slog.Error("sync failed", "error", err, "duration_ms", res.DurationMS)
		return res, err
	}

	slog.Info("sync completed",
		"pushed", res.Pushed,
		"failed", res.Failed,
		"deferred", res.Deferred,
		"applied", res.Applied,
		"checkpoint", res.Checkpoint,
		"duration_ms", res.DurationMS,
	)
	return res, nil
}

func (e *Engine) cycle(ctx context.Context) (*Result, error) {
	res := &Result{}

	e.status.transition(StateChecking)
	if e.reach != nil && !e.reach.Online(ctx) {
		slog.Info("server unreachable, skipping sync")
		res.Offline = true
		e.status.transition(StateIdle)
		return res, nil
	}

	cp, err := e.store.Checkpoint(ctx)
	if err != nil {
		return e.fail(res, err)
	}
	res.Checkpoint = cp.LastPulledAt

	e.status.transition(StatePushing)
	if err := e.push(ctx, res, cp.LastPulledAt); err != nil {
		return e.fail(res, fmt.Errorf("push failed: %w", err))
	}

	e.status.transition(StatePulling)
	resp, err := e.remote.Pull(ctx, e.pullRequest(cp))
	if err != nil {
		return e.fail(res, fmt.Errorf("pull failed: %w", err))
	}

	e.status.transition(StateApplying)
	applied, err := e.apply(ctx, resp.Changes)
	if err != nil {
		return e.fail(res, fmt.Errorf("apply failed: %w", err))
	}
	res.Applied = applied

	e.status.transition(StateCheckpointing)
	err = e.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.SetCheckpoint(ctx, resp.Timestamp, e.opts.SchemaVersion)
	})
	if err != nil {
		return e.fail(res, err)
	}
	if resp.Timestamp > res.Checkpoint {
		res.Checkpoint = resp.Timestamp
	}

	e.status.transition(StateIdle)
	return res, nil
}

func (e *Engine) fail(res *Result, err error) (*Result, error) {
	e.status.transition(StateError)
	e.status.addError(err)
	e.status.transition(StateIdle)
	return res, err
}

// pullRequest announces the local schema and, after an upgrade, the tables
// the client has never pulled.
func (e *Engine) pullRequest(cp store.Checkpoint) remote.PullRequest {
	req := remote.PullRequest{
		LastPulledAt:  cp.LastPulledAt,
		SchemaVersion: e.opts.SchemaVersion,
	}
	if cp.SchemaVersion > 0 && cp.SchemaVersion < e.opts.SchemaVersion {
		m := &remote.Migration{From: cp.SchemaVersion}
		for _, t := range model.TablesSince(cp.SchemaVersion) {
			m.Tables = append(m.Tables, string(t))
		}
		req.Migration = m
	}
	return req
}

func (e *Engine) counts(ctx context.Context) (pending, dead int) {
	var err error
	if pending, err = e.queue.Count(ctx); err != nil {
		slog.Warn("failed to count queue", "error", err)
	}
	if dead, err = e.queue.DeadLetterCount(ctx); err != nil {
		slog.Warn("failed to count dead letters", "error", err)
	}
	return pending, dead
}
