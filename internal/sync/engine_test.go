package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/queue"
	"github.com/vonshlovens/fieldsync/internal/remote"
	"github.com/vonshlovens/fieldsync/internal/store"
	"github.com/vonshlovens/fieldsync/internal/store/storetest"
)

type fakeRemote struct {
	mu       sync.Mutex
	nextID   int64
	pushes   []remote.PushRequest
	pulls    []remote.PullRequest
	pushErr  error
	pullErr  error
	pullResp *remote.PullResponse

	started chan struct{}
	release chan struct{}
}

func (f *fakeRemote) Push(ctx context.Context, req remote.PushRequest) (*remote.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes = append(f.pushes, req)
	if f.pushErr != nil {
		return nil, f.pushErr
	}

	resp := &remote.PushResponse{IDs: map[string]map[string]int64{}}
	for table, tc := range req.Changes {
		for _, w := range tc.Created {
			f.nextID++
			if resp.IDs[table] == nil {
				resp.IDs[table] = map[string]int64{}
			}
			resp.IDs[table][w["local_id"].(string)] = f.nextID
		}
	}
	return resp, nil
}

func (f *fakeRemote) Pull(ctx context.Context, req remote.PullRequest) (*remote.PullResponse, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls = append(f.pulls, req)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if f.pullResp != nil {
		return f.pullResp, nil
	}
	return &remote.PullResponse{Changes: remote.Changes{}, Timestamp: 2000}, nil
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type staticReach bool

func (r staticReach) Online(context.Context) bool { return bool(r) }

type harness struct {
	engine *Engine
	store  *store.Store
	queue  *queue.Queue
	remote *fakeRemote
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storetest.Open(t)
	q := queue.New(st, queue.DefaultMaxRetries)
	rm := &fakeRemote{nextID: 41}
	return &harness{
		engine: NewEngine(st, q, rm, staticReach(true), Options{}),
		store:  st,
		queue:  q,
		remote: rm,
	}
}

func projectFields(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"project_type": "residential",
		"status":       "planning",
		"start_date":   int64(1709634600000),
	}
}

// write performs a local write and queues it, the way the offline service does
func (h *harness) write(t *testing.T, typ model.EntityType, localID string, action queue.Action, fields map[string]any) *model.Record {
	t.Helper()
	ctx := context.Background()

	var rec *model.Record
	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = tx.Write(ctx, typ, store.Mutation{LocalID: localID, Fields: fields, Origin: store.OriginLocal})
		if err != nil {
			return err
		}
		payload, err := queue.Payload(rec.Fields)
		if err != nil {
			return err
		}
		_, err = h.queue.EnqueueTx(ctx, tx, queue.Entry{
			EntityType:    typ,
			EntityLocalID: rec.LocalID,
			Action:        action,
			Payload:       payload,
			Priority:      queue.DefaultPriority(typ),
			EntityRev:     rec.Rev,
		})
		return err
	})
	if err != nil {
		t.Fatalf("local write failed: %v", err)
	}
	return rec
}

func (h *harness) get(t *testing.T, typ model.EntityType, localID string) *model.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), typ, localID)
	if err != nil {
		t.Fatalf("Get(%s, %s) failed: %v", typ, localID, err)
	}
	return rec
}

func (h *harness) sync(t *testing.T) *Result {
	t.Helper()
	res, err := h.engine.TriggerSync(context.Background())
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	return res
}

func TestTriggerSync_OfflineCreateGetsServerID(t *testing.T) {
	h := newHarness(t)
	rec := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Tower"))

	res := h.sync(t)
	if res.Pushed != 1 || res.Failed != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	got := h.get(t, model.Projects, rec.LocalID)
	if got.ServerID == nil || *got.ServerID != 42 {
		t.Errorf("server id = %v, want 42", got.ServerID)
	}
	if got.IsDirty {
		t.Error("record should be clean after push")
	}
	if got.SyncedAt == nil {
		t.Error("synced_at not set")
	}

	if n, _ := h.queue.Count(context.Background()); n != 0 {
		t.Errorf("queue should be empty, has %d", n)
	}

	cp, _ := h.store.Checkpoint(context.Background())
	if cp.LastPulledAt != 2000 || res.Checkpoint != 2000 {
		t.Errorf("checkpoint = %d, result %d", cp.LastPulledAt, res.Checkpoint)
	}
}

func TestTriggerSync_CreateThenUpdateSendsOneCreate(t *testing.T) {
	h := newHarness(t)
	rec := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Draft"))
	h.write(t, model.Projects, rec.LocalID, queue.ActionUpdate, map[string]any{"name": "Final"})

	h.sync(t)

	if len(h.remote.pushes) != 1 {
		t.Fatalf("expected one push, got %d", len(h.remote.pushes))
	}
	tc := h.remote.pushes[0].Changes[string(model.Projects)]
	if len(tc.Created) != 1 || len(tc.Updated) != 0 {
		t.Fatalf("expected a single create, got %+v", tc)
	}
	if tc.Created[0]["name"] != "Final" {
		t.Errorf("create carries %v, want latest value", tc.Created[0]["name"])
	}
	if tc.Created[0]["local_id"] != rec.LocalID {
		t.Errorf("create should echo local id")
	}
	if tc.Created[0]["start_date"] != "2024-03-05T10:30:00.000Z" {
		t.Errorf("start_date = %v", tc.Created[0]["start_date"])
	}
}

func TestTriggerSync_ChildWaitsForParent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Tower"))

	// Queue the child ahead of its parent.
	var child *model.Record
	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		fields := map[string]any{
			"project_id":      parent.LocalID,
			"inspection_date": int64(1709634600000),
			"location":        "Roof",
			"result":          "pending",
		}
		var err error
		child, err = tx.Write(ctx, model.Inspections, store.Mutation{Fields: fields, Origin: store.OriginLocal})
		if err != nil {
			return err
		}
		payload, _ := queue.Payload(fields)
		_, err = h.queue.EnqueueTx(ctx, tx, queue.Entry{
			EntityType:    model.Inspections,
			EntityLocalID: child.LocalID,
			Action:        queue.ActionCreate,
			Payload:       payload,
			Priority:      queue.UrgentPriority,
			EntityRev:     child.Rev,
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	res := h.sync(t)
	if res.Pushed != 2 || res.Deferred != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if len(h.remote.pushes) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(h.remote.pushes))
	}
	if _, ok := h.remote.pushes[0].Changes[string(model.Projects)]; !ok {
		t.Error("parent should be pushed first")
	}
	sent := h.remote.pushes[1].Changes[string(model.Inspections)].Created[0]
	if sent["project_id"] != int64(42) {
		t.Errorf("child references %v, want parent server id 42", sent["project_id"])
	}

	got := h.get(t, model.Inspections, child.LocalID)
	if got.ServerID == nil || *got.ServerID != 43 {
		t.Errorf("child server id = %v", got.ServerID)
	}
	if got.Fields["project_id"] != parent.LocalID {
		t.Errorf("local reference changed to %v", got.Fields["project_id"])
	}
}

func TestTriggerSync_ChildOfFailedParentIsDeferred(t *testing.T) {
	h := newHarness(t)

	parent := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Tower"))
	h.write(t, model.Inspections, "", queue.ActionCreate, map[string]any{
		"project_id":      parent.LocalID,
		"inspection_date": int64(1709634600000),
		"location":        "Roof",
		"result":          "pending",
	})

	h.remote.pushErr = &remote.RejectedError{Status: 422, Message: "invalid"}
	res := h.sync(t)

	if res.Failed != 1 || res.Deferred != 1 || res.Pushed != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if h.remote.pushCount() != 1 {
		t.Errorf("child must not be sent before its parent, pushes = %d", h.remote.pushCount())
	}
}

func TestTriggerSync_DeadLetterAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Tower"))

	h.remote.pushErr = &remote.TransportError{Op: "push", Err: errors.New("connection refused")}

	for i := 1; i <= queue.DefaultMaxRetries; i++ {
		res := h.sync(t)
		if res.Failed != 1 {
			t.Fatalf("cycle %d: failed = %d", i, res.Failed)
		}
		wantDead := 0
		if i == queue.DefaultMaxRetries {
			wantDead = 1
		}
		if res.DeadLettered != wantDead {
			t.Fatalf("cycle %d: dead lettered = %d, want %d", i, res.DeadLettered, wantDead)
		}
	}

	if n, _ := h.queue.Count(ctx); n != 0 {
		t.Errorf("live queue = %d, want 0", n)
	}
	if n, _ := h.queue.DeadLetterCount(ctx); n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}

	// A dead entry is not retried.
	before := h.remote.pushCount()
	h.sync(t)
	if h.remote.pushCount() != before {
		t.Error("dead-lettered entry was pushed again")
	}

	if got := h.get(t, model.Projects, rec.LocalID); !got.IsDirty {
		t.Error("record should stay dirty")
	}

	status := h.engine.Status(ctx)
	if status.DeadLetters != 1 || status.PendingCount != 0 {
		t.Errorf("status counts = %d/%d", status.PendingCount, status.DeadLetters)
	}
}

func TestTriggerSync_Concurrent(t *testing.T) {
	h := newHarness(t)
	h.remote.started = make(chan struct{})
	h.remote.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.TriggerSync(context.Background())
		done <- err
	}()

	select {
	case <-h.remote.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached pull")
	}

	if !h.engine.IsSyncing() {
		t.Error("IsSyncing should be true during a cycle")
	}
	if !h.engine.Status(context.Background()).IsSyncing {
		t.Error("Status should report a running cycle")
	}
	if _, err := h.engine.TriggerSync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("second sync err = %v, want ErrSyncInProgress", err)
	}

	close(h.remote.release)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if h.engine.IsSyncing() {
		t.Error("IsSyncing should be false after the cycle")
	}
}

func TestStatus_IsSyncingFollowsRunningFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A cycle that holds the flag but has not left Idle yet.
	h.engine.running.Store(true)
	st := h.engine.Status(ctx)
	if !st.IsSyncing {
		t.Errorf("status while the flag is held = %+v", st)
	}
	if _, err := h.engine.TriggerSync(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("TriggerSync err = %v, want ErrSyncInProgress", err)
	}

	h.engine.running.Store(false)
	if h.engine.Status(ctx).IsSyncing {
		t.Error("status should not report syncing once the flag is released")
	}
}

func TestTriggerSync_Transitions(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var got []State
	h.engine.OnTransition(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, to)
	})

	h.sync(t)

	want := []State{StateChecking, StatePushing, StatePulling, StateApplying, StateCheckpointing, StateIdle}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTriggerSync_PullFailureKeepsCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.SetCheckpoint(ctx, 1000, model.SchemaVersion)
	})
	if err != nil {
		t.Fatal(err)
	}

	var states []State
	h.engine.OnTransition(func(from, to State) { states = append(states, to) })

	h.remote.pullErr = &remote.TransportError{Op: "pull", Err: context.DeadlineExceeded}
	if _, err := h.engine.TriggerSync(ctx); err == nil {
		t.Fatal("expected pull failure")
	}

	cp, _ := h.store.Checkpoint(ctx)
	if cp.LastPulledAt != 1000 {
		t.Errorf("checkpoint moved to %d", cp.LastPulledAt)
	}

	if states[len(states)-2] != StateError || states[len(states)-1] != StateIdle {
		t.Errorf("expected Error then Idle, got %v", states)
	}

	status := h.engine.Status(ctx)
	if status.IsSyncing || status.State != StateIdle {
		t.Errorf("status after failure = %+v", status)
	}
	if len(status.LastErrors) == 0 {
		t.Error("pull error not recorded")
	}
	if status.LastSyncAt != nil {
		t.Error("failed cycle must not count as a sync")
	}
}

func TestTriggerSync_PartialApplyRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.SetCheckpoint(ctx, 1000, model.SchemaVersion)
	})
	if err != nil {
		t.Fatal(err)
	}

	h.remote.pullResp = &remote.PullResponse{
		Changes: remote.Changes{
			string(model.Projects): {Created: []remote.WireRecord{{"id": int64(3), "name": "Valid"}}},
			// No id: the batch cannot be applied.
			string(model.Inspections): {Created: []remote.WireRecord{{"location": "Floor 2", "result": "passed"}}},
		},
		Timestamp: 5000,
	}

	if _, err := h.engine.TriggerSync(ctx); err == nil {
		t.Fatal("expected apply failure")
	}

	cp, _ := h.store.Checkpoint(ctx)
	if cp.LastPulledAt != 1000 {
		t.Errorf("checkpoint moved to %d", cp.LastPulledAt)
	}
	if n, _ := h.store.Count(ctx, model.Projects, store.Filter{IncludeDeleted: true}); n != 0 {
		t.Errorf("rows of a failed batch persisted, projects = %d", n)
	}
}

func TestTriggerSync_PushBeforePullServerWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Mine"))

	// The push assigns id 42; the pull of the same cycle returns a newer
	// server version of that record.
	h.remote.pullResp = &remote.PullResponse{
		Changes: remote.Changes{
			string(model.Projects): {Updated: []remote.WireRecord{{"id": int64(42), "name": "Server"}}},
		},
		Timestamp: 5000,
	}

	res := h.sync(t)
	if res.Pushed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.remote.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", h.remote.pushCount())
	}

	got := h.get(t, model.Projects, rec.LocalID)
	if got.Fields["name"] != "Server" {
		t.Errorf("name = %v, server version should win", got.Fields["name"])
	}
	if got.IsDirty {
		t.Error("record should be clean once the server version is applied")
	}
	if n, _ := h.queue.Count(ctx); n != 0 {
		t.Errorf("queue = %d, want 0", n)
	}
	if cp, _ := h.store.Checkpoint(ctx); cp.LastPulledAt != 5000 {
		t.Errorf("checkpoint = %d, want 5000", cp.LastPulledAt)
	}
}

func TestTriggerSync_RequeuedDeadLetterSendsCurrentFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("A"))
	dead, err := h.queue.PeekBatch(ctx, 0)
	if err != nil || len(dead) != 1 {
		t.Fatalf("expected one entry, got %d (%v)", len(dead), err)
	}
	if err := h.queue.DrainToDeadLetter(ctx, dead[0].ID); err != nil {
		t.Fatal(err)
	}

	// The newer edit goes out as the create while the old entry is dead.
	h.write(t, model.Projects, rec.LocalID, queue.ActionUpdate, map[string]any{"name": "B"})
	h.sync(t)

	if err := h.queue.Requeue(ctx, dead[0].ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	h.sync(t)

	for i, req := range h.remote.pushes {
		tc := req.Changes[string(model.Projects)]
		for _, w := range append(tc.Created, tc.Updated...) {
			if w["name"] != "B" {
				t.Errorf("push %d sent name %v, want B", i, w["name"])
			}
		}
	}

	got := h.get(t, model.Projects, rec.LocalID)
	if got.Fields["name"] != "B" || got.IsDirty {
		t.Errorf("row = %v dirty=%v, want B and clean", got.Fields["name"], got.IsDirty)
	}
	if got.ServerID == nil || *got.ServerID != 42 {
		t.Errorf("server id = %v, want 42", got.ServerID)
	}
	if n, _ := h.queue.Count(ctx); n != 0 {
		t.Errorf("queue = %d, want 0", n)
	}
	if n, _ := h.queue.DeadLetterCount(ctx); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestTriggerSync_Offline(t *testing.T) {
	h := newHarness(t)
	h.engine.reach = staticReach(false)
	h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Tower"))

	res := h.sync(t)
	if !res.Offline {
		t.Error("expected offline result")
	}
	if h.remote.pushCount() != 0 || len(h.remote.pulls) != 0 {
		t.Error("no requests should be made while offline")
	}
	if n, _ := h.queue.Count(context.Background()); n != 1 {
		t.Errorf("queue = %d, want 1", n)
	}
}

func TestTriggerSync_EchoedLocalIDDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.write(t, model.Projects, "L1", queue.ActionCreate, projectFields("Tower"))

	h.remote.pullResp = &remote.PullResponse{
		Changes: remote.Changes{
			string(model.Projects): {Created: []remote.WireRecord{{
				"id":           int64(42),
				"local_id":     "L1",
				"name":         "Tower",
				"project_type": "residential",
				"status":       "planning",
				"start_date":   "2024-03-05T10:30:00.000Z",
			}}},
		},
		Timestamp: 3000,
	}
	h.sync(t)

	n, err := h.store.Count(ctx, model.Projects, store.Filter{})
	if err != nil || n != 1 {
		t.Fatalf("project count = %d, %v; want 1", n, err)
	}
	got := h.get(t, model.Projects, rec.LocalID)
	if got.ServerID == nil || *got.ServerID != 42 || got.IsDirty {
		t.Errorf("record = %+v", got)
	}
}

func TestTriggerSync_LostAcknowledgementMatchesByLocalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.write(t, model.Projects, "L1", queue.ActionCreate, projectFields("Tower"))

	// The server stored the record but the answer never arrived.
	h.remote.pushErr = &remote.TransportError{Op: "push", Err: context.DeadlineExceeded}
	h.remote.pullResp = &remote.PullResponse{
		Changes: remote.Changes{
			string(model.Projects): {Created: []remote.WireRecord{{
				"id": int64(42), "local_id": "L1", "name": "Tower",
			}}},
		},
		Timestamp: 3000,
	}
	h.sync(t)

	n, _ := h.store.Count(ctx, model.Projects, store.Filter{})
	if n != 1 {
		t.Fatalf("project count = %d, want 1", n)
	}
	got := h.get(t, model.Projects, rec.LocalID)
	if got.ServerID == nil || *got.ServerID != 42 {
		t.Fatalf("server id = %v", got.ServerID)
	}

	// The retried entry now goes out as an update.
	h.remote.pushErr = nil
	h.remote.pullResp = nil
	h.sync(t)
	last := h.remote.pushes[len(h.remote.pushes)-1].Changes[string(model.Projects)]
	if len(last.Updated) != 1 || last.Updated[0]["id"] != int64(42) {
		t.Errorf("expected update of 42, got %+v", last)
	}
}

func TestApply_ServerWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	serverID := int64(7)
	var base *model.Record
	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		base, err = tx.Write(ctx, model.Projects, store.Mutation{
			Fields:   projectFields("Base"),
			Origin:   store.OriginServer,
			ServerID: &serverID,
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	h.write(t, model.Projects, base.LocalID, queue.ActionUpdate, map[string]any{"name": "Mine"})

	h.remote.pushErr = &remote.TransportError{Op: "push", Err: errors.New("down")}
	h.remote.pullResp = &remote.PullResponse{
		Changes: remote.Changes{
			string(model.Projects): {Updated: []remote.WireRecord{{"id": int64(7), "name": "Server"}}},
		},
		Timestamp: 5000,
	}
	h.sync(t)

	got := h.get(t, model.Projects, base.LocalID)
	if got.Fields["name"] != "Server" {
		t.Errorf("name = %v, server version should win", got.Fields["name"])
	}
	if !got.IsDirty {
		t.Error("queued local edit should keep the record dirty")
	}
}

func TestApply_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	changes := remote.Changes{
		string(model.Projects): {Created: []remote.WireRecord{{
			"id": int64(1), "name": "Tower", "project_type": "commercial", "status": "in_progress",
			"start_date": "2024-03-05T10:30:00Z",
		}}},
		string(model.Inspections): {Created: []remote.WireRecord{{
			"id": int64(5), "project_id": int64(1), "location": "Roof", "result": "passed",
			"inspection_date": "2024-03-06T08:00:00Z",
		}}},
	}

	if _, err := h.engine.apply(ctx, changes); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	first, _ := h.store.Query(ctx, model.Inspections, store.Filter{})

	if _, err := h.engine.apply(ctx, changes); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	second, _ := h.store.Query(ctx, model.Inspections, store.Filter{})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("inspection counts = %d, %d", len(first), len(second))
	}
	if !first[0].FieldsEqual(second[0].Fields) || first[0].LocalID != second[0].LocalID {
		t.Errorf("second apply changed the record: %+v vs %+v", first[0], second[0])
	}

	project, err := h.store.FindByServerID(ctx, model.Projects, 1)
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Fields["project_id"] != project.LocalID {
		t.Errorf("reference = %v, want %s", first[0].Fields["project_id"], project.LocalID)
	}
}

func TestApply_ServerDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created := remote.Changes{
		string(model.Projects): {Created: []remote.WireRecord{{"id": int64(3), "name": "Old"}}},
	}
	if _, err := h.engine.apply(ctx, created); err != nil {
		t.Fatal(err)
	}

	deleted := remote.Changes{string(model.Projects): {Deleted: []int64{3}}}
	if _, err := h.engine.apply(ctx, deleted); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.FindByServerID(ctx, model.Projects, 3); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record should be gone, err = %v", err)
	}

	// A stale copy arriving later does not resurrect it.
	if _, err := h.engine.apply(ctx, created); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.store.Count(ctx, model.Projects, store.Filter{IncludeDeleted: true}); n != 0 {
		t.Errorf("deleted record came back, count = %d", n)
	}
}

func TestTriggerSync_LocalDeleteOfSyncedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.write(t, model.Projects, "", queue.ActionCreate, projectFields("Tower"))
	h.sync(t)

	err := h.store.InTx(ctx, func(tx *store.Tx) error {
		marked, err := tx.MarkDeleted(ctx, model.Projects, rec.LocalID)
		if err != nil {
			return err
		}
		_, err = h.queue.EnqueueTx(ctx, tx, queue.Entry{
			EntityType:    model.Projects,
			EntityLocalID: rec.LocalID,
			Action:        queue.ActionDelete,
			Priority:      queue.DefaultPriority(model.Projects),
			EntityRev:     marked.Rev,
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	h.sync(t)

	last := h.remote.pushes[len(h.remote.pushes)-1].Changes[string(model.Projects)]
	if len(last.Deleted) != 1 || last.Deleted[0] != 42 {
		t.Errorf("expected delete of 42, got %+v", last)
	}
	if _, err := h.store.Get(ctx, model.Projects, rec.LocalID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row should be removed after the delete is confirmed, err = %v", err)
	}
}

func TestPullRequest_Migration(t *testing.T) {
	e := &Engine{opts: Options{SchemaVersion: 2}}

	req := e.pullRequest(store.Checkpoint{LastPulledAt: 10, SchemaVersion: 1})
	if req.Migration == nil || req.Migration.From != 1 {
		t.Errorf("expected migration from 1, got %+v", req.Migration)
	}

	for _, cp := range []store.Checkpoint{{SchemaVersion: 0}, {SchemaVersion: 2}} {
		if req := e.pullRequest(cp); req.Migration != nil {
			t.Errorf("unexpected migration for %+v", cp)
		}
	}
}

func TestTriggerSync_Progress(t *testing.T) {
	h := newHarness(t)
	var calls [][2]int
	h.engine.opts.OnProgress = func(done, total int) { calls = append(calls, [2]int{done, total}) }

	h.write(t, model.Projects, "", queue.ActionCreate, projectFields("A"))
	h.write(t, model.Projects, "", queue.ActionCreate, projectFields("B"))
	h.sync(t)

	if len(calls) != 2 || calls[1] != [2]int{2, 2} {
		t.Errorf("progress calls = %v", calls)
	}
}
