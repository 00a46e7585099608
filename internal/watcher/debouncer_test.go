package watcher

import (
	"testing"
	"time"
)

func TestDebouncer_SingleEvent(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Add("photos/L1/a.jpg", OpArrived)

	select {
	case event := <-d.Events():
		if event.Path != "photos/L1/a.jpg" {
			t.Errorf("expected path 'photos/L1/a.jpg', got %q", event.Path)
		}
		if event.Op != OpArrived {
			t.Errorf("expected OpArrived, got %v", event.Op)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timed out waiting for event")
	}
}

func TestDebouncer_CoalesceChunkedWrites(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	defer d.Stop()

	// A camera writing one file in chunks
	d.Add("a.jpg", OpArrived)
	d.Add("a.jpg", OpArrived)
	d.Add("a.jpg", OpArrived)

	eventCount := 0
	timeout := time.After(400 * time.Millisecond)

loop:
	for {
		select {
		case <-d.Events():
			eventCount++
		case <-timeout:
			break loop
		}
	}

	if eventCount != 1 {
		t.Errorf("expected 1 coalesced event, got %d", eventCount)
	}
}

func TestDebouncer_LastOpWins(t *testing.T) {
	tests := []struct {
		name string
		ops  []Op
		want Op
	}{
		{"arrived then removed", []Op{OpArrived, OpRemoved}, OpRemoved},
		{"removed then rewritten", []Op{OpRemoved, OpArrived}, OpArrived},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDebouncer(50 * time.Millisecond)
			defer d.Stop()

			for _, op := range tt.ops {
				d.Add("a.jpg", op)
			}

			select {
			case event := <-d.Events():
				if event.Op != tt.want {
					t.Errorf("got %v, want %v", event.Op, tt.want)
				}
			case <-time.After(500 * time.Millisecond):
				t.Error("timed out waiting for event")
			}
		})
	}
}

func TestDebouncer_MultipleFiles(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Add("photos/L1/a.jpg", OpArrived)
	d.Add("documents/P1/act.pdf", OpArrived)

	received := make(map[string]bool)
	timeout := time.After(500 * time.Millisecond)

loop:
	for {
		select {
		case event := <-d.Events():
			received[event.Path] = true
			if len(received) == 2 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}

	if !received["photos/L1/a.jpg"] || !received["documents/P1/act.pdf"] {
		t.Errorf("expected both files, got %v", received)
	}
}

func TestDebouncer_Flush(t *testing.T) {
	d := NewDebouncer(5 * time.Second)
	defer d.Stop()

	d.Add("a.jpg", OpArrived)

	if d.PendingCount() != 1 {
		t.Errorf("expected 1 pending, got %d", d.PendingCount())
	}

	d.Flush()

	select {
	case event := <-d.Events():
		if event.Path != "a.jpg" {
			t.Errorf("expected path 'a.jpg', got %q", event.Path)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("flush should emit immediately")
	}

	if d.PendingCount() != 0 {
		t.Errorf("expected 0 pending after flush, got %d", d.PendingCount())
	}
}

func TestDebouncer_StopClosesEvents(t *testing.T) {
	d := NewDebouncer(time.Hour)
	d.Add("a.jpg", OpArrived)
	d.Stop()
	d.Stop()

	if _, ok := <-d.Events(); ok {
		t.Error("expected closed channel after Stop")
	}

	// Adding after Stop is a no-op.
	d.Add("b.jpg", OpArrived)
	if d.PendingCount() != 0 {
		t.Errorf("pending after stop = %d", d.PendingCount())
	}
}

func TestOp_String(t *testing.T) {
	tests := []struct {
		op       Op
		expected string
	}{
		{OpArrived, "ARRIVED"},
		{OpRemoved, "REMOVED"},
		{Op(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if tt.op.String() != tt.expected {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, tt.op.String(), tt.expected)
		}
	}
}
