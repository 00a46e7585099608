package conflict

import (
	"testing"

	"github.com/vonshlovens/fieldsync/internal/model"
)

func rec(dirty bool, fields map[string]any) *model.Record {
	id := int64(42)
	return &model.Record{Type: model.Projects, LocalID: "L1", ServerID: &id, IsDirty: dirty, Fields: fields}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		local      *model.Record
		server     *model.Record
		pending    bool
		action     Action
		clearDirty bool
		discard    bool
		wantName   any
	}{
		{
			name:   "unknown on both sides",
			action: Skip,
		},
		{
			name:       "new from server",
			server:     rec(false, map[string]any{"name": "S"}),
			action:     Insert,
			clearDirty: true,
			wantName:   "S",
		},
		{
			name:       "clean local differs",
			local:      rec(false, map[string]any{"name": "L"}),
			server:     rec(false, map[string]any{"name": "S"}),
			action:     Update,
			clearDirty: true,
			wantName:   "S",
		},
		{
			name:       "dirty local with queued edit keeps dirty flag",
			local:      rec(true, map[string]any{"name": "L"}),
			server:     rec(false, map[string]any{"name": "S"}),
			pending:    true,
			action:     Update,
			clearDirty: false,
			wantName:   "S",
		},
		{
			name:       "dirty local without queued edit is overwritten",
			local:      rec(true, map[string]any{"name": "L"}),
			server:     rec(false, map[string]any{"name": "S"}),
			action:     Update,
			clearDirty: true,
			wantName:   "S",
		},
		{
			name:       "identical versions",
			local:      rec(false, map[string]any{"name": "S"}),
			server:     rec(false, map[string]any{"name": "S"}),
			action:     Update,
			clearDirty: true,
		},
		{
			name:    "server delete discards pending edits",
			local:   rec(true, map[string]any{"name": "L"}),
			pending: true,
			action:  Delete,
			discard: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(tt.local, tt.server, tt.pending)
			if d.Action != tt.action {
				t.Errorf("action = %v, want %v", d.Action, tt.action)
			}
			if d.ClearDirty != tt.clearDirty {
				t.Errorf("clearDirty = %v, want %v", d.ClearDirty, tt.clearDirty)
			}
			if d.DiscardPending != tt.discard {
				t.Errorf("discardPending = %v, want %v", d.DiscardPending, tt.discard)
			}
			if tt.wantName != nil && d.Fields["name"] != tt.wantName {
				t.Errorf("name = %v, want %v", d.Fields["name"], tt.wantName)
			}
		})
	}
}

func TestResolve_Overwrote(t *testing.T) {
	d := Resolve(rec(true, map[string]any{"name": "L"}), rec(false, map[string]any{"name": "S"}), true)
	if !d.Overwrote {
		t.Error("expected local version to be reported as overwritten")
	}

	d = Resolve(rec(false, map[string]any{"name": "L"}), rec(false, map[string]any{"name": "S"}), false)
	if d.Overwrote {
		t.Error("clean local rows are not conflicts")
	}
}

func TestAction_String(t *testing.T) {
	if Insert.String() != "insert" || Action(99).String() != "unknown" {
		t.Error("unexpected action names")
	}
}
