// Package conflict decides how a server change lands on the local copy of a record.
//
// The server is authoritative: whenever both sides hold a version and they
// differ, the server's fields are applied. A local edit that is still queued
// keeps its dirty flag so the next push resends it.
package conflict

import "github.com/vonshlovens/fieldsync/internal/model"

// Action is what the apply step must do with a server change
type Action int

const (
	// Skip leaves the local row as is
	Skip Action = iota
	// Insert creates the row from the server version
	Insert
	// Update overwrites local fields with the server version
	Update
	// Delete removes the local row
	Delete
)

func (a Action) String() string {
	switch a {
	case Skip:
		return "skip"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Decision is the outcome of resolving one record
type Decision struct {
	Action Action
	// Fields to write for Insert and Update
	Fields map[string]any
	// ClearDirty is set when the write leaves the row in sync with the server
	ClearDirty bool
	// DiscardPending drops the queued local changes of the record
	DiscardPending bool
	// Overwrote is set when a differing local version lost to the server
	Overwrote bool
}

// Resolve decides the fate of one record. local is nil when the record is
// unknown locally; server is nil when the server deleted it. hasPending tells
// whether the local record still has live queue entries.
func Resolve(local, server *model.Record, hasPending bool) Decision {
	switch {
	case local == nil && server == nil:
		return Decision{Action: Skip}

	case local == nil:
		return Decision{Action: Insert, Fields: server.Fields, ClearDirty: true}

	case server == nil:
		return Decision{
			Action:         Delete,
			DiscardPending: hasPending,
			Overwrote:      local.IsDirty,
		}
	}

	keepLocal := local.IsDirty && hasPending
	same := local.FieldsEqual(server.Fields)

	if same && !keepLocal {
		// Nothing to write beyond acknowledging the record.
		return Decision{Action: Update, Fields: map[string]any{}, ClearDirty: true}
	}

	return Decision{
		Action:     Update,
		Fields:     server.Fields,
		ClearDirty: !keepLocal,
		Overwrote:  local.IsDirty && !same,
	}
}
