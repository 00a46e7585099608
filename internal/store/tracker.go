package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/vonshlovens/fieldsync/internal/model"
)

// Tracker stamps sync bookkeeping onto every write before it reaches disk.
// It runs inside the write's transaction; an error aborts the write.
type Tracker struct {
	now   func() time.Time
	newID func() string
}

// OnWrite updates the bookkeeping of rec for mutation m
func (t *Tracker) OnWrite(rec *model.Record, m Mutation, inserting bool) error {
	now := t.now().UnixMilli()

	if rec.LocalID == "" {
		if !inserting {
			return errors.New("existing record without local id")
		}
		rec.LocalID = t.newID()
	}

	switch m.Origin {
	case OriginLocal:
		if inserting {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.IsDirty = true
		rec.Rev++

	case OriginServer:
		if m.ServerID == nil {
			return errors.New("server write without server id")
		}
		if rec.ServerID != nil && *rec.ServerID != *m.ServerID {
			return fmt.Errorf("server id mismatch: row has %d, write has %d", *rec.ServerID, *m.ServerID)
		}
		id := *m.ServerID
		rec.ServerID = &id
		rec.SyncedAt = &now

		if inserting {
			rec.CreatedAt = orNow(m.CreatedAt, now)
		}
		rec.UpdatedAt = orNow(m.UpdatedAt, now)
		if inserting || m.ClearDirty {
			rec.IsDirty = false
		}

	default:
		return fmt.Errorf("unknown write origin %d", m.Origin)
	}

	return nil
}

// OnDelete stamps a local delete
func (t *Tracker) OnDelete(rec *model.Record) {
	rec.UpdatedAt = t.now().UnixMilli()
	rec.IsDirty = true
	rec.Rev++
}

func orNow(v, now int64) int64 {
	if v > 0 {
		return v
	}
	return now
}
