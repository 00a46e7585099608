package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/queue"
	"github.com/vonshlovens/fieldsync/internal/remote"
	"github.com/vonshlovens/fieldsync/internal/store"
)

type entityKey struct {
	t  model.EntityType
	id string
}

type outcome int

const (
	outcomePushed outcome = iota
	outcomeDeferred
	outcomeFailed
)

// DeletePayload is the payload of a delete entry
type DeletePayload struct {
	ServerID *int64 `json:"server_id,omitempty"`
}

// push delivers the queue one entry at a time. Entries whose parent has no
// server id yet are deferred and retried as long as the pass makes progress.
// Once an entity fails, its later entries wait for the next cycle.
func (e *Engine) push(ctx context.Context, res *Result, lastPulledAt int64) error {
	entries, err := e.queue.PeekBatch(ctx, e.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	total := len(entries)
	done := 0
	failed := make(map[entityKey]bool)
	pending := entries

	for len(pending) > 0 {
		progress := false
		blocked := make(map[entityKey]bool)
		var next []queue.Entry

		for _, en := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := entityKey{en.EntityType, en.EntityLocalID}
			if failed[key] {
				continue
			}
			if blocked[key] {
				next = append(next, en)
				continue
			}

			out, err := e.pushEntry(ctx, en, lastPulledAt, res)
			if err != nil {
				return err
			}

			switch out {
			case outcomePushed:
				progress = true
				res.Pushed++
				done++
			case outcomeDeferred:
				blocked[key] = true
				next = append(next, en)
				continue
			case outcomeFailed:
				failed[key] = true
				res.Failed++
				done++
			}
			if e.opts.OnProgress != nil {
				e.opts.OnProgress(done, total)
			}
		}

		if !progress {
			res.Deferred = len(next)
			break
		}
		pending = next
	}

	if res.Deferred > 0 {
		slog.Info("entries deferred until their parents sync", "count", res.Deferred)
	}
	return nil
}

// pushEntry sends one entry. A returned error is a local failure that
// aborts the cycle; server failures are recorded on the entry.
func (e *Engine) pushEntry(ctx context.Context, en queue.Entry, lastPulledAt int64, res *Result) (outcome, error) {
	s, err := model.Lookup(en.EntityType)
	if err != nil {
		return e.recordFailure(ctx, en, err, res)
	}

	rec, err := e.store.Get(ctx, en.EntityType, en.EntityLocalID)
	if errors.Is(err, store.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return 0, err
	}

	var serverID *int64
	if rec != nil {
		serverID = rec.ServerID
	}

	var changes remote.TableChanges
	created := false

	switch en.Action {
	case queue.ActionDelete:
		if serverID == nil {
			var p DeletePayload
			if err := json.Unmarshal([]byte(en.Payload), &p); err == nil {
				serverID = p.ServerID
			}
		}
		if serverID == nil {
			// The server never saw the record.
			return e.finishLocally(ctx, en, rec)
		}
		changes.Deleted = []int64{*serverID}

	case queue.ActionCreate, queue.ActionUpdate:
		if rec == nil {
			return e.finishLocally(ctx, en, nil)
		}

		fields, err := en.Fields()
		if err != nil {
			return e.recordFailure(ctx, en, err, res)
		}
		if err := e.attachBlob(ctx, s, rec, fields); err != nil {
			return e.recordFailure(ctx, en, err, res)
		}

		w, err := remote.ToWire(s, fields, e.resolveRef(ctx))
		var unresolved *remote.ErrUnresolvedRef
		if errors.As(err, &unresolved) {
			slog.Debug("deferring entry", "entry", en.ID, "entity", en.EntityType, "reason", unresolved.Error())
			return outcomeDeferred, nil
		}
		if err != nil {
			return e.recordFailure(ctx, en, err, res)
		}
		w["updated_at"] = remote.FormatTimestamp(rec.UpdatedAt)

		if serverID == nil {
			created = true
			w["local_id"] = rec.LocalID
			w["created_at"] = remote.FormatTimestamp(rec.CreatedAt)
			changes.Created = []remote.WireRecord{w}
		} else {
			w["id"] = *serverID
			changes.Updated = []remote.WireRecord{w}
		}

	default:
		return e.recordFailure(ctx, en, fmt.Errorf("unknown action %q", en.Action), res)
	}

	resp, err := e.remote.Push(ctx, remote.PushRequest{
		Changes:      remote.Changes{string(en.EntityType): changes},
		LastPulledAt: lastPulledAt,
	})
	if err != nil {
		return e.recordFailure(ctx, en, err, res)
	}

	switch {
	case en.Action == queue.ActionDelete:
		err = e.confirmDelete(ctx, en, rec, *serverID)
	case created:
		id, ok := resp.ServerID(string(en.EntityType), en.EntityLocalID)
		if !ok {
			return e.recordFailure(ctx, en, errors.New("server did not return an id for created record"), res)
		}
		err = e.confirm(ctx, en, id, true)
	default:
		err = e.confirm(ctx, en, *serverID, false)
	}
	if err != nil {
		return 0, err
	}

	slog.Debug("pushed entry", "entry", en.ID, "entity", en.EntityType, "local_id", en.EntityLocalID, "action", en.Action)
	return outcomePushed, nil
}

// confirm acknowledges a pushed create or update
func (e *Engine) confirm(ctx context.Context, en queue.Entry, serverID int64, created bool) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		removed, err := e.queue.RemoveTx(ctx, tx, en.ID, en.EntityRev)
		if err != nil {
			return err
		}
		if !removed && created {
			// The entry absorbed a newer edit; the server now knows the
			// record, so what is left to send is an update.
			if err := e.queue.ConvertToUpdateTx(ctx, tx, en.ID); err != nil {
				return err
			}
		}

		pending, err := e.queue.PendingForTx(ctx, tx, en.EntityType, en.EntityLocalID)
		if err != nil {
			return err
		}

		exists, err := tx.ConfirmPush(ctx, en.EntityType, en.EntityLocalID, serverID, en.EntityRev, len(pending) == 0)
		if err != nil {
			return err
		}
		if exists || !created {
			return nil
		}

		// Deleted locally while the create was in flight.
		payload, err := json.Marshal(DeletePayload{ServerID: &serverID})
		if err != nil {
			return err
		}
		_, err = e.queue.EnqueueTx(ctx, tx, queue.Entry{
			EntityType:    en.EntityType,
			EntityLocalID: en.EntityLocalID,
			Action:        queue.ActionDelete,
			Payload:       string(payload),
			Priority:      queue.DefaultPriority(en.EntityType),
		})
		return err
	})
}

func (e *Engine) confirmDelete(ctx context.Context, en queue.Entry, rec *model.Record, serverID int64) error {
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		if rec != nil {
			if err := tx.HardDelete(ctx, en.EntityType, rec.LocalID); err != nil {
				return err
			}
		}
		if err := tx.AddTombstone(ctx, en.EntityType, serverID); err != nil {
			return err
		}
		if _, err := e.queue.DiscardEntityTx(ctx, tx, en.EntityType, en.EntityLocalID); err != nil {
			return err
		}
		return nil
	})
}

// finishLocally settles an entry that needs no server round trip
func (e *Engine) finishLocally(ctx context.Context, en queue.Entry, rec *model.Record) (outcome, error) {
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if rec != nil && en.Action == queue.ActionDelete {
			if err := tx.HardDelete(ctx, en.EntityType, rec.LocalID); err != nil {
				return err
			}
		}
		_, err := e.queue.RemoveTx(ctx, tx, en.ID, -1)
		return err
	})
	if err != nil {
		return 0, err
	}
	return outcomePushed, nil
}

func (e *Engine) recordFailure(ctx context.Context, en queue.Entry, cause error, res *Result) (outcome, error) {
	dead, err := e.queue.RecordFailure(ctx, en.ID, cause.Error())
	if err != nil {
		return 0, err
	}

	slog.Warn("push failed",
		"entry", en.ID,
		"entity", en.EntityType,
		"local_id", en.EntityLocalID,
		"action", en.Action,
		"retry", en.RetryCount+1,
		"error", cause,
	)

	if dead {
		res.DeadLettered++
		e.status.addError(fmt.Errorf("%s %s/%s dead-lettered: %w", en.Action, en.EntityType, en.EntityLocalID, cause))
	} else {
		e.status.addError(fmt.Errorf("%s %s/%s: %w", en.Action, en.EntityType, en.EntityLocalID, cause))
	}
	return outcomeFailed, nil
}

func (e *Engine) resolveRef(ctx context.Context) remote.RefResolver {
	return func(t model.EntityType, localID string) (*int64, error) {
		rec, err := e.store.Get(ctx, t, localID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("referenced %s/%s does not exist", t, localID)
			}
			return nil, err
		}
		return rec.ServerID, nil
	}
}

// attachBlob uploads the local file of a photo or document row and fills
// file_path with the remote key.
func (e *Engine) attachBlob(ctx context.Context, s *model.Schema, rec *model.Record, fields map[string]any) error {
	if e.opts.Uploader == nil || !s.HasColumn("local_uri") || !s.HasColumn("file_path") {
		return nil
	}

	if key, _ := rec.Fields["file_path"].(string); key != "" {
		fields["file_path"] = key
		return nil
	}
	if key, _ := fields["file_path"].(string); key != "" {
		return nil
	}

	uri, _ := rec.Fields["local_uri"].(string)
	if uri == "" {
		return nil
	}

	key, err := e.opts.Uploader.Upload(ctx, s.Type, uri)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", uri, err)
	}
	fields["file_path"] = key

	return e.store.InTx(ctx, func(tx *store.Tx) error {
		return tx.SetColumns(ctx, s.Type, rec.LocalID, map[string]any{"file_path": key})
	})
}
