package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vonshlovens/fieldsync/internal/conflict"
	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/remote"
	"github.com/vonshlovens/fieldsync/internal/store"
)

// apply writes a pull response in one transaction: upserts parents first,
// deletes children first. Applying the same response twice leaves the store
// unchanged.
func (e *Engine) apply(ctx context.Context, changes remote.Changes) (int, error) {
	for name := range changes {
		if _, err := model.Lookup(model.EntityType(name)); err != nil {
			slog.Warn("ignoring changes for unknown table", "table", name)
		}
	}

	schemas := model.All()
	applied := 0

	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		applied = 0

		for _, s := range schemas {
			tc := changes[string(s.Type)]
			for _, list := range [][]remote.WireRecord{tc.Created, tc.Updated} {
				for _, w := range list {
					n, err := e.applyRecord(ctx, tx, s, w)
					if err != nil {
						return err
					}
					applied += n
				}
			}
		}

		for i := len(schemas) - 1; i >= 0; i-- {
			s := schemas[i]
			for _, id := range changes[string(s.Type)].Deleted {
				n, err := e.applyDelete(ctx, tx, s, id)
				if err != nil {
					return err
				}
				applied += n
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (e *Engine) applyRecord(ctx context.Context, tx *store.Tx, s *model.Schema, w remote.WireRecord) (int, error) {
	in, err := remote.FromWire(s, w)
	if err != nil {
		return 0, err
	}

	gone, err := tx.IsTombstoned(ctx, s.Type, in.ServerID)
	if err != nil {
		return 0, err
	}
	if gone {
		slog.Debug("skipping deleted record", "entity", s.Type, "server_id", in.ServerID)
		return 0, nil
	}

	local, err := e.matchLocal(ctx, tx, s.Type, in)
	if err != nil {
		return 0, err
	}

	for col, ref := range in.Refs {
		if ref == nil {
			in.Fields[col] = nil
			continue
		}
		c, _ := s.Column(col)
		parent, err := tx.FindByServerID(ctx, c.Ref, *ref)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("unresolved reference in server record",
				"entity", s.Type, "server_id", in.ServerID, "column", col, "target", c.Ref, "target_id", *ref)
			in.Fields[col] = nil
			continue
		}
		if err != nil {
			return 0, err
		}
		in.Fields[col] = parent.LocalID
	}

	hasPending := false
	if local != nil {
		pending, err := e.queue.PendingForTx(ctx, tx, s.Type, local.LocalID)
		if err != nil {
			return 0, err
		}
		hasPending = len(pending) > 0
	}

	serverID := in.ServerID
	d := conflict.Resolve(local, &model.Record{Type: s.Type, ServerID: &serverID, Fields: in.Fields}, hasPending)

	switch d.Action {
	case conflict.Insert:
		localID := in.LocalID
		if local == nil && localID != "" {
			// The echoed local id may belong to an unrelated row here.
			if _, err := tx.GetRecord(ctx, s.Type, localID); err == nil {
				localID = ""
			} else if !errors.Is(err, store.ErrNotFound) {
				return 0, err
			}
		}
		_, err = tx.Write(ctx, s.Type, store.Mutation{
			LocalID:    localID,
			Fields:     d.Fields,
			Origin:     store.OriginServer,
			ServerID:   &serverID,
			ClearDirty: true,
			CreatedAt:  in.CreatedAt,
			UpdatedAt:  in.UpdatedAt,
		})

	case conflict.Update:
		if d.Overwrote {
			slog.Info("local changes overwritten by server", "entity", s.Type, "local_id", local.LocalID, "server_id", serverID)
		}
		_, err = tx.Write(ctx, s.Type, store.Mutation{
			LocalID:    local.LocalID,
			Fields:     d.Fields,
			Origin:     store.OriginServer,
			ServerID:   &serverID,
			ClearDirty: d.ClearDirty,
			UpdatedAt:  in.UpdatedAt,
		})

	default:
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// matchLocal finds the local row for a server record: by server id, or by
// the echoed local id when the push acknowledgement was lost.
func (e *Engine) matchLocal(ctx context.Context, tx *store.Tx, t model.EntityType, in *remote.Incoming) (*model.Record, error) {
	local, err := tx.FindByServerID(ctx, t, in.ServerID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if in.LocalID == "" {
		return nil, nil
	}

	local, err = tx.GetRecord(ctx, t, in.LocalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if local.ServerID != nil && *local.ServerID != in.ServerID {
		return nil, nil
	}
	return local, nil
}

func (e *Engine) applyDelete(ctx context.Context, tx *store.Tx, s *model.Schema, serverID int64) (int, error) {
	if err := tx.AddTombstone(ctx, s.Type, serverID); err != nil {
		return 0, err
	}

	local, err := tx.FindByServerID(ctx, s.Type, serverID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	pending, err := e.queue.PendingForTx(ctx, tx, s.Type, local.LocalID)
	if err != nil {
		return 0, err
	}

	d := conflict.Resolve(local, nil, len(pending) > 0)
	if d.DiscardPending {
		if _, err := e.queue.DiscardEntityTx(ctx, tx, s.Type, local.LocalID); err != nil {
			return 0, err
		}
	}
	if d.Overwrote {
		slog.Info("local changes dropped, record deleted on server", "entity", s.Type, "local_id", local.LocalID, "server_id", serverID)
	}

	if err := tx.HardDelete(ctx, s.Type, local.LocalID); err != nil {
		return 0, err
	}
	return 1, nil
}
