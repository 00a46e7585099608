package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/remote"
)

// ValidationError rejects a push the server cannot accept. It maps to 422.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Pull collects the changes written after lastPulledAt. Tables named by the
// migration are returned in full as created records.
func (s *Server) Pull(ctx context.Context, lastPulledAt int64, migration *remote.Migration) (*remote.PullResponse, error) {
	var full []string
	if migration != nil {
		for _, t := range migration.Tables {
			if _, err := model.Lookup(model.EntityType(t)); err == nil {
				full = append(full, t)
			}
		}
	}
	fullSet := make(map[string]bool, len(full))
	for _, t := range full {
		fullSet[t] = true
	}

	records, clock, err := s.backend.Since(ctx, lastPulledAt, full)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}

	changes := remote.Changes{}
	for _, sc := range model.All() {
		changes[string(sc.Type)] = remote.TableChanges{
			Created: []remote.WireRecord{},
			Updated: []remote.WireRecord{},
			Deleted: []int64{},
		}
	}

	for i := range records {
		rec := &records[i]
		tc, ok := changes[rec.Table]
		if !ok {
			continue
		}
		switch {
		case rec.Deleted:
			// A fresh client has nothing to delete.
			if lastPulledAt > 0 {
				tc.Deleted = append(tc.Deleted, rec.ID)
			}
		case rec.CreatedSeq > lastPulledAt || fullSet[rec.Table]:
			tc.Created = append(tc.Created, toWire(rec))
		default:
			tc.Updated = append(tc.Updated, toWire(rec))
		}
		changes[rec.Table] = tc
	}

	if clock < lastPulledAt {
		clock = lastPulledAt
	}
	return &remote.PullResponse{Changes: changes, Timestamp: clock}, nil
}

// Push applies a client's changes in one transaction and returns the ids of
// created records. A record whose local id the server already holds is
// treated as a retry and answered with the existing id.
func (s *Server) Push(ctx context.Context, req remote.PushRequest) (*remote.PushResponse, int, error) {
	for table := range req.Changes {
		if _, err := model.Lookup(model.EntityType(table)); err != nil {
			return nil, 0, invalid("unknown table %q", table)
		}
	}

	resp := &remote.PushResponse{IDs: map[string]map[string]int64{}}
	written := 0

	err := s.backend.Update(ctx, func(tx Tx) error {
		written = 0
		schemas := model.All()

		for _, sc := range schemas {
			table := string(sc.Type)
			tc, ok := req.Changes[table]
			if !ok {
				continue
			}
			for _, w := range tc.Created {
				id, changed, err := s.create(ctx, tx, sc, w)
				if err != nil {
					return err
				}
				if resp.IDs[table] == nil {
					resp.IDs[table] = map[string]int64{}
				}
				resp.IDs[table][w["local_id"].(string)] = id
				if changed {
					written++
				}
			}
			for _, w := range tc.Updated {
				changed, err := s.update(ctx, tx, sc, w)
				if err != nil {
					return err
				}
				if changed {
					written++
				}
			}
		}

		for i := len(schemas) - 1; i >= 0; i-- {
			table := string(schemas[i].Type)
			for _, id := range req.Changes[table].Deleted {
				changed, err := s.delete(ctx, tx, table, id)
				if err != nil {
					return err
				}
				if changed {
					written++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return resp, written, nil
}

func (s *Server) create(ctx context.Context, tx Tx, sc *model.Schema, w remote.WireRecord) (int64, bool, error) {
	localID, _ := w["local_id"].(string)
	if localID == "" {
		return 0, false, invalid("%s record created without local_id", sc.Type)
	}

	fields, err := sanitize(ctx, tx, sc, w)
	if err != nil {
		return 0, false, err
	}

	existing, err := tx.GetByLocalID(ctx, string(sc.Type), localID)
	switch {
	case err == nil:
		if existing.Deleted {
			return existing.ID, false, nil
		}
		slog.Debug("duplicate create", "table", sc.Type, "local_id", localID, "id", existing.ID)
		merge(existing.Fields, fields)
		if err := tx.Save(ctx, existing); err != nil {
			return 0, false, fmt.Errorf("failed to update %s/%d: %w", sc.Type, existing.ID, err)
		}
		return existing.ID, true, nil
	case !errors.Is(err, ErrNotFound):
		return 0, false, fmt.Errorf("failed to look up %s local id: %w", sc.Type, err)
	}

	rec := &Record{Table: string(sc.Type), LocalID: localID, Fields: fields}
	if err := tx.Insert(ctx, rec); err != nil {
		return 0, false, fmt.Errorf("failed to insert %s: %w", sc.Type, err)
	}
	return rec.ID, true, nil
}

func (s *Server) update(ctx context.Context, tx Tx, sc *model.Schema, w remote.WireRecord) (bool, error) {
	id, err := wireID(w["id"])
	if err != nil {
		return false, invalid("%s update without a valid id", sc.Type)
	}

	existing, err := tx.Get(ctx, string(sc.Type), id)
	if errors.Is(err, ErrNotFound) {
		return false, invalid("%s/%d does not exist", sc.Type, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s/%d: %w", sc.Type, id, err)
	}
	if existing.Deleted {
		// The deletion wins; the client learns about it on pull.
		return false, nil
	}

	fields, err := sanitize(ctx, tx, sc, w)
	if err != nil {
		return false, err
	}
	merge(existing.Fields, fields)
	if err := tx.Save(ctx, existing); err != nil {
		return false, fmt.Errorf("failed to update %s/%d: %w", sc.Type, id, err)
	}
	return true, nil
}

func (s *Server) delete(ctx context.Context, tx Tx, table string, id int64) (bool, error) {
	existing, err := tx.Get(ctx, table, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s/%d: %w", table, id, err)
	}
	if existing.Deleted {
		return false, nil
	}
	existing.Deleted = true
	if err := tx.Save(ctx, existing); err != nil {
		return false, fmt.Errorf("failed to delete %s/%d: %w", table, id, err)
	}
	return true, nil
}

// sanitize checks a wire record against the schema and returns its fields in
// canonical wire form. References must point at live rows.
func sanitize(ctx context.Context, tx Tx, sc *model.Schema, w remote.WireRecord) (map[string]any, error) {
	out := make(map[string]any, len(w))
	for name, v := range w {
		switch name {
		case "id", "local_id", "created_at", "updated_at":
			continue
		}

		col, ok := sc.Column(name)
		if !ok {
			return nil, invalid("unknown field %s.%s", sc.Type, name)
		}
		if col.LocalOnly {
			continue
		}
		if v == nil {
			out[name] = nil
			continue
		}

		switch {
		case col.Kind == model.KindReference:
			ref, err := wireID(v)
			if err != nil {
				return nil, invalid("invalid reference %s.%s", sc.Type, name)
			}
			parent, err := tx.Get(ctx, string(col.Ref), ref)
			if errors.Is(err, ErrNotFound) || (err == nil && parent.Deleted) {
				return nil, invalid("%s.%s references missing %s/%d", sc.Type, name, col.Ref, ref)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to check %s/%d: %w", col.Ref, ref, err)
			}
			out[name] = ref

		case col.Kind == model.KindTimestamp || remote.IsTimestampField(name):
			ms, err := remote.ParseTimestamp(v)
			if err != nil {
				return nil, invalid("invalid %s.%s: %v", sc.Type, name, err)
			}
			out[name] = remote.FormatTimestamp(ms)

		default:
			norm, err := sc.Normalize(map[string]any{name: v})
			if err != nil {
				return nil, invalid("%v", err)
			}
			out[name] = norm[name]
		}
	}
	return out, nil
}

func toWire(rec *Record) remote.WireRecord {
	w := make(remote.WireRecord, len(rec.Fields)+4)
	for k, v := range rec.Fields {
		w[k] = v
	}
	w["id"] = rec.ID
	if rec.LocalID != "" {
		w["local_id"] = rec.LocalID
	}
	w["created_at"] = remote.FormatTimestamp(rec.CreatedAt)
	w["updated_at"] = remote.FormatTimestamp(rec.UpdatedAt)
	return w
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func wireID(v any) (int64, error) {
	var id int64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, err
		}
		id = n
	case float64:
		id = int64(x)
	case int64:
		id = x
	case int:
		id = int64(x)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid id %d", id)
	}
	return id, nil
}
