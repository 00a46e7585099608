// Package offline is the data API of the application. Every write lands in
// the local store and the outbound queue in one transaction and succeeds
// without network access.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/queue"
	"github.com/vonshlovens/fieldsync/internal/store"
	engine "github.com/vonshlovens/fieldsync/internal/sync"
)

var (
	// ErrInvalid wraps validation failures of a record
	ErrInvalid = errors.New("invalid record")
	// ErrMissingParent is returned when a reference names an absent row
	ErrMissingParent = errors.New("referenced record does not exist")
	// ErrHasChildren is returned when deleting a row other rows still reference
	ErrHasChildren = errors.New("record is still referenced")
)

// Syncer runs sync cycles
type Syncer interface {
	TriggerSync(ctx context.Context) (*engine.Result, error)
	Status(ctx context.Context) engine.Status
}

// Notifier receives urgent sync requests
type Notifier interface {
	Notify()
}

// Options configures a Service
type Options struct {
	// UrgentActions are offline action names that ask for an immediate sync
	UrgentActions []string
	Notifier      Notifier
}

// Service is the offline-first data API
type Service struct {
	store    *store.Store
	queue    *queue.Queue
	syncer   Syncer
	notifier Notifier
	urgent   map[string]bool
	validate *validator.Validate
}

// New creates the service. syncer may be nil for write-only use.
func New(st *store.Store, q *queue.Queue, syncer Syncer, opts Options) *Service {
	urgent := make(map[string]bool, len(opts.UrgentActions))
	for _, a := range opts.UrgentActions {
		urgent[normalizeAction(a)] = true
	}
	return &Service{
		store:    st,
		queue:    q,
		syncer:   syncer,
		notifier: opts.Notifier,
		urgent:   urgent,
		validate: validator.New(),
	}
}

// SetNotifier wires the urgent trigger after construction
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Create validates and stores a new entity
func (s *Service) Create(ctx context.Context, e model.Entity) (*model.Record, error) {
	fields, err := model.FieldsOf(e)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, e.EntityType(), "", fields, false)
}

// Update merges fields into an existing row
func (s *Service) Update(ctx context.Context, t model.EntityType, localID string, fields map[string]any) (*model.Record, error) {
	if localID == "" {
		return nil, fmt.Errorf("%w: update without local id", ErrInvalid)
	}
	return s.write(ctx, t, localID, fields, false)
}

// Delete removes a row. A row the server never saw is removed at once
// together with its queued entries; otherwise the row is hidden and a delete
// is queued.
func (s *Service) Delete(ctx context.Context, t model.EntityType, localID string) error {
	if _, err := model.Lookup(t); err != nil {
		return err
	}

	return s.store.InTx(ctx, func(tx *store.Tx) error {
		rec, err := tx.GetRecord(ctx, t, localID)
		if err != nil {
			return err
		}
		if rec.PendingDelete {
			return nil
		}
		if err := s.checkChildren(ctx, tx, t, localID); err != nil {
			return err
		}

		if rec.ServerID == nil {
			if err := tx.HardDelete(ctx, t, localID); err != nil {
				return err
			}
			_, err := s.queue.DiscardEntityTx(ctx, tx, t, localID)
			return err
		}

		rec, err = tx.MarkDeleted(ctx, t, localID)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(engine.DeletePayload{ServerID: rec.ServerID})
		if err != nil {
			return err
		}
		_, err = s.queue.EnqueueTx(ctx, tx, queue.Entry{
			EntityType:    t,
			EntityLocalID: localID,
			Action:        queue.ActionDelete,
			Payload:       string(payload),
			Priority:      queue.DefaultPriority(t),
			EntityRev:     rec.Rev,
		})
		return err
	})
}

// Get returns one row
func (s *Service) Get(ctx context.Context, t model.EntityType, localID string) (*model.Record, error) {
	return s.store.Get(ctx, t, localID)
}

// Load reads a row into a typed entity
func (s *Service) Load(ctx context.Context, localID string, dst model.Entity) error {
	rec, err := s.store.Get(ctx, dst.EntityType(), localID)
	if err != nil {
		return err
	}
	return model.Decode(rec, dst)
}

// Query returns the rows matching f
func (s *Service) Query(ctx context.Context, t model.EntityType, f store.Filter) ([]*model.Record, error) {
	return s.store.Query(ctx, t, f)
}

// Count returns the number of rows matching f
func (s *Service) Count(ctx context.Context, t model.EntityType, f store.Filter) (int, error) {
	return s.store.Count(ctx, t, f)
}

// Stats returns per-table sync counts
func (s *Service) Stats(ctx context.Context) ([]store.EntityStats, error) {
	return s.store.Stats(ctx)
}

// TriggerSync runs one sync cycle now
func (s *Service) TriggerSync(ctx context.Context) (*engine.Result, error) {
	if s.syncer == nil {
		return nil, errors.New("sync is not configured")
	}
	return s.syncer.TriggerSync(ctx)
}

// GetSyncStatus reports the sync state
func (s *Service) GetSyncStatus(ctx context.Context) engine.Status {
	if s.syncer == nil {
		st := engine.Status{State: engine.StateIdle}
		var err error
		if st.PendingCount, err = s.queue.Count(ctx); err != nil {
			slog.Warn("failed to count queue", "error", err)
			st.LastErrors = append(st.LastErrors, err.Error())
		}
		if st.DeadLetters, err = s.queue.DeadLetterCount(ctx); err != nil {
			slog.Warn("failed to count dead letters", "error", err)
			st.LastErrors = append(st.LastErrors, err.Error())
		}
		return st
	}
	return s.syncer.Status(ctx)
}

// write stores fields and queues the change. The payload is the full row
// after the write, so coalesced entries always carry every column.
func (s *Service) write(ctx context.Context, t model.EntityType, localID string, fields map[string]any, urgent bool) (*model.Record, error) {
	sc, err := model.Lookup(t)
	if err != nil {
		return nil, err
	}
	fields, err = sc.Normalize(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var rec *model.Record
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		merged := make(map[string]any, len(sc.Columns))
		action := queue.ActionCreate
		if localID != "" {
			existing, err := tx.GetRecord(ctx, t, localID)
			if err != nil {
				return err
			}
			for k, v := range existing.Fields {
				merged[k] = v
			}
			action = queue.ActionUpdate
		}
		for k, v := range fields {
			merged[k] = v
		}

		if err := s.check(ctx, tx, sc, merged); err != nil {
			return err
		}

		var err error
		rec, err = tx.Write(ctx, t, store.Mutation{LocalID: localID, Fields: fields, Origin: store.OriginLocal})
		if err != nil {
			return err
		}

		payload, err := queue.Payload(rec.Fields)
		if err != nil {
			return err
		}
		priority := queue.DefaultPriority(t)
		if urgent {
			priority = queue.UrgentPriority
		}
		_, err = s.queue.EnqueueTx(ctx, tx, queue.Entry{
			EntityType:    t,
			EntityLocalID: rec.LocalID,
			Action:        action,
			Payload:       payload,
			Priority:      priority,
			EntityRev:     rec.Rev,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// check validates the row as its typed entity and makes sure every
// reference points at a live row
func (s *Service) check(ctx context.Context, tx *store.Tx, sc *model.Schema, fields map[string]any) error {
	entity, err := model.New(sc.Type)
	if err != nil {
		return err
	}
	if err := model.Decode(&model.Record{Type: sc.Type, Fields: fields}, entity); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.validate.Struct(entity); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, sc.Type, err)
	}

	for _, col := range sc.References() {
		ref, _ := fields[col.Name].(string)
		if ref == "" {
			continue
		}
		parent, err := tx.GetRecord(ctx, col.Ref, ref)
		if errors.Is(err, store.ErrNotFound) || (err == nil && parent.PendingDelete) {
			return fmt.Errorf("%w: %s.%s = %s", ErrMissingParent, sc.Type, col.Name, ref)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkChildren(ctx context.Context, tx *store.Tx, t model.EntityType, localID string) error {
	for _, child := range model.All() {
		for _, col := range child.References() {
			if col.Ref != t {
				continue
			}
			rows, err := tx.QueryRecords(ctx, child.Type, store.Filter{Where: map[string]any{col.Name: localID}, Limit: 1})
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				return fmt.Errorf("%w: %s/%s by %s/%s", ErrHasChildren, t, localID, child.Type, rows[0].LocalID)
			}
		}
	}
	return nil
}
