// Package queue is the durable outbound change queue.
//
// Entries live in the sync_queue table of the local store and are written in
// the same transaction as the domain change they describe. Entries for one
// entity are delivered in creation order; across entities the order is
// (priority, entry_id). After MaxRetries failed deliveries an entry is moved
// to the dead-letter state, where it stays until requeued or discarded.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/vonshlovens/fieldsync/internal/model"
	"github.com/vonshlovens/fieldsync/internal/store"
)

// DefaultMaxRetries is the failure ceiling before an entry is dead-lettered
const DefaultMaxRetries = 5

// UrgentPriority sorts before every default priority
const UrgentPriority = -1

// ErrNotFound is returned for unknown entry ids
var ErrNotFound = errors.New("queue entry not found")

// Action is the kind of change an entry carries
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entry is one pending outbound change
type Entry struct {
	ID            int64            `db:"entry_id"`
	EntityType    model.EntityType `db:"entity_type"`
	EntityLocalID string           `db:"entity_local_id"`
	Action        Action           `db:"action"`
	Payload       string           `db:"payload"`
	Priority      int              `db:"priority"`
	RetryCount    int              `db:"retry_count"`
	LastError     *string          `db:"last_error"`
	EntityRev     int64            `db:"entity_rev"`
	CreatedAt     int64            `db:"created_at"`
	UpdatedAt     int64            `db:"updated_at"`
	DeadAt        *int64           `db:"dead_at"`
}

// Dead reports whether the entry was dead-lettered
func (e *Entry) Dead() bool {
	return e.DeadAt != nil
}

// Fields decodes the payload snapshot
func (e *Entry) Fields() (map[string]any, error) {
	return model.DecodePayload(e.EntityType, []byte(e.Payload))
}

// Queue is the outbound change queue
type Queue struct {
	store      *store.Store
	maxRetries int
}

// New creates a queue on top of the local store
func New(s *store.Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{store: s, maxRetries: maxRetries}
}

// MaxRetries returns the failure ceiling
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// DefaultPriority orders parents before children
func DefaultPriority(t model.EntityType) int {
	s, err := model.Lookup(t)
	if err != nil {
		return 0
	}
	return s.Level
}

// Payload encodes a field snapshot for an entry
func Payload(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

// Enqueue adds an entry in its own transaction
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := q.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, e)
		return err
	})
	return id, err
}

// EnqueueTx adds an entry inside an existing transaction, collapsing it into
// the entity's pending entries where possible:
//
//   - update after a pending create or update replaces that entry's payload
//   - delete after a pending delete is a no-op
//   - delete after a pending create discards every pending entry of the
//     entity (the server never saw it) and returns 0
//   - delete after pending updates replaces them with the delete
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Tx, e Entry) (int64, error) {
	if _, err := model.Lookup(e.EntityType); err != nil {
		return 0, err
	}
	if e.EntityLocalID == "" {
		return 0, errors.New("queue entry without entity id")
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}

	pending, err := q.PendingForTx(ctx, tx, e.EntityType, e.EntityLocalID)
	if err != nil {
		return 0, err
	}

	now := tx.Now()

	switch e.Action {
	case ActionCreate, ActionUpdate:
		if last := lastOf(pending); last != nil && last.Action != ActionDelete {
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_queue SET payload = ?, entity_rev = ?, priority = min(priority, ?), updated_at = ?
				WHERE entry_id = ?`,
				e.Payload, e.EntityRev, e.Priority, now, last.ID)
			if err != nil {
				return 0, fmt.Errorf("failed to coalesce queue entry: %w", err)
			}
			slog.Debug("coalesced queue entry", "entry", last.ID, "entity", e.EntityType, "action", last.Action)
			return last.ID, nil
		}

	case ActionDelete:
		for _, p := range pending {
			if p.Action == ActionDelete {
				return p.ID, nil
			}
		}
		for _, p := range pending {
			if p.Action == ActionCreate {
				if _, err := q.DiscardEntityTx(ctx, tx, e.EntityType, e.EntityLocalID); err != nil {
					return 0, err
				}
				return 0, nil
			}
		}
		if len(pending) > 0 {
			if _, err := q.DiscardEntityTx(ctx, tx, e.EntityType, e.EntityLocalID); err != nil {
				return 0, err
			}
		}

	default:
		return 0, fmt.Errorf("unknown queue action %q", e.Action)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (
			entity_type, entity_local_id, action, payload, priority, entity_rev, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.EntityType), e.EntityLocalID, string(e.Action), e.Payload, e.Priority, e.EntityRev, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", e.Action, e.EntityType, err)
	}
	return res.LastInsertId()
}

// PeekBatch returns up to max pending entries ordered by priority, then creation
func (q *Queue) PeekBatch(ctx context.Context, max int) ([]Entry, error) {
	query := `SELECT * FROM sync_queue WHERE dead_at IS NULL ORDER BY priority, entry_id`
	var args []any
	if max > 0 {
		query += ` LIMIT ?`
		args = append(args, max)
	}

	var entries []Entry
	if err := sqlx.SelectContext(ctx, q.db(), &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return entries, nil
}

// Get returns one entry
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	var entries []Entry
	if err := sqlx.SelectContext(ctx, q.db(), &entries, `SELECT * FROM sync_queue WHERE entry_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to read queue entry: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return &entries[0], nil
}

// PendingForTx returns the live entries of one entity in delivery order
func (q *Queue) PendingForTx(ctx context.Context, tx *store.Tx, t model.EntityType, localID string) ([]Entry, error) {
	var entries []Entry
	err := tx.SelectContext(ctx, &entries, `
		SELECT * FROM sync_queue
		WHERE entity_type = ? AND entity_local_id = ? AND dead_at IS NULL
		ORDER BY entry_id`, string(t), localID)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending entries: %w", err)
	}
	return entries, nil
}

// Remove deletes an entry
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.store.InTx(ctx, func(tx *store.Tx) error {
		_, err := q.RemoveTx(ctx, tx, id, -1)
		return err
	})
}

// RemoveTx deletes an entry. With rev >= 0 the entry is only removed if its
// entity_rev still matches, so an entry that absorbed a newer edit while it
// was being delivered survives. It reports whether a row was removed.
func (q *Queue) RemoveTx(ctx context.Context, tx *store.Tx, id, rev int64) (bool, error) {
	query := `DELETE FROM sync_queue WHERE entry_id = ?`
	args := []any{id}
	if rev >= 0 {
		query += ` AND entity_rev = ?`
		args = append(args, rev)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to remove queue entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ConvertToUpdateTx turns a delivered create into an update
func (q *Queue) ConvertToUpdateTx(ctx context.Context, tx *store.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET action = ?, updated_at = ? WHERE entry_id = ? AND action = ?`,
		string(ActionUpdate), tx.Now(), id, string(ActionCreate))
	if err != nil {
		return fmt.Errorf("failed to convert queue entry %d: %w", id, err)
	}
	return nil
}

// DiscardEntityTx removes every live entry of an entity
func (q *Queue) DiscardEntityTx(ctx context.Context, tx *store.Tx, t model.EntityType, localID string) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity_type = ? AND entity_local_id = ? AND dead_at IS NULL`,
		string(t), localID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard entries of %s/%s: %w", t, localID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of live entries
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.db(), &n, `SELECT COUNT(*) FROM sync_queue WHERE dead_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (q *Queue) db() sqlx.QueryerContext {
	return q.store.Queryer()
}

func lastOf(entries []Entry) *Entry {
	if len(entries) == 0 {
		return nil
	}
	return &entries[len(entries)-1]
}
