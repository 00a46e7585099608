package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vonshlovens/fieldsync/internal/store"
)

// RecordFailure bumps the retry count of an entry and stores the error. Once
// the count reaches the ceiling the entry is dead-lettered; dead reports that.
func (q *Queue) RecordFailure(ctx context.Context, id int64, msg string) (dead bool, err error) {
	err = q.store.InTx(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
			WHERE entry_id = ? AND dead_at IS NULL`,
			msg, tx.Now(), id)
		if err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}

		var retries int
		if err := tx.GetContext(ctx, &retries, `SELECT retry_count FROM sync_queue WHERE entry_id = ?`, id); err != nil {
			return fmt.Errorf("failed to read retry count: %w", err)
		}
		if retries < q.maxRetries {
			return nil
		}

		dead = true
		return q.drainTx(ctx, tx, id)
	})
	if err != nil {
		return false, err
	}
	if dead {
		slog.Warn("queue entry dead-lettered", "entry", id, "error", msg)
	}
	return dead, nil
}

// DrainToDeadLetter moves an entry to the dead-letter state
func (q *Queue) DrainToDeadLetter(ctx context.Context, id int64) error {
	return q.store.InTx(ctx, func(tx *store.Tx) error {
		return q.drainTx(ctx, tx, id)
	})
}

func (q *Queue) drainTx(ctx context.Context, tx *store.Tx, id int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET dead_at = ?, updated_at = ? WHERE entry_id = ? AND dead_at IS NULL`,
		tx.Now(), tx.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// DeadLetters returns every dead-lettered entry, oldest first
func (q *Queue) DeadLetters(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := sqlx.SelectContext(ctx, q.db(), &entries,
		`SELECT * FROM sync_queue WHERE dead_at IS NOT NULL ORDER BY entry_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return entries, nil
}

// DeadLetterCount returns the number of dead-lettered entries
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.db(), &n, `SELECT COUNT(*) FROM sync_queue WHERE dead_at IS NOT NULL`); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// Requeue returns a dead-lettered entry to the live queue with a fresh retry
// budget. A create or update takes the entity's current snapshot and rev, so
// edits made while the entry was dead are not overwritten by its old payload.
// It is folded into a live entry of the same entity when one exists, and
// dropped when the entity is gone.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	return q.store.InTx(ctx, func(tx *store.Tx) error {
		var dead []Entry
		err := tx.SelectContext(ctx, &dead, `SELECT * FROM sync_queue WHERE entry_id = ? AND dead_at IS NOT NULL`, id)
		if err != nil {
			return fmt.Errorf("failed to read dead letter %d: %w", id, err)
		}
		if len(dead) == 0 {
			return fmt.Errorf("%w: no dead letter %d", ErrNotFound, id)
		}
		e := dead[0]

		live, err := q.PendingForTx(ctx, tx, e.EntityType, e.EntityLocalID)
		if err != nil {
			return err
		}

		if e.Action == ActionDelete {
			return q.requeueDeleteTx(ctx, tx, e, live)
		}

		rec, err := tx.GetRecord(ctx, e.EntityType, e.EntityLocalID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Info("dropping dead letter of a removed record", "entry", id, "entity", e.EntityType, "local_id", e.EntityLocalID)
			return q.deleteTx(ctx, tx, id)
		} else if err != nil {
			return err
		}
		if rec.PendingDelete {
			return q.deleteTx(ctx, tx, id)
		}

		payload, err := Payload(rec.Fields)
		if err != nil {
			return err
		}
		now := tx.Now()

		if last := lastOf(live); last != nil {
			if last.Action != ActionDelete {
				_, err := tx.ExecContext(ctx, `
					UPDATE sync_queue SET payload = ?, entity_rev = ?, priority = min(priority, ?), updated_at = ?
					WHERE entry_id = ?`,
					payload, rec.Rev, e.Priority, now, last.ID)
				if err != nil {
					return fmt.Errorf("failed to merge dead letter %d: %w", id, err)
				}
				slog.Debug("merged dead letter into live entry", "entry", id, "into", last.ID)
			}
			return q.deleteTx(ctx, tx, id)
		}

		action := e.Action
		if rec.ServerID != nil {
			action = ActionUpdate
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue SET dead_at = NULL, retry_count = 0, action = ?, payload = ?, entity_rev = ?, updated_at = ?
			WHERE entry_id = ?`,
			string(action), payload, rec.Rev, now, id)
		if err != nil {
			return fmt.Errorf("failed to requeue entry %d: %w", id, err)
		}
		return nil
	})
}

// requeueDeleteTx revives a dead delete. A live delete already covers it;
// other live entries are superseded by it.
func (q *Queue) requeueDeleteTx(ctx context.Context, tx *store.Tx, e Entry, live []Entry) error {
	for _, p := range live {
		if p.Action == ActionDelete {
			return q.deleteTx(ctx, tx, e.ID)
		}
	}
	if len(live) > 0 {
		if _, err := q.DiscardEntityTx(ctx, tx, e.EntityType, e.EntityLocalID); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET dead_at = NULL, retry_count = 0, updated_at = ? WHERE entry_id = ?`,
		tx.Now(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", e.ID, err)
	}
	return nil
}

func (q *Queue) deleteTx(ctx context.Context, tx *store.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("failed to drop queue entry %d: %w", id, err)
	}
	return nil
}

// Discard drops a dead-lettered entry for good
func (q *Queue) Discard(ctx context.Context, id int64) error {
	return q.store.InTx(ctx, func(tx *store.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE entry_id = ? AND dead_at IS NOT NULL`, id)
		if err != nil {
			return fmt.Errorf("failed to discard entry %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: no dead letter %d", ErrNotFound, id)
		}
		return nil
	})
}

// Backoff returns the delay before the next attempt after n consecutive
// failures: base doubled per failure, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
