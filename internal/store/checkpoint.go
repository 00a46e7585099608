package store

import (
	"context"
	"fmt"

	"github.com/vonshlovens/fieldsync/internal/model"
)

// Checkpoint is the persisted pull position
type Checkpoint struct {
	LastPulledAt  int64 `db:"last_pulled_at"`
	SchemaVersion int   `db:"schema_version"`
	UpdatedAt     int64 `db:"updated_at"`
}

// Checkpoint reads the current pull position
func (s *Store) Checkpoint(ctx context.Context) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.GetContext(ctx, &cp,
		`SELECT last_pulled_at, schema_version, updated_at FROM sync_checkpoint WHERE id = 1`)
	if err != nil {
		if isNoRows(err) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return cp, nil
}

// SetCheckpoint advances the pull position. A timestamp lower than the stored
// one never moves it back.
func (tx *Tx) SetCheckpoint(ctx context.Context, lastPulledAt int64, schemaVersion int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_checkpoint SET
			last_pulled_at = max(last_pulled_at, ?),
			schema_version = ?,
			updated_at = ?
		WHERE id = 1`,
		lastPulledAt, schemaVersion, tx.Now())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// EntityStats summarizes the sync state of one table
type EntityStats struct {
	Type          model.EntityType
	Total         int `db:"total"`
	Dirty         int `db:"dirty"`
	Synced        int `db:"synced"`
	PendingDelete int `db:"pending_delete"`
}

// Stats returns per-table sync counts in dependency order
func (s *Store) Stats(ctx context.Context) ([]EntityStats, error) {
	var out []EntityStats
	for _, sc := range model.All() {
		st := EntityStats{Type: sc.Type}
		err := s.db.GetContext(ctx, &st, fmt.Sprintf(`
			SELECT
				COUNT(*) AS total,
				COALESCE(SUM(is_dirty), 0) AS dirty,
				COALESCE(SUM(CASE WHEN server_id IS NOT NULL AND is_dirty = 0 THEN 1 ELSE 0 END), 0) AS synced,
				COALESCE(SUM(pending_delete), 0) AS pending_delete
			FROM %s`, sc.Type))
		if err != nil {
			return nil, fmt.Errorf("failed to collect stats for %s: %w", sc.Type, err)
		}
		out = append(out, st)
	}
	return out, nil
}
