package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/fieldsync/internal/server"
)

const recordColumns = "entity_type, id, local_id, fields, created_at, updated_at, created_seq, seq, deleted"

var _ server.Backend = (*DB)(nil)

// Update runs fn in one transaction
func (db *DB) Update(ctx context.Context, fn func(tx server.Tx) error) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		return fn(&recordTx{tx: tx, now: db.now})
	})
}

// Since reads a consistent snapshot of the records written after since
func (db *DB) Since(ctx context.Context, since int64, full []string) ([]server.Record, int64, error) {
	var (
		records []server.Record
		clock   int64
	)

	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, db.Pool, opts, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT value FROM sync_clock").Scan(&clock); err != nil {
			return fmt.Errorf("failed to read clock: %w", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT `+recordColumns+`
			FROM sync_records
			WHERE seq > $1 OR (entity_type = ANY($2) AND NOT deleted)
			ORDER BY seq
		`, since, full)
		if err != nil {
			return fmt.Errorf("failed to query changes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return records, clock, nil
}

type recordTx struct {
	tx  pgx.Tx
	now func() time.Time
}

func (t *recordTx) Get(ctx context.Context, table string, id int64) (*server.Record, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = $1 AND id = $2
		FOR UPDATE
	`, table, id)
	return scanOne(row)
}

func (t *recordTx) GetByLocalID(ctx context.Context, table, localID string) (*server.Record, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = $1 AND local_id = $2
		FOR UPDATE
	`, table, localID)
	return scanOne(row)
}

func (t *recordTx) Insert(ctx context.Context, rec *server.Record) error {
	seq, err := t.tick(ctx)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	var localID *string
	if rec.LocalID != "" {
		localID = &rec.LocalID
	}

	var created time.Time
	err = t.tx.QueryRow(ctx, `
		INSERT INTO sync_records (entity_type, local_id, fields, created_seq, seq, deleted)
		VALUES ($1, $2, $3, $4, $4, $5)
		RETURNING id, created_at
	`, rec.Table, localID, fields, seq, rec.Deleted).Scan(&rec.ID, &created)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.Table, err)
	}

	rec.CreatedSeq, rec.Seq = seq, seq
	rec.CreatedAt = created.UnixMilli()
	rec.UpdatedAt = rec.CreatedAt
	return nil
}

func (t *recordTx) Save(ctx context.Context, rec *server.Record) error {
	seq, err := t.tick(ctx)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	var updated time.Time
	err = t.tx.QueryRow(ctx, `
		UPDATE sync_records
		SET fields = $3, deleted = $4, seq = $5, updated_at = NOW()
		WHERE entity_type = $1 AND id = $2
		RETURNING updated_at
	`, rec.Table, rec.ID, fields, rec.Deleted, seq).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return server.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update %s/%d: %w", rec.Table, rec.ID, err)
	}

	rec.Seq = seq
	rec.UpdatedAt = updated.UnixMilli()
	return nil
}

// tick advances the clock row. The row lock serializes writers, so clock
// values commit in order.
func (t *recordTx) tick(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx,
		"UPDATE sync_clock SET value = GREATEST(value + 1, $1) RETURNING value",
		t.now().UnixMilli(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance clock: %w", err)
	}
	return seq, nil
}

func scanOne(row pgx.Row) (*server.Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, server.ErrNotFound
	}
	return rec, err
}

func scanRecord(row pgx.Row) (*server.Record, error) {
	var (
		rec              server.Record
		localID          *string
		fields           []byte
		created, updated time.Time
	)
	err := row.Scan(&rec.Table, &rec.ID, &localID, &fields, &created, &updated, &rec.CreatedSeq, &rec.Seq, &rec.Deleted)
	if err != nil {
		return nil, err
	}
	if localID != nil {
		rec.LocalID = *localID
	}
	rec.CreatedAt = created.UnixMilli()
	rec.UpdatedAt = updated.UnixMilli()

	rec.Fields = map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(fields))
	dec.UseNumber()
	if err := dec.Decode(&rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%d fields: %w", rec.Table, rec.ID, err)
	}
	return &rec, nil
}
