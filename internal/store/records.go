package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vonshlovens/fieldsync/internal/model"
)

const metaColumns = "local_id, server_id, is_dirty, rev, synced_at, created_at, updated_at, pending_delete"

// Filter selects rows of one table. Where holds column equality conditions;
// a nil value matches NULL.
type Filter struct {
	Where          map[string]any
	Dirty          *bool
	IncludeDeleted bool
	OrderBy        string
	Limit          int
}

// Origin identifies who produced a write
type Origin int

const (
	// OriginLocal is a user edit that must be pushed
	OriginLocal Origin = iota
	// OriginServer is a write from the pull/merge path
	OriginServer
)

// Mutation is one write to a table. An empty or unknown LocalID inserts a row.
type Mutation struct {
	LocalID string
	Fields  map[string]any
	Origin  Origin

	// Server-origin writes only.
	ServerID   *int64
	ClearDirty bool
	CreatedAt  int64
	UpdatedAt  int64
}

// Get returns one row by local id
func (s *Store) Get(ctx context.Context, t model.EntityType, localID string) (*model.Record, error) {
	return getRecord(ctx, s.db, t, "local_id = ?", localID)
}

// Query returns the rows matching the filter
func (s *Store) Query(ctx context.Context, t model.EntityType, f Filter) ([]*model.Record, error) {
	return queryRecords(ctx, s.db, t, f)
}

// Count returns the number of rows matching the filter
func (s *Store) Count(ctx context.Context, t model.EntityType, f Filter) (int, error) {
	return countRecords(ctx, s.db, t, f)
}

// FindByServerID returns the row holding a server id
func (s *Store) FindByServerID(ctx context.Context, t model.EntityType, serverID int64) (*model.Record, error) {
	return getRecord(ctx, s.db, t, "server_id = ?", serverID)
}

// GetRecord returns one row by local id
func (tx *Tx) GetRecord(ctx context.Context, t model.EntityType, localID string) (*model.Record, error) {
	return getRecord(ctx, tx, t, "local_id = ?", localID)
}

// FindByServerID returns the row holding a server id
func (tx *Tx) FindByServerID(ctx context.Context, t model.EntityType, serverID int64) (*model.Record, error) {
	return getRecord(ctx, tx, t, "server_id = ?", serverID)
}

// QueryRecords returns the rows matching the filter
func (tx *Tx) QueryRecords(ctx context.Context, t model.EntityType, f Filter) ([]*model.Record, error) {
	return queryRecords(ctx, tx, t, f)
}

// Write applies a mutation and runs the change tracker on it
func (tx *Tx) Write(ctx context.Context, t model.EntityType, m Mutation) (*model.Record, error) {
	s, err := model.Lookup(t)
	if err != nil {
		return nil, err
	}

	fields, err := s.Normalize(m.Fields)
	if err != nil {
		return nil, err
	}

	var existing *model.Record
	if m.LocalID != "" {
		existing, err = getRecord(ctx, tx, t, "local_id = ?", m.LocalID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	inserting := existing == nil
	var rec *model.Record
	if inserting {
		rec = &model.Record{Type: t, LocalID: m.LocalID, Fields: make(map[string]any, len(fields))}
	} else {
		if existing.PendingDelete && m.Origin == OriginLocal {
			return nil, fmt.Errorf("%w: %s/%s", ErrDeleted, t, m.LocalID)
		}
		rec = existing.Clone()
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}

	if err := tx.store.tracker.OnWrite(rec, m, inserting); err != nil {
		return nil, fmt.Errorf("change tracker rejected write to %s: %w", t, err)
	}

	if inserting {
		err = insertRecord(ctx, tx, s, rec)
	} else {
		err = updateRecord(ctx, tx, s, rec, fields)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkDeleted flags a row for deletion; it stays until the delete is pushed
func (tx *Tx) MarkDeleted(ctx context.Context, t model.EntityType, localID string) (*model.Record, error) {
	rec, err := tx.GetRecord(ctx, t, localID)
	if err != nil {
		return nil, err
	}
	if rec.PendingDelete {
		return rec, nil
	}

	rec.PendingDelete = true
	tx.store.tracker.OnDelete(rec)

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET pending_delete = 1, is_dirty = 1, rev = ?, updated_at = ? WHERE local_id = ?`, t),
		rec.Rev, rec.UpdatedAt, localID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s/%s deleted: %w", t, localID, err)
	}
	return rec, nil
}

// HardDelete removes a row
func (tx *Tx) HardDelete(ctx context.Context, t model.EntityType, localID string) error {
	if _, err := model.Lookup(t); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, t), localID); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", t, localID, err)
	}
	return nil
}

// ConfirmPush records a server acknowledgement. The dirty flag is only
// cleared when clearDirty is set and the row is still at the pushed rev.
// It reports whether the row still exists.
func (tx *Tx) ConfirmPush(ctx context.Context, t model.EntityType, localID string, serverID, rev int64, clearDirty bool) (bool, error) {
	if _, err := model.Lookup(t); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			server_id = ?,
			synced_at = ?,
			is_dirty = CASE WHEN ? AND rev = ? THEN 0 ELSE is_dirty END
		WHERE local_id = ?`, t),
		serverID, tx.Now(), clearDirty, rev, localID)
	if err != nil {
		return false, fmt.Errorf("failed to confirm push of %s/%s: %w", t, localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetColumns overwrites columns without touching the sync bookkeeping
func (tx *Tx) SetColumns(ctx context.Context, t model.EntityType, localID string, fields map[string]any) error {
	s, err := model.Lookup(t)
	if err != nil {
		return err
	}
	fields, err = s.Normalize(fields)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	names := sortedKeys(fields)
	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets[i] = name + " = ?"
		args = append(args, fields[name])
	}
	args = append(args, localID)

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE local_id = ?`, t, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", t, localID, err)
	}
	return nil
}

// AddTombstone remembers that a server record was deleted
func (tx *Tx) AddTombstone(ctx context.Context, t model.EntityType, serverID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_tombstones (entity_type, server_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, server_id) DO NOTHING`,
		string(t), serverID, tx.Now())
	if err != nil {
		return fmt.Errorf("failed to record tombstone: %w", err)
	}
	return nil
}

// IsTombstoned reports whether a server record was deleted
func (tx *Tx) IsTombstoned(ctx context.Context, t model.EntityType, serverID int64) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sync_tombstones WHERE entity_type = ? AND server_id = ?`, string(t), serverID)
	if err != nil {
		return false, fmt.Errorf("failed to read tombstones: %w", err)
	}
	return n > 0, nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, t model.EntityType, where string, args ...any) (*model.Record, error) {
	s, err := model.Lookup(t)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryxContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIMIT 1`, selectList(s), t, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t)
	}
	return scanRecord(s, rows)
}

func queryRecords(ctx context.Context, q sqlx.QueryerContext, t model.EntityType, f Filter) ([]*model.Record, error) {
	s, err := model.Lookup(t)
	if err != nil {
		return nil, err
	}

	where, args, err := f.build(s)
	if err != nil {
		return nil, err
	}

	order := "created_at, local_id"
	if f.OrderBy != "" {
		if !s.HasColumn(f.OrderBy) && !isMetaColumn(f.OrderBy) {
			return nil, fmt.Errorf("%w: %s.%s", model.ErrUnknownField, t, f.OrderBy)
		}
		order = f.OrderBy + ", local_id"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s`, selectList(s), t, where, order)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(s, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func countRecords(ctx context.Context, q sqlx.QueryerContext, t model.EntityType, f Filter) (int, error) {
	s, err := model.Lookup(t)
	if err != nil {
		return 0, err
	}
	where, args, err := f.build(s)
	if err != nil {
		return 0, err
	}

	var n int
	if err := sqlx.GetContext(ctx, q, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, t, where), args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t, err)
	}
	return n, nil
}

func (f Filter) build(s *model.Schema) (string, []any, error) {
	conds := []string{"1 = 1"}
	var args []any

	if !f.IncludeDeleted {
		conds = append(conds, "pending_delete = 0")
	}
	if f.Dirty != nil {
		conds = append(conds, "is_dirty = ?")
		args = append(args, *f.Dirty)
	}

	where, err := s.Normalize(f.Where)
	if err != nil {
		return "", nil, err
	}
	for _, name := range sortedKeys(where) {
		if where[name] == nil {
			conds = append(conds, name+" IS NULL")
			continue
		}
		conds = append(conds, name+" = ?")
		args = append(args, where[name])
	}

	return strings.Join(conds, " AND "), args, nil
}

func insertRecord(ctx context.Context, tx *Tx, s *model.Schema, rec *model.Record) error {
	cols := []string{"local_id", "server_id", "is_dirty", "rev", "synced_at", "created_at", "updated_at", "pending_delete"}
	args := []any{rec.LocalID, rec.ServerID, rec.IsDirty, rec.Rev, rec.SyncedAt, rec.CreatedAt, rec.UpdatedAt, rec.PendingDelete}
	for _, name := range sortedKeys(rec.Fields) {
		cols = append(cols, name)
		args = append(args, rec.Fields[name])
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		s.Type, strings.Join(cols, ", "), placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to insert %s/%s: %w", s.Type, rec.LocalID, err)
	}
	return nil
}

func updateRecord(ctx context.Context, tx *Tx, s *model.Schema, rec *model.Record, changed map[string]any) error {
	sets := []string{"server_id = ?", "is_dirty = ?", "rev = ?", "synced_at = ?", "updated_at = ?"}
	args := []any{rec.ServerID, rec.IsDirty, rec.Rev, rec.SyncedAt, rec.UpdatedAt}
	for _, name := range sortedKeys(changed) {
		sets = append(sets, name+" = ?")
		args = append(args, changed[name])
	}
	args = append(args, rec.LocalID)

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE local_id = ?`,
		s.Type, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", s.Type, rec.LocalID, err)
	}
	return nil
}

func selectList(s *model.Schema) string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return metaColumns + ", " + strings.Join(names, ", ")
}

func scanRecord(s *model.Schema, rows *sqlx.Rows) (*model.Record, error) {
	raw := make(map[string]any)
	if err := rows.MapScan(raw); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.Type, err)
	}

	rec := &model.Record{Type: s.Type}
	rec.LocalID = asString(raw["local_id"])
	rec.ServerID = asInt64Ptr(raw["server_id"])
	rec.IsDirty = asInt64(raw["is_dirty"]) != 0
	rec.Rev = asInt64(raw["rev"])
	rec.SyncedAt = asInt64Ptr(raw["synced_at"])
	rec.CreatedAt = asInt64(raw["created_at"])
	rec.UpdatedAt = asInt64(raw["updated_at"])
	rec.PendingDelete = asInt64(raw["pending_delete"]) != 0

	fields := make(map[string]any, len(s.Columns))
	for _, c := range s.Columns {
		fields[c.Name] = raw[c.Name]
	}
	normalized, err := s.Normalize(fields)
	if err != nil {
		return nil, err
	}
	rec.Fields = normalized
	return rec, nil
}

func isMetaColumn(name string) bool {
	for _, c := range strings.Split(metaColumns, ", ") {
		if c == name {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func asInt64Ptr(v any) *int64 {
	if v == nil {
		return nil
	}
	n := asInt64(v)
	return &n
}

// isNoRows reports a missing row from a single-row query
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
