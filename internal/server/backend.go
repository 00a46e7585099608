package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Tx lookups that match nothing
var ErrNotFound = errors.New("record not found")

// Record is one row as the server stores it. Fields are in wire form:
// timestamps as ISO strings and references as server ids.
type Record struct {
	Table      string
	ID         int64
	LocalID    string
	Fields     map[string]any
	CreatedAt  int64
	UpdatedAt  int64
	CreatedSeq int64
	Seq        int64
	Deleted    bool
}

// Backend stores server records. Every write is stamped with a value from a
// monotonic clock that doubles as the pull checkpoint.
type Backend interface {
	// Update runs fn in one transaction
	Update(ctx context.Context, fn func(tx Tx) error) error
	// Since returns the records written after since, plus every live record
	// of the full tables, and the current clock value.
	Since(ctx context.Context, since int64, full []string) ([]Record, int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write side of a Backend transaction
type Tx interface {
	Get(ctx context.Context, table string, id int64) (*Record, error)
	GetByLocalID(ctx context.Context, table, localID string) (*Record, error)
	// Insert assigns the id and clock values of rec
	Insert(ctx context.Context, rec *Record) error
	// Save writes rec back and advances its clock value
	Save(ctx context.Context, rec *Record) error
}

// MemoryBackend keeps records in memory. It backs tests and `serve --memory`.
type MemoryBackend struct {
	mu      sync.Mutex
	clock   int64
	nextID  int64
	records map[string]map[int64]*Record
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]map[int64]*Record),
		now:     time.Now,
	}
}

// Update runs fn under the backend lock. Writes made before fn fails are
// rolled back.
func (m *MemoryBackend) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m, undo: make(map[*Record]*Record)}
	clock, nextID := m.clock, m.nextID
	if err := fn(tx); err != nil {
		for rec, prev := range tx.undo {
			if prev == nil {
				delete(m.records[rec.Table], rec.ID)
				continue
			}
			*rec = *prev
		}
		m.clock, m.nextID = clock, nextID
		return err
	}
	return nil
}

// Since implements Backend
func (m *MemoryBackend) Since(ctx context.Context, since int64, full []string) ([]Record, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fullSet := make(map[string]bool, len(full))
	for _, t := range full {
		fullSet[t] = true
	}

	var out []Record
	for table, rows := range m.records {
		for _, rec := range rows {
			if rec.Seq > since || (fullSet[table] && !rec.Deleted) {
				out = append(out, copyRecord(rec))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, m.clock, nil
}

// Ping implements Backend
func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

// Close implements Backend
func (m *MemoryBackend) Close() error { return nil }

// tick advances the clock. It follows wall time in milliseconds but never
// repeats a value.
func (m *MemoryBackend) tick() int64 {
	now := m.now().UnixMilli()
	if now <= m.clock {
		now = m.clock + 1
	}
	m.clock = now
	return now
}

type memoryTx struct {
	m    *MemoryBackend
	undo map[*Record]*Record
}

func (tx *memoryTx) Get(ctx context.Context, table string, id int64) (*Record, error) {
	rec, ok := tx.m.records[table][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRecord(rec)
	return &out, nil
}

func (tx *memoryTx) GetByLocalID(ctx context.Context, table, localID string) (*Record, error) {
	for _, rec := range tx.m.records[table] {
		if rec.LocalID != "" && rec.LocalID == localID {
			out := copyRecord(rec)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) Insert(ctx context.Context, rec *Record) error {
	m := tx.m
	m.nextID++
	seq := m.tick()
	rec.ID = m.nextID
	rec.CreatedSeq, rec.Seq = seq, seq
	rec.CreatedAt = m.now().UnixMilli()
	rec.UpdatedAt = rec.CreatedAt

	stored := copyRecord(rec)
	if m.records[rec.Table] == nil {
		m.records[rec.Table] = make(map[int64]*Record)
	}
	m.records[rec.Table][rec.ID] = &stored
	tx.undo[&stored] = nil
	return nil
}

func (tx *memoryTx) Save(ctx context.Context, rec *Record) error {
	m := tx.m
	stored, ok := m.records[rec.Table][rec.ID]
	if !ok {
		return ErrNotFound
	}
	if _, seen := tx.undo[stored]; !seen {
		prev := copyRecord(stored)
		tx.undo[stored] = &prev
	}

	rec.Seq = m.tick()
	rec.UpdatedAt = m.now().UnixMilli()
	*stored = copyRecord(rec)
	return nil
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	return out
}
