package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTable is a Table that lives only in process memory.
type MemoryTable struct {
	now   func() time.Time
	seq   *seqClock
	locks *KeyLocks

	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryTable returns an empty in-memory table. now defaults to
// time.Now when nil.
func NewMemoryTable(now func() time.Time) *MemoryTable {
	if now == nil {
		now = time.Now
	}
	return &MemoryTable{
		now:     now,
		seq:     newSeqClockAt(0),
		locks:   NewKeyLocks(),
		records: make(map[string]Record),
	}
}

func (t *MemoryTable) Get(_ context.Context, key string) (Record, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (t *MemoryTable) Put(ctx context.Context, key string, value []byte) (Record, error) {
	return t.Update(ctx, key, func([]byte, bool) ([]byte, error) { return value, nil })
}

func (t *MemoryTable) Update(ctx context.Context, key string, fn UpdateFunc) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	unlock := t.locks.Lock(key)
	defer unlock()

	t.mu.RLock()
	current, exists := t.records[key]
	t.mu.RUnlock()

	next, err := fn(bytes.Clone(current.Value), exists)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Key:       key,
		Value:     bytes.Clone(next),
		Seq:       t.seq.Next(),
		UpdatedAt: t.now(),
	}

	t.mu.Lock()
	t.records[key] = rec
	t.mu.Unlock()

	return cloneRecord(rec), nil
}

func (t *MemoryTable) List(_ context.Context) ([]Record, error) {
	t.mu.RLock()
	records := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		records = append(records, cloneRecord(rec))
	}
	t.mu.RUnlock()

	sortBySeq(records)
	return records, nil
}

func (t *MemoryTable) Close() error { return nil }

func cloneRecord(rec Record) Record {
	rec.Value = bytes.Clone(rec.Value)
	return rec
}

func sortBySeq(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}
