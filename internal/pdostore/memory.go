package pdostore

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]StoredRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]StoredRecord)}
}

func (m *MemoryBackend) Put(_ context.Context, rec StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.PDOID]; ok {
		return ErrExists
	}
	rec.Body = append([]byte(nil), rec.Body...)
	m.records[rec.PDOID] = rec
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, pdoID string) (StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[pdoID]
	if !ok {
		return StoredRecord{}, ErrNotFound
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return rec, nil
}

func (m *MemoryBackend) List(_ context.Context) ([]StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StoredRecord, 0, len(m.records))
	for _, rec := range m.records {
		rec.Body = append([]byte(nil), rec.Body...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PDOID < out[j].PDOID })
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
