package store

import (
	"sync"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID][]byte
}

// NewMemoryStore returns a store that keeps encoded snapshots in memory.
func NewMemoryStore() Store {
	return &memoryStore{snapshots: make(map[uuid.UUID][]byte)}
}

func (m *memoryStore) Save(s Snapshot) error {
	if s.ID == uuid.Nil {
		return ErrNoID
	}
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshots[s.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Load(id uuid.UUID) (Snapshot, bool, error) {
	m.mu.RLock()
	data, ok := m.snapshots[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false, nil
	}
	s, err := decodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (m *memoryStore) Delete(id uuid.UUID) error {
	m.mu.Lock()
	delete(m.snapshots, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) ForEach(fn func(s Snapshot) bool) error {
	m.mu.RLock()
	list := make([]Snapshot, 0, len(m.snapshots))
	for _, data := range m.snapshots {
		s, err := decodeSnapshot(data)
		if err != nil {
			m.mu.RUnlock()
			return err
		}
		list = append(list, s)
	}
	m.mu.RUnlock()

	sortSnapshots(list)
	for _, s := range list {
		if !fn(s) {
			break
		}
	}
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}
