package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entities and instances in process memory.
type MemoryStore struct {
	*kvStore
	mem *memoryBackend
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions("", opts...)
	mem := newMemoryBackend()
	return &MemoryStore{
		kvStore: &kvStore{backend: mem, clock: o.clock},
		mem:     mem,
	}
}

// Snapshot is a point-in-time copy of a store, tombstones included.
type Snapshot struct {
	TakenAt   time.Time         `json:"taken_at" yaml:"taken_at"`
	Entities  []*Entity         `json:"entities,omitempty" yaml:"entities,omitempty"`
	Instances []*InstanceRecord `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// Snapshot copies the current contents.
func (s *MemoryStore) Snapshot() *Snapshot {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()
	snap := &Snapshot{TakenAt: s.now()}
	for _, e := range s.mem.entities {
		snap.Entities = append(snap.Entities, CloneEntity(e))
	}
	for _, rec := range s.mem.instances {
		snap.Instances = append(snap.Instances, CloneInstance(rec))
	}
	sortEntities(snap.Entities)
	sortInstances(snap.Instances)
	return snap
}

// Restore replaces the store contents with snap. A nil snapshot clears the store.
func (s *MemoryStore) Restore(snap *Snapshot) {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	s.mem.entities = make(map[Key]*Entity)
	s.mem.instances = make(map[Key]*InstanceRecord)
	if snap == nil {
		return
	}
	for _, e := range snap.Entities {
		if e == nil {
			continue
		}
		s.mem.entities[e.Key()] = CloneEntity(e)
	}
	for _, rec := range snap.Instances {
		if rec == nil {
			continue
		}
		s.mem.instances[rec.Key()] = CloneInstance(rec)
	}
}

// memoryBackend guards its maps with a lock held only for single reads and
// for the verify-and-apply step of a commit.
type memoryBackend struct {
	mu        sync.RWMutex
	entities  map[Key]*Entity
	instances map[Key]*InstanceRecord
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		entities:  make(map[Key]*Entity),
		instances: make(map[Key]*InstanceRecord),
	}
}

func (m *memoryBackend) entity(_ context.Context, key Key) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CloneEntity(m.entities[key]), nil
}

func (m *memoryBackend) instance(_ context.Context, key Key) (*InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CloneInstance(m.instances[key]), nil
}

func (m *memoryBackend) entityKeys(_ context.Context, resourceType string) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.entities))
	for key := range m.entities {
		if resourceType == "" || key.ResourceType == resourceType {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *memoryBackend) instanceKeys(_ context.Context, resourceType string) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.instances))
	for key := range m.instances {
		if resourceType == "" || key.ResourceType == resourceType {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *memoryBackend) apply(_ context.Context, cs *changeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := cs.verify(func(rk readKey) (int, error) {
		if rk.kind == readEntity {
			return entityVersion(m.entities[rk.key]), nil
		}
		return instanceVersion(m.instances[rk.key]), nil
	})
	if err != nil {
		return err
	}
	for key, e := range cs.entities {
		m.entities[key] = e
	}
	for key := range cs.dropped {
		delete(m.instances, key)
	}
	for key, rec := range cs.instances {
		m.instances[key] = rec
	}
	return nil
}
