// Package registry holds the authoritative set of server records.
package registry

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// MemoryRegistry keeps server records in memory. Mutations serialise on
// a single mutex; readers get cloned snapshots so long scoring loops
// never observe partial updates. Pools are small (typically <= 32), so
// copy-on-read is cheap.
type MemoryRegistry struct {
	records *xsync.Map[string, *domain.ServerRecord]
	mu      sync.Mutex
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: xsync.NewMap[string, *domain.ServerRecord](),
	}
}

func (r *MemoryRegistry) Add(cfg domain.ServerConfig) (*domain.ServerRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := cfg.ID()
	if _, exists := r.records.Load(id); exists {
		return nil, &domain.DuplicateServerError{ID: id}
	}

	record := domain.NewServerRecord(cfg)
	r.records.Store(id, record)
	return record.Clone(), nil
}

func (r *MemoryRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records.Load(id); !exists {
		return &domain.ServerNotFoundError{ID: id}
	}
	r.records.Delete(id)
	return nil
}

func (r *MemoryRegistry) Get(id string) (*domain.ServerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records.Load(id)
	if !exists {
		return nil, false
	}
	return record.Clone(), true
}

// Snapshot returns cloned records sorted by id for deterministic
// iteration order in selection loops.
func (r *MemoryRegistry) Snapshot() []*domain.ServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]*domain.ServerRecord, 0, r.records.Size())
	r.records.Range(func(_ string, record *domain.ServerRecord) bool {
		snapshot = append(snapshot, record.Clone())
		return true
	})

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].ID < snapshot[j].ID
	})
	return snapshot
}

// Update applies the patch to the live record under the mutation lock.
func (r *MemoryRegistry) Update(id string, patch func(*domain.ServerRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.records.Load(id)
	if !exists {
		return &domain.ServerNotFoundError{ID: id}
	}
	patch(record)
	return nil
}

func (r *MemoryRegistry) Len() int {
	return r.records.Size()
}
