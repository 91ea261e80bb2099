package registry

import (
	"errors"
	"sync"

	"github.com/paddock-dev/paddock/internal/domain"
)

var (
	// ErrOwnerHasInstance signals the one-live-instance-per-owner rule.
	ErrOwnerHasInstance = errors.New("registry: owner already has a live instance")
	// ErrCapacity signals the platform-wide live instance cap.
	ErrCapacity = errors.New("registry: platform instance cap reached")
	// ErrNotFound indicates the instance is absent (destroyed or never created).
	ErrNotFound = errors.New("registry: instance not found")
	// ErrPortConflict indicates the reserved port is already held by another
	// instance; the caller re-allocates and retries.
	ErrPortConflict = errors.New("registry: port already reserved")
)

// Store is the process-wide keyed store of instance records. Mutating methods
// copy on write so callers never share the stored record.
type Store interface {
	Get(id string) (*domain.Instance, bool)
	Put(inst *domain.Instance)
	Delete(id string)
	List() []*domain.Instance
	ListByOwner(owner string) []*domain.Instance
	CountByStatus(statuses ...domain.Status) int
	// Reserve checks the owner slot and platform cap and inserts the record in
	// one atomic step, closing the check-then-act window between validation
	// and insert.
	Reserve(inst *domain.Instance, maxLive int) error
	// Update applies fn to the stored record under the store lock.
	Update(id string, fn func(*domain.Instance)) error
}

// Memory is the in-memory Store used in production; a single process owns all
// instance state, with the runtime reconciler as the recovery path.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{instances: make(map[string]*domain.Instance)}
}

func (m *Memory) Get(id string) (*domain.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, false
	}
	return cloneInstance(inst), true
}

func (m *Memory) Put(inst *domain.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = cloneInstance(inst)
}

func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
}

func (m *Memory) List() []*domain.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, cloneInstance(inst))
	}
	return out
}

func (m *Memory) ListByOwner(owner string) []*domain.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Instance
	for _, inst := range m.instances {
		if inst.Owner == owner {
			out = append(out, cloneInstance(inst))
		}
	}
	return out
}

func (m *Memory) CountByStatus(statuses ...domain.Status) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, inst := range m.instances {
		for _, status := range statuses {
			if inst.Status == status {
				count++
				break
			}
		}
	}
	return count
}

func (m *Memory) Reserve(inst *domain.Instance, maxLive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := 0
	for _, existing := range m.instances {
		if existing.Port == inst.Port {
			return ErrPortConflict
		}
		if !existing.Status.Live() {
			continue
		}
		live++
		if existing.Owner == inst.Owner {
			return &OwnerConflictError{ExistingID: existing.ID}
		}
	}
	if maxLive > 0 && live >= maxLive {
		return ErrCapacity
	}
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m *Memory) Update(id string, fn func(*domain.Instance)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	fn(inst)
	return nil
}

// PortsInUse reports ports held by non-destroyed instances.
func (m *Memory) PortsInUse() map[int]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ports := make(map[int]bool, len(m.instances))
	for _, inst := range m.instances {
		ports[inst.Port] = true
	}
	return ports
}

// OwnerConflictError carries the conflicting instance id for 409 responses.
type OwnerConflictError struct {
	ExistingID string
}

func (e *OwnerConflictError) Error() string {
	return "registry: owner already has a live instance " + e.ExistingID
}

func (e *OwnerConflictError) Is(target error) bool {
	return target == ErrOwnerHasInstance
}

func cloneInstance(inst *domain.Instance) *domain.Instance {
	copied := *inst
	copied.Events = append([]domain.EventEntry(nil), inst.Events...)
	return &copied
}
