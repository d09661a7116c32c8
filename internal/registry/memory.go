package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/maoniu-cloud/collab-broker/internal/auth"
)

// MemoryRegistry is an in-process Registry for tests and single-process
// deployments without a Redis instance.
type MemoryRegistry struct {
	mu        sync.Mutex
	workConns map[string]map[string]struct{}
	connWorks map[string]map[string]struct{}
	users     map[string]auth.User
	caches    map[string]PendingUpdate
	timers    map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		workConns: make(map[string]map[string]struct{}),
		connWorks: make(map[string]map[string]struct{}),
		users:     make(map[string]auth.User),
		caches:    make(map[string]PendingUpdate),
		timers:    make(map[string]struct{}),
	}
}

func (m *MemoryRegistry) Subscribe(_ context.Context, workID, connID string, user *auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workConns[workID] == nil {
		m.workConns[workID] = make(map[string]struct{})
	}
	m.workConns[workID][connID] = struct{}{}
	if m.connWorks[connID] == nil {
		m.connWorks[connID] = make(map[string]struct{})
	}
	m.connWorks[connID][workID] = struct{}{}
	if user != nil {
		m.users[connID] = *user
	}
	return nil
}

func (m *MemoryRegistry) Unsubscribe(_ context.Context, workID, connID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workConns[workID], connID)
	delete(m.connWorks[connID], workID)
	return setMembers(m.workConns[workID]), nil
}

func (m *MemoryRegistry) RemoveWork(_ context.Context, workID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workConns, workID)
	return nil
}

func (m *MemoryRegistry) GetSubscribers(_ context.Context, workID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setMembers(m.workConns[workID]), nil
}

func (m *MemoryRegistry) GetSubscriptions(_ context.Context, connID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setMembers(m.connWorks[connID]), nil
}

func (m *MemoryRegistry) GetUser(_ context.Context, connID string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[connID]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (m *MemoryRegistry) RemoveConnection(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connWorks, connID)
	delete(m.users, connID)
	return nil
}

func (m *MemoryRegistry) SaveCache(_ context.Context, workID string, payload json.RawMessage, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := m.caches[workID].Version + 1
	m.caches[workID] = PendingUpdate{Payload: payload, Token: token, Dirty: true, Version: version}
	return nil
}

func (m *MemoryRegistry) GetCache(_ context.Context, workID string) (*PendingUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update, ok := m.caches[workID]
	if !ok {
		return nil, nil
	}
	return &update, nil
}

func (m *MemoryRegistry) MarkObsolete(_ context.Context, workID string) error {
	return m.updateCache(workID, func(u *PendingUpdate) { u.Obsolete = true })
}

func (m *MemoryRegistry) Renew(_ context.Context, workID string) error {
	return m.updateCache(workID, func(u *PendingUpdate) { u.Obsolete = false })
}

func (m *MemoryRegistry) MarkFlushed(_ context.Context, workID string, version uint64) error {
	return m.updateCache(workID, func(u *PendingUpdate) {
		if u.Version == version {
			u.Dirty = false
		}
	})
}

func (m *MemoryRegistry) DeleteCache(_ context.Context, workID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, workID)
	return nil
}

func (m *MemoryRegistry) updateCache(workID string, mutate func(*PendingUpdate)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	update, ok := m.caches[workID]
	if !ok {
		return nil
	}
	mutate(&update)
	m.caches[workID] = update
	return nil
}

func (m *MemoryRegistry) AcquireTimerSlot(_ context.Context, workID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.timers[workID]; held {
		return false, nil
	}
	m.timers[workID] = struct{}{}
	return true, nil
}

func (m *MemoryRegistry) ReleaseTimerSlot(_ context.Context, workID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, workID)
	return nil
}

func (m *MemoryRegistry) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workConns = make(map[string]map[string]struct{})
	m.connWorks = make(map[string]map[string]struct{})
	m.users = make(map[string]auth.User)
	m.caches = make(map[string]PendingUpdate)
	m.timers = make(map[string]struct{})
	return nil
}

func setMembers(set map[string]struct{}) []string {
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members
}
