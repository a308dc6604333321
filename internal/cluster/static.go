package cluster

import (
	"sync"

	"github.com/devrev/datagrid/internal/model"
)

// Static is a fixed membership view used when gossip is disabled, e.g. for
// single-node deployments and tests.
type Static struct {
	mu      sync.RWMutex
	members map[model.Address]bool
}

// NewStatic creates a static membership over the given members.
func NewStatic(members ...model.Address) *Static {
	s := &Static{members: make(map[model.Address]bool, len(members))}
	for _, m := range members {
		s.members[m] = true
	}
	return s
}

// Size returns the member count
func (s *Static) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// IsMember reports whether addr is in the member set.
func (s *Static) IsMember(addr model.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[addr]
}

// Members returns the member set.
func (s *Static) Members() []model.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Address, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	return out
}

// Remove drops addr from the member set.
func (s *Static) Remove(addr model.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, addr)
}
