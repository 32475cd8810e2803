package loyalty

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRedemptions is an in-memory RedemptionStore for tests and
// development.
type MemoryRedemptions struct {
	mu    sync.RWMutex
	byID  map[string]Redemption
	order []string // insertion order
}

func NewMemoryRedemptions() *MemoryRedemptions {
	return &MemoryRedemptions{byID: make(map[string]Redemption)}
}

func (m *MemoryRedemptions) SaveRedemption(_ context.Context, r Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.byID[r.ID] = r
	return nil
}

func (m *MemoryRedemptions) GetRedemption(_ context.Context, id string) (*Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryRedemptions) RedemptionByKey(_ context.Context, key string) (*Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.byID[m.order[i]]
		if r.IdempotencyKey == key {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryRedemptions) ListRedemptions(_ context.Context, f RedemptionFilter) ([]Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Redemption
	for _, id := range m.order {
		r := m.byID[id]
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.CustomerID != "" && r.CustomerID != f.CustomerID {
			continue
		}
		if f.Unreconciled && !r.Unreconciled() {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRedemptions) HasUnreconciled(_ context.Context, customerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.byID {
		if r.CustomerID == customerID && r.Unreconciled() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRedemptions) ResolveRedemption(_ context.Context, id, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return ErrRedemptionNotFound
	}
	r.ResolvedAt = &at
	r.ResolutionNote = note
	r.UpdatedAt = at
	m.byID[id] = r
	return nil
}

var _ RedemptionStore = (*MemoryRedemptions)(nil)
