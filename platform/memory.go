package platform

import (
	"context"
	"sync"
)

// Memory is an in-process customer store.
//
// BeforeUpdate, when set, runs before every UpdateTags with the store
// unlocked; returning an error fails the write. Tests use it to inject
// outages and concurrent tag edits.
type Memory struct {
	mu        sync.RWMutex
	customers map[string]*Customer
	reads     int
	writes    int

	BeforeUpdate func(id string, tags []string) error
}

func NewMemory() *Memory {
	return &Memory{customers: make(map[string]*Customer)}
}

// Put creates or replaces a customer record.
func (m *Memory) Put(c Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Tags = append([]string(nil), c.Tags...)
	m.customers[c.ID] = &c
}

func (m *Memory) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++

	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	return &out, nil
}

func (m *Memory) UpdateTags(ctx context.Context, id string, tags []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook := m.BeforeUpdate; hook != nil {
		if err := hook(id, tags); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	c.Tags = append([]string(nil), tags...)
	return append([]string(nil), c.Tags...), nil
}

// AddTag appends a tag the way another app on the platform would.
func (m *Memory) AddTag(id, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.customers[id]; ok {
		c.Tags = append(c.Tags, tag)
	}
}

// Reset drops every customer and the call counters.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers = make(map[string]*Customer)
	m.reads, m.writes = 0, 0
}

// Calls returns the number of reads and writes served.
func (m *Memory) Calls() (reads, writes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads, m.writes
}

var _ Store = (*Memory)(nil)
