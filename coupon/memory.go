package coupon

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory Inventory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   map[Partition][]string // codes in FIFO order
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		order:   make(map[Partition][]string),
		now:     time.Now,
	}
}

func (m *Memory) Add(_ context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, ok := m.entries[e.Code]; ok || seen[e.Code] {
			return ErrDuplicateCode
		}
		seen[e.Code] = true
	}

	for _, e := range entries {
		e := e
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.now().UTC()
		}
		m.entries[e.Code] = &e
		p := Partition{CampaignID: e.CampaignID, Tier: e.Tier}
		m.order[p] = append(m.order[p], e.Code)
	}
	for p, codes := range m.order {
		sort.SliceStable(codes, func(i, j int) bool {
			return m.entries[codes[i]].CreatedAt.Before(m.entries[codes[j]].CreatedAt)
		})
		m.order[p] = codes
	}
	return nil
}

func (m *Memory) Claim(ctx context.Context, campaignID string, tier int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, code := range m.order[Partition{CampaignID: campaignID, Tier: tier}] {
		e := m.entries[code]
		if !e.Available() {
			continue
		}
		now := m.now().UTC()
		by := ReservedSentinel
		e.UsedAt = &now
		e.UsedBy = &by
		return code, nil
	}
	return "", ErrExhausted
}

func (m *Memory) Attribute(_ context.Context, code, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[code]
	if !ok {
		return ErrCodeNotFound
	}
	if !e.Reserved() {
		return ErrNotReserved
	}
	by := customerID
	e.UsedBy = &by
	return nil
}

func (m *Memory) Stats(_ context.Context, campaignID string, tier int64) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, code := range m.order[Partition{CampaignID: campaignID, Tier: tier}] {
		s.Total++
		if !m.entries[code].Available() {
			s.Used++
		}
	}
	s.Available = s.Total - s.Used
	return s, nil
}

func (m *Memory) Partitions(_ context.Context) ([]Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Partition, 0, len(m.order))
	for p := range m.order {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CampaignID != result[j].CampaignID {
			return result[i].CampaignID < result[j].CampaignID
		}
		return result[i].Tier < result[j].Tier
	})
	return result, nil
}

// Get returns a copy of the entry for code.
func (m *Memory) Get(code string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[code]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

var _ Inventory = (*Memory)(nil)
