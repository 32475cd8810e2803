package loyalty

import (
	"context"
	"sync"
)

// customerLocks serializes work per customer inside one process. A waiter
// gives up when its context ends.
type customerLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newCustomerLocks() *customerLocks {
	return &customerLocks{slots: make(map[string]*lockSlot)}
}

// Lock blocks until the customer's slot is free and returns its release.
func (l *customerLocks) Lock(ctx context.Context, customerID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[customerID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[customerID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(customerID, slot)
		}, nil
	case <-ctx.Done():
		l.release(customerID, slot)
		return nil, ctx.Err()
	}
}

func (l *customerLocks) release(customerID string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, customerID)
	}
}

// held returns the number of customers with a holder or waiter.
func (l *customerLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
