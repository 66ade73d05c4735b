package signal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport. It backs single-host operation
// and the test suite. Every delivery happens on its own goroutine, so
// subscribers observe the same best-effort ordering they would get from a
// networked transport.
type MemoryTransport struct {
	mu       sync.Mutex
	nextID   uint64
	subs     map[string]map[uint64]*memorySub
	retained map[string][]Signal
	closed   bool
}

type memorySub struct {
	selfID string
	fn     Handler
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs:     make(map[string]map[uint64]*memorySub),
		retained: make(map[string][]Signal),
	}
}

// Publish implements Transport.
func (t *MemoryTransport) Publish(ctx context.Context, sig Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}

	t.nextID++
	sig.ID = fmt.Sprintf("mem-%d", t.nextID)
	sig.CreatedAt = time.Now()
	t.retained[sig.ChannelID] = append(t.retained[sig.ChannelID], sig)

	var targets []*memorySub
	for _, sub := range t.subs[sig.ChannelID] {
		if sig.AddressedTo(sub.selfID) {
			targets = append(targets, sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range targets {
		go sub.fn(sig)
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(channelID, selfID string, fn Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	if t.subs[channelID] == nil {
		t.subs[channelID] = make(map[uint64]*memorySub)
	}
	t.subs[channelID][id] = &memorySub{selfID: selfID, fn: fn}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[channelID], id)
	}
}

// Purge implements Transport.
func (t *MemoryTransport) Purge(_ context.Context, channelID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.retained, channelID)
	return nil
}

// Retained returns a copy of the retained signals for a channel. Tests use it
// to assert purge semantics.
func (t *MemoryTransport) Retained(channelID string) []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Signal, len(t.retained[channelID]))
	copy(out, t.retained[channelID])
	return out
}

// Close rejects further publishes. Existing subscriptions become inert.
func (t *MemoryTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subs = make(map[string]map[uint64]*memorySub)
}

var _ Transport = (*MemoryTransport)(nil)
