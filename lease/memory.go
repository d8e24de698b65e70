package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Coordinator.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
	epochs map[string]int64
}

// MemoryOption customizes a Memory coordinator.
type MemoryOption func(*Memory)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty coordinator.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		leases: make(map[string]Lease),
		epochs: make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && !cur.Expired(now) && cur.Owner != owner {
		return Lease{}, heldError(key, cur.Owner, cur.Epoch)
	}
	m.epochs[key]++
	l := Lease{
		Key:       key,
		ID:        uuid.NewString(),
		Owner:     owner,
		Epoch:     m.epochs[key],
		ExpiresAt: now.Add(ttl),
	}
	m.leases[key] = l
	return l, nil
}

func (m *Memory) Renew(_ context.Context, l Lease, ttl time.Duration) (Lease, error) {
	if err := validateTTL(ttl); err != nil {
		return Lease{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.current(l)
	if err != nil {
		return Lease{}, err
	}
	cur.ExpiresAt = m.now().Add(ttl)
	m.leases[l.Key] = cur
	return cur, nil
}

func (m *Memory) Release(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.current(l); err != nil {
		return err
	}
	delete(m.leases, l.Key)
	return nil
}

func (m *Memory) Validate(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.current(l)
	return err
}

// Epoch returns the latest epoch granted for key.
func (m *Memory) Epoch(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[key]
}

func (m *Memory) current(l Lease) (Lease, error) {
	cur, ok := m.leases[l.Key]
	if !ok || cur.Expired(m.now()) {
		return Lease{}, lostLease(l, m.epochs[l.Key])
	}
	if cur.ID != l.ID {
		return Lease{}, lostLease(l, cur.Epoch)
	}
	return cur, nil
}
