package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/fsm"
)

// Memory is a thread-safe in-process Store.
type Memory struct {
	mu        sync.RWMutex
	now       func() time.Time
	instances map[string]*fsm.Instance
	outbox    []OutboxEntry
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		now:       o.now,
		instances: make(map[string]*fsm.Instance),
	}
}

// Load returns a copy of the stored instance.
func (m *Memory) Load(_ context.Context, id string) (*fsm.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[strings.TrimSpace(id)]
	if !ok {
		return nil, notFoundError(id)
	}
	return inst.Clone(), nil
}

// Save writes inst when expectedVersion matches the stored version.
func (m *Memory) Save(_ context.Context, inst *fsm.Instance, expectedVersion int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(inst, expectedVersion)
}

func (m *Memory) saveLocked(inst *fsm.Instance, expectedVersion int) (int, error) {
	if err := validateInstance(inst); err != nil {
		return 0, err
	}
	current, ok := m.instances[inst.ID]
	actual := 0
	if ok {
		actual = current.Version
	}
	if actual != expectedVersion {
		return 0, conflictError(inst.ID, expectedVersion, actual)
	}
	snap := inst.Clone()
	snap.Version = expectedVersion + 1
	m.instances[inst.ID] = snap
	return snap.Version, nil
}

// Delete removes an instance; deleting a missing instance is not an error.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, strings.TrimSpace(id))
	return nil
}

// List returns copies of all instances ordered by id.
func (m *Memory) List(_ context.Context) ([]*fsm.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*fsm.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Commit saves the snapshot and appends intents under one lock.
func (m *Memory) Commit(_ context.Context, inst *fsm.Instance, expectedVersion int, intents []sc.Intent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, err := m.saveLocked(inst, expectedVersion)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	for _, it := range intents {
		m.outbox = append(m.outbox, OutboxEntry{
			ID:        uuid.NewString(),
			EntityID:  inst.ID,
			Intent:    sc.CloneIntents([]sc.Intent{it})[0],
			Status:    StatusPending,
			CreatedAt: now,
		})
	}
	return version, nil
}

// ClaimPending leases up to limit claimable entries for workerID.
func (m *Memory) ClaimPending(_ context.Context, workerID string, limit int, leaseUntil time.Time) ([]OutboxEntry, error) {
	now := m.now().UTC()
	workerID, limit, leaseUntil, err := normalizeClaim(workerID, limit, leaseUntil, now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	claimed := make([]OutboxEntry, 0, limit)
	for idx := range m.outbox {
		entry := m.outbox[idx]
		if !claimable(entry, now) {
			continue
		}
		entry.Status = StatusLeased
		entry.LeaseOwner = workerID
		entry.LeaseUntil = leaseUntil
		entry.Attempts++
		m.outbox[idx] = entry
		claimed = append(claimed, cloneEntry(entry))
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

// MarkCompleted marks an entry as delivered.
func (m *Memory) MarkCompleted(_ context.Context, id string) error {
	processedAt := m.now().UTC()
	return m.update(id, func(entry *OutboxEntry) {
		entry.Status = StatusCompleted
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = time.Time{}
		entry.ProcessedAt = &processedAt
		entry.LastError = ""
	})
}

// MarkFailed returns an entry to pending with a retry time.
func (m *Memory) MarkFailed(_ context.Context, id string, retryAt time.Time, reason string) error {
	return m.update(id, func(entry *OutboxEntry) {
		entry.Status = StatusPending
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = retryAt.UTC()
		entry.ProcessedAt = nil
		entry.LastError = strings.TrimSpace(reason)
	})
}

// MarkDeadLetter parks an entry permanently.
func (m *Memory) MarkDeadLetter(_ context.Context, id string, reason string) error {
	processedAt := m.now().UTC()
	return m.update(id, func(entry *OutboxEntry) {
		entry.Status = StatusDeadLetter
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.ProcessedAt = &processedAt
		entry.LastError = strings.TrimSpace(reason)
	})
}

// Entries returns copies of every outbox entry in insertion order.
func (m *Memory) Entries(_ context.Context) ([]OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OutboxEntry, len(m.outbox))
	for idx, entry := range m.outbox {
		out[idx] = cloneEntry(entry)
	}
	return out, nil
}

func (m *Memory) update(id string, fn func(*OutboxEntry)) error {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.outbox {
		if m.outbox[idx].ID == id {
			fn(&m.outbox[idx])
			return nil
		}
	}
	return outboxNotFound(id)
}
