// Package store persists workflow instance snapshots with optimistic
// versioning, and the intents produced by each transition in an outbox
// committed atomically with the snapshot.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/fsm"
)

// Outbox entry statuses.
const (
	StatusPending    = "pending"
	StatusLeased     = "leased"
	StatusCompleted  = "completed"
	StatusDeadLetter = "dead_letter"
)

// SnapshotStore persists instances. Save is a compare-and-set on Version:
// expectedVersion 0 creates, any other value must match the stored version.
type SnapshotStore interface {
	Load(ctx context.Context, id string) (*fsm.Instance, error)
	Save(ctx context.Context, inst *fsm.Instance, expectedVersion int) (int, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*fsm.Instance, error)
}

// Outbox stores intents for delivery by workers.
type Outbox interface {
	// Commit saves the snapshot and appends intents in one atomic step.
	Commit(ctx context.Context, inst *fsm.Instance, expectedVersion int, intents []sc.Intent) (int, error)
	ClaimPending(ctx context.Context, workerID string, limit int, leaseUntil time.Time) ([]OutboxEntry, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryAt time.Time, reason string) error
	MarkDeadLetter(ctx context.Context, id string, reason string) error
	Entries(ctx context.Context) ([]OutboxEntry, error)
}

// Store is a snapshot store with an outbox.
type Store interface {
	SnapshotStore
	Outbox
}

// OutboxEntry is one intent awaiting delivery.
type OutboxEntry struct {
	ID          string     `json:"id"`
	EntityID    string     `json:"entity_id"`
	Intent      sc.Intent  `json:"intent"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseUntil  time.Time  `json:"lease_until,omitempty"`
	RetryAt     time.Time  `json:"retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func claimable(entry OutboxEntry, now time.Time) bool {
	switch entry.Status {
	case "", StatusPending:
		return entry.RetryAt.IsZero() || !entry.RetryAt.After(now)
	case StatusLeased:
		return entry.LeaseUntil.IsZero() || !entry.LeaseUntil.After(now)
	default:
		return false
	}
}

func cloneEntry(entry OutboxEntry) OutboxEntry {
	out := entry
	out.Intent.Payload = sc.CopyPayload(entry.Intent.Payload)
	if entry.ProcessedAt != nil {
		ts := *entry.ProcessedAt
		out.ProcessedAt = &ts
	}
	return out
}

func validateInstance(inst *fsm.Instance) error {
	if inst == nil {
		return sc.NewError(sc.ErrContextInvalid, "instance required", nil, nil)
	}
	if strings.TrimSpace(inst.ID) == "" {
		return sc.NewError(sc.ErrContextInvalid, "instance id required", nil, nil)
	}
	return nil
}

func normalizeClaim(workerID string, limit int, leaseUntil, now time.Time) (string, int, time.Time, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return "", 0, time.Time{}, fmt.Errorf("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseUntil.IsZero() {
		leaseUntil = now.Add(30 * time.Second)
	}
	return workerID, limit, leaseUntil.UTC(), nil
}

func conflictError(id string, expected, actual int) error {
	return sc.NewError(
		sc.ErrVersionConflict,
		fmt.Sprintf("instance %s: expected version %d, found %d", id, expected, actual),
		nil,
		map[string]any{"entity_id": id, "expected_version": expected, "actual_version": actual},
	)
}

func notFoundError(id string) error {
	return sc.NewError(
		sc.ErrInstanceNotFound,
		fmt.Sprintf("instance %s not found", id),
		nil,
		map[string]any{"entity_id": id},
	)
}

func outboxNotFound(id string) error {
	return fmt.Errorf("outbox %s not found", id)
}

// encodeInstance stamps the new version and serializes the snapshot.
func encodeInstance(inst *fsm.Instance, version int) ([]byte, error) {
	snap := inst.Clone()
	snap.Version = version
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	return data, nil
}

func decodeInstance(data []byte) (*fsm.Instance, error) {
	var inst fsm.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	if inst.Context == nil {
		inst.Context = sc.ContextMap{}
	}
	return &inst, nil
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now    func() time.Time
	table  string
	prefix string
}

// WithClock overrides the time source used for outbox timestamps and claims.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTable sets the SQLite table name; the outbox uses the same name with an "_outbox" suffix.
func WithTable(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.table = name
		}
	}
}

// WithKeyPrefix sets the key prefix used by the Redis store.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    func() time.Time { return time.Now().UTC() },
		table:  "instances",
		prefix: "fsm:",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
