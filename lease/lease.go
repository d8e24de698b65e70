// Package lease implements the single-writer discipline for workflow
// instances: a lease id proves ownership and a per-key epoch fences writers
// that were superseded.
package lease

import (
	"context"
	"fmt"
	"time"

	sc "github.com/goliatone/go-statecontract"
)

// Lease is a time-bounded ownership grant for one key.
type Lease struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease ran out at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Coordinator grants and checks leases. Every successful Acquire of a key
// increments its epoch.
type Coordinator interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, l Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, l Lease) error
	Validate(ctx context.Context, l Lease) error
}

func heldError(key, owner string, epoch int64) error {
	return sc.NewError(
		sc.ErrLeaseHeld,
		fmt.Sprintf("lease for %q is held by another owner", key),
		nil,
		map[string]any{"key": key, "owner": owner, "epoch": epoch},
	)
}

func notHeldError(l Lease) error {
	return sc.NewError(
		sc.ErrLeaseNotHeld,
		fmt.Sprintf("lease %s for %q is not held", l.ID, l.Key),
		nil,
		map[string]any{"key": l.Key, "lease_id": l.ID, "epoch": l.Epoch},
	)
}

// StaleEpochError reports a caller whose epoch was superseded by current.
func StaleEpochError(key string, have, current int64) error {
	return sc.NewError(
		sc.ErrStaleEpoch,
		fmt.Sprintf("epoch %d for %q is stale, current epoch is %d", have, key, current),
		nil,
		map[string]any{"key": key, "epoch": have, "current_epoch": current},
	)
}

// lostLease picks STALE_EPOCH when the key moved on past l, else LEASE_NOT_HELD.
func lostLease(l Lease, current int64) error {
	if current > l.Epoch {
		return StaleEpochError(l.Key, l.Epoch, current)
	}
	return notHeldError(l)
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return sc.NewError(sc.ErrContextInvalid, "lease ttl must be positive", nil, map[string]any{"ttl": ttl.String()})
	}
	return nil
}
