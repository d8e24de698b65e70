package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/fsm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func newSQLite(t *testing.T, opts ...Option) *SQLite {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLite(db, opts...)
}

func snapshotStores(t *testing.T) map[string]SnapshotStore {
	t.Helper()

	boltStore, err := OpenBolt(filepath.Join(t.TempDir(), "instances.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]SnapshotStore{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
		"bolt":   boltStore,
		"redis":  NewRedis(client, WithKeyPrefix("test:")),
	}
}

func outboxStores(t *testing.T, clock *fakeClock) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemory(WithClock(clock.Now)),
		"sqlite": newSQLite(t, WithClock(clock.Now), WithTable("registrations")),
	}
}

func sampleInstance(id string) *fsm.Instance {
	return &fsm.Instance{
		ID:             id,
		MachineID:      "dual-registration",
		MachineVersion: "v1",
		CorrelationID:  "corr-" + id,
		State:          "validating",
		Context: sc.ContextMap{
			"service_id":  sc.String("svc-1"),
			"retry_count": sc.Int(0),
			"a_applied":   sc.Bool(false),
			"labels.zone": sc.String("eu"),
			"ports":       sc.Array(sc.Int(80), sc.Int(443)),
		},
		EnteredAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		History:   []string{"unregistered"},
		LeaseID:   "lease-1",
		Epoch:     3,
	}
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "svc-1")
			require.Error(t, err)
			assert.Equal(t, sc.ErrCodeInstanceNotFound, sc.ErrorCode(err))

			inst := sampleInstance("svc-1")
			version, err := s.Save(ctx, inst, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, version)

			got, err := s.Load(ctx, "svc-1")
			require.NoError(t, err)
			assert.Equal(t, 1, got.Version)
			assert.Equal(t, inst.State, got.State)
			assert.Equal(t, inst.CorrelationID, got.CorrelationID)
			assert.Equal(t, inst.History, got.History)
			assert.Equal(t, inst.Epoch, got.Epoch)
			assert.True(t, inst.EnteredAt.Equal(got.EnteredAt))
			assert.Equal(t, inst.Context.Plain(), got.Context.Plain())

			got.State = "registering-A"
			version, err = s.Save(ctx, got, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, version)

			reloaded, err := s.Load(ctx, "svc-1")
			require.NoError(t, err)
			assert.Equal(t, "registering-A", reloaded.State)
			assert.Equal(t, 2, reloaded.Version)
		})
	}
}

func TestSnapshotStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	for name, s := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			inst := sampleInstance("svc-2")
			_, err := s.Save(ctx, inst, 0)
			require.NoError(t, err)

			_, err = s.Save(ctx, inst, 0)
			require.Error(t, err)
			assert.Equal(t, sc.ErrCodeVersionConflict, sc.ErrorCode(err))

			_, err = s.Save(ctx, inst, 4)
			require.Error(t, err)
			assert.Equal(t, sc.ErrCodeVersionConflict, sc.ErrorCode(err))
			assert.Contains(t, err.Error(), "expected version 4, found 1")

			_, err = s.Save(ctx, sampleInstance("svc-missing"), 1)
			require.Error(t, err)
			assert.Equal(t, sc.ErrCodeVersionConflict, sc.ErrorCode(err))
		})
	}
}

func TestSnapshotStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	for name, s := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"b", "a", "c"} {
				_, err := s.Save(ctx, sampleInstance(id), 0)
				require.NoError(t, err)
			}
			require.NoError(t, s.Delete(ctx, "b"))
			require.NoError(t, s.Delete(ctx, "b"), "delete is idempotent")

			list, err := s.List(ctx)
			require.NoError(t, err)
			var ids []string
			for _, inst := range list {
				ids = append(ids, inst.ID)
			}
			assert.Equal(t, []string{"a", "c"}, ids)

			_, err = s.Load(ctx, "b")
			assert.Equal(t, sc.ErrCodeInstanceNotFound, sc.ErrorCode(err))
		})
	}
}

func TestSnapshotStoreRejectsMissingID(t *testing.T) {
	ctx := context.Background()
	for name, s := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Save(ctx, &fsm.Instance{}, 0)
			require.Error(t, err)
			assert.Equal(t, sc.ErrCodeContextInvalid, sc.ErrorCode(err))

			_, err = s.Save(ctx, nil, 0)
			require.Error(t, err)
		})
	}
}

func TestSnapshotStoreConcurrentCreateHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range snapshotStores(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Save(ctx, sampleInstance("race"), 0); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func registrationIntents() []sc.Intent {
	return []sc.Intent{
		{Kind: "register", Target: "system_of_record", Payload: map[string]any{"service_id": "svc-1"}, CorrelationID: "corr-1", Sequence: 1},
		{Kind: "register", Target: "service_registry", Payload: map[string]any{"address": "10.0.0.1"}, CorrelationID: "corr-1", Order: 1, Sequence: 2},
	}
}

func TestOutboxCommitIsAtomicWithSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	for name, s := range outboxStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			inst := sampleInstance("svc-1")
			version, err := s.Commit(ctx, inst, 0, registrationIntents())
			require.NoError(t, err)
			assert.Equal(t, 1, version)

			entries, err := s.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "system_of_record", entries[0].Intent.Target)
			assert.Equal(t, "service_registry", entries[1].Intent.Target)
			assert.Equal(t, StatusPending, entries[0].Status)
			assert.Equal(t, "svc-1", entries[0].EntityID)
			assert.NotEmpty(t, entries[0].ID)
			assert.True(t, clock.Now().Equal(entries[0].CreatedAt))

			_, err = s.Commit(ctx, inst, 0, registrationIntents())
			require.Error(t, err)
			assert.Equal(t, sc.ErrCodeVersionConflict, sc.ErrorCode(err))

			entries, err = s.Entries(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 2, "conflicting commit must not append intents")
		})
	}
}

func TestOutboxClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	for name, s := range outboxStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Commit(ctx, sampleInstance("svc-1"), 0, registrationIntents())
			require.NoError(t, err)

			_, err = s.ClaimPending(ctx, " ", 10, time.Time{})
			require.Error(t, err)

			leaseUntil := clock.Now().Add(time.Minute)
			claimed, err := s.ClaimPending(ctx, "worker-1", 1, leaseUntil)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			first := claimed[0]
			assert.Equal(t, StatusLeased, first.Status)
			assert.Equal(t, "worker-1", first.LeaseOwner)
			assert.Equal(t, 1, first.Attempts)
			assert.Equal(t, "system_of_record", first.Intent.Target)

			claimed, err = s.ClaimPending(ctx, "worker-2", 10, leaseUntil)
			require.NoError(t, err)
			require.Len(t, claimed, 1, "leased entry is not claimable")
			second := claimed[0]

			require.NoError(t, s.MarkCompleted(ctx, first.ID))
			require.NoError(t, s.MarkFailed(ctx, second.ID, clock.Now().Add(10*time.Second), "registry down"))

			claimed, err = s.ClaimPending(ctx, "worker-1", 10, leaseUntil)
			require.NoError(t, err)
			assert.Empty(t, claimed, "retry time not reached")

			clock.Advance(10 * time.Second)
			claimed, err = s.ClaimPending(ctx, "worker-1", 10, clock.Now().Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			assert.Equal(t, second.ID, claimed[0].ID)
			assert.Equal(t, 2, claimed[0].Attempts)
			assert.Equal(t, "registry down", claimed[0].LastError)

			require.NoError(t, s.MarkDeadLetter(ctx, second.ID, "gave up"))

			entries, err := s.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, StatusCompleted, entries[0].Status)
			require.NotNil(t, entries[0].ProcessedAt)
			assert.Equal(t, StatusDeadLetter, entries[1].Status)
			assert.Equal(t, "gave up", entries[1].LastError)

			clock.Advance(time.Hour)
			claimed, err = s.ClaimPending(ctx, "worker-1", 10, time.Time{})
			require.NoError(t, err)
			assert.Empty(t, claimed)
		})
	}
}

func TestOutboxExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	for name, s := range outboxStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Commit(ctx, sampleInstance("svc-1"), 0, registrationIntents()[:1])
			require.NoError(t, err)

			claimed, err := s.ClaimPending(ctx, "worker-1", 10, clock.Now().Add(5*time.Second))
			require.NoError(t, err)
			require.Len(t, claimed, 1)

			clock.Advance(5 * time.Second)
			claimed, err = s.ClaimPending(ctx, "worker-2", 10, clock.Now().Add(5*time.Second))
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			assert.Equal(t, "worker-2", claimed[0].LeaseOwner)
			assert.Equal(t, 2, claimed[0].Attempts)
		})
	}
}

func TestOutboxMarkUnknownEntry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	for name, s := range outboxStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.MarkCompleted(ctx, "missing"))
			assert.Error(t, s.MarkFailed(ctx, "missing", clock.Now(), "x"))
			assert.Error(t, s.MarkDeadLetter(ctx, "missing", "x"))
		})
	}
}
