package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/dualreg"
	"github.com/goliatone/go-statecontract/fsm"
	"github.com/goliatone/go-statecontract/lease"
	"github.com/goliatone/go-statecontract/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
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

type fixture struct {
	host   *Host
	store  *store.Memory
	leases *lease.Memory
	clock  *fakeClock
}

func newFixture(t *testing.T, engineOpts []fsm.EngineOption, opts ...Option) fixture {
	t.Helper()
	engine, err := dualreg.NewEngine(engineOpts...)
	require.NoError(t, err)
	clock := newClock()
	mem := store.NewMemory(store.WithClock(clock.Now))
	leases := lease.NewMemory(lease.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now), WithOwner("host-a"), WithLeaseTTL(10 * time.Minute)}, opts...)
	h, err := New(engine, mem, leases, opts...)
	require.NoError(t, err)
	return fixture{host: h, store: mem, leases: leases, clock: clock}
}

func serviceFields() sc.ContextMap {
	return sc.MustFlatten(map[string]any{
		dualreg.FieldServiceID:      "svc_42",
		dualreg.FieldServiceName:    "billing",
		dualreg.FieldServiceAddress: "10.0.0.7:8080",
	})
}

func submit(t *testing.T, h *Host, trigger string, fields sc.ContextMap) *Result {
	t.Helper()
	res, err := h.Submit(context.Background(), SubmitRequest{EntityID: "svc_42", Trigger: trigger, Fields: fields})
	require.NoError(t, err, trigger)
	return res
}

func aApplied(v bool) sc.ContextMap {
	return sc.ContextMap{dualreg.FieldAApplied: sc.Bool(v)}
}

func driveToRegistered(t *testing.T, h *Host) {
	t.Helper()
	ctx := context.Background()
	_, err := h.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)
	submit(t, h, dualreg.TriggerRegister, nil)
	submit(t, h, dualreg.TriggerValidationPassed, nil)
	submit(t, h, dualreg.TriggerASucceeded, nil)
	submit(t, h, dualreg.TriggerBSucceeded, nil)
}

func TestBeginClaimsLeaseAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)
	assert.Equal(t, dualreg.StateUnregistered, res.State)
	assert.Equal(t, 1, res.Version)

	inst, err := f.store.Load(ctx, "svc_42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inst.Epoch)
	assert.NotEmpty(t, inst.LeaseID)
	assert.NotEmpty(t, inst.CorrelationID)
	assert.True(t, f.clock.Now().Equal(inst.EnteredAt))

	_, err = f.host.Begin(ctx, "svc_42", serviceFields())
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeVersionConflict, sc.ErrorCode(err))

	_, err = f.host.Begin(ctx, "svc_43", sc.ContextMap{})
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeContextInvalid, sc.ErrorCode(err))
}

func TestSubmitHappyPathCommitsIntentsToOutbox(t *testing.T) {
	f := newFixture(t, nil, WithRetainTerminal(true))
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)

	submit(t, f.host, dualreg.TriggerRegister, nil)
	submit(t, f.host, dualreg.TriggerValidationPassed, nil)
	res := submit(t, f.host, dualreg.TriggerASucceeded, aApplied(true))
	assert.Equal(t, dualreg.StateRegisteringB, res.State)
	assert.Equal(t, []string{dualreg.StateCheckpointADone, dualreg.StateRegisteringB}, res.Path)

	res = submit(t, f.host, dualreg.TriggerBSucceeded, nil)
	assert.Equal(t, dualreg.StateRegistered, res.State)
	assert.False(t, res.Terminal)

	entries, err := f.store.Entries(ctx)
	require.NoError(t, err)
	var successEvents int
	for idx, entry := range entries {
		assert.Equal(t, "svc_42", entry.EntityID)
		assert.Equal(t, int64(1), entry.Intent.Epoch, "entry %d", idx)
		if entry.Intent.Target == dualreg.TargetEvents {
			successEvents++
		}
	}
	assert.Equal(t, 1, successEvents)

	inst, err := f.store.Load(ctx, "svc_42")
	require.NoError(t, err)
	assert.Equal(t, dualreg.StateRegistered, inst.State)
	assert.Equal(t, 5, inst.Version)
}

func TestSubmitFollowsPendingTriggerInTwoStepMode(t *testing.T) {
	f := newFixture(t, []fsm.EngineOption{fsm.WithCollapseInternalTriggers(false)})
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)
	submit(t, f.host, dualreg.TriggerRegister, nil)
	submit(t, f.host, dualreg.TriggerValidationPassed, nil)

	res := submit(t, f.host, dualreg.TriggerASucceeded, aApplied(true))
	assert.Equal(t, dualreg.StateRegisteringB, res.State)
	assert.Equal(t, []string{"a_succeeded", "checkpoint_a_recorded"}, res.Transitions)

	var sequences []int
	for _, it := range res.Intents {
		sequences = append(sequences, it.Sequence)
	}
	for idx, seq := range sequences {
		assert.Equal(t, idx+1, seq)
	}
}

func driveToExhaustedPartial(t *testing.T, h *Host) {
	t.Helper()
	_, err := h.Begin(context.Background(), "svc_42", serviceFields())
	require.NoError(t, err)
	submit(t, h, dualreg.TriggerRegister, nil)
	submit(t, h, dualreg.TriggerValidationPassed, nil)
	submit(t, h, dualreg.TriggerASucceeded, aApplied(true))
	for i := 0; i < dualreg.RetryLimit; i++ {
		submit(t, h, dualreg.TriggerBFailed, nil)
		res := submit(t, h, dualreg.TriggerRetry, nil)
		require.Equal(t, dualreg.StateRegisteringB, res.State)
	}
	submit(t, h, dualreg.TriggerBFailed, nil)
}

func TestSubmitInjectsExhaustedTrigger(t *testing.T) {
	f := newFixture(t, nil)
	driveToExhaustedPartial(t, f.host)

	res := submit(t, f.host, dualreg.TriggerRetry, nil)
	assert.True(t, res.Exhausted)
	assert.False(t, res.Blocked)
	assert.Equal(t, dualreg.StateFailed, res.State)
	assert.Equal(t, []string{"retry_exhausted"}, res.Transitions)
}

func TestSubmitReportsExhaustionWithoutAutoExhaust(t *testing.T) {
	f := newFixture(t, nil, WithAutoExhaust(false))
	driveToExhaustedPartial(t, f.host)

	res, err := f.host.Submit(context.Background(), SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerRetry})
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeRetryExhausted, sc.ErrorCode(err))
	assert.True(t, res.Exhausted)
	assert.Equal(t, dualreg.StatePartial, res.State)

	inst, err := f.store.Load(context.Background(), "svc_42")
	require.NoError(t, err)
	assert.Equal(t, dualreg.StatePartial, inst.State)
}

func TestSubmitRequiresHeldLease(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)
	require.NoError(t, f.host.Release(ctx, "svc_42"))

	_, err = f.host.Submit(ctx, SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerRegister})
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeLeaseNotHeld, sc.ErrorCode(err))

	_, err = f.host.Claim(ctx, "svc_42")
	require.NoError(t, err)
	submit(t, f.host, dualreg.TriggerRegister, nil)
}

func TestStaleHostIsFencedAfterTakeover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)

	other, err := New(f.host.Engine(), f.store, f.leases, WithClock(f.clock.Now), WithOwner("host-b"), WithLeaseTTL(time.Minute))
	require.NoError(t, err)

	_, err = other.Claim(ctx, "svc_42")
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeLeaseHeld, sc.ErrorCode(err))

	f.clock.Advance(11 * time.Minute)
	taken, err := other.Claim(ctx, "svc_42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), taken.Epoch)

	_, err = other.Submit(ctx, SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerRegister})
	require.NoError(t, err)

	_, err = f.host.Submit(ctx, SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerValidationPassed})
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeStaleEpoch, sc.ErrorCode(err))

	inst, err := f.store.Load(ctx, "svc_42")
	require.NoError(t, err)
	assert.Equal(t, dualreg.StateValidating, inst.State)
	assert.Equal(t, int64(2), inst.Epoch)
}

func TestStaleFeedbackIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)
	submit(t, f.host, dualreg.TriggerRegister, nil)

	// Re-acquiring bumps the epoch; feedback from the first epoch is stale.
	_, err = f.host.Claim(ctx, "svc_42")
	require.NoError(t, err)
	submit(t, f.host, dualreg.TriggerValidationPassed, nil)

	res, err := f.host.Submit(ctx, SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerASucceeded, Epoch: 1})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, sc.ErrCodeStaleEpoch, sc.ErrorCode(err))
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.host.Submit(context.Background(), SubmitRequest{EntityID: "svc_42"})
	assert.Equal(t, sc.ErrCodeContextInvalid, sc.ErrorCode(err))

	_, err = f.host.Claim(context.Background(), "ghost")
	require.NoError(t, err)
	_, err = f.host.Submit(context.Background(), SubmitRequest{EntityID: "ghost", Trigger: "REGISTER"})
	assert.Equal(t, sc.ErrCodeInstanceNotFound, sc.ErrorCode(err))
}

func TestInvalidTriggerLeavesSnapshotUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)

	res, err := f.host.Submit(ctx, SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerBSucceeded})
	require.Error(t, err)
	assert.Equal(t, sc.ErrCodeInvalidTransition, sc.ErrorCode(err))
	assert.Equal(t, 1, res.Version)

	inst, err := f.store.Load(ctx, "svc_42")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Version)
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)
	submit(t, f.host, dualreg.TriggerRegister, nil)
	submit(t, f.host, dualreg.TriggerValidationPassed, nil)
	submit(t, f.host, dualreg.TriggerASucceeded, aApplied(true))

	// Each B_FAILED/RETRY pair either moves or is rejected; none may hit a
	// version conflict.
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trigger := dualreg.TriggerBFailed
			if i%2 == 1 {
				trigger = dualreg.TriggerRetry
			}
			_, err := f.host.Submit(ctx, SubmitRequest{EntityID: "svc_42", Trigger: trigger})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NotEqual(t, sc.ErrCodeVersionConflict, sc.ErrorCode(err))
	}
}

func TestTerminalInstancesAreCollected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	driveToRegistered(t, f.host)
	submit(t, f.host, dualreg.TriggerShutdown, nil)
	res := submit(t, f.host, dualreg.TriggerDeregistrationComplete, nil)
	assert.True(t, res.Terminal)

	_, err := f.store.Load(ctx, "svc_42")
	assert.Equal(t, sc.ErrCodeInstanceNotFound, sc.ErrorCode(err))

	_, err = f.leases.Acquire(ctx, "svc_42", "someone-else", time.Minute)
	assert.NoError(t, err, "lease released with the instance")
}

func TestSubmitReacquiresLapsedLease(t *testing.T) {
	f := newFixture(t, nil, WithLeaseTTL(DefaultLeaseTTL))
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)
	res := submit(t, f.host, dualreg.TriggerRegister, nil)
	assert.Equal(t, dualreg.StateValidating, res.State)

	inst, err := f.store.Load(ctx, "svc_42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.Epoch)
}

func TestSubmitGivesUpWaitingWhenContextEnds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.host.Begin(ctx, "svc_42", serviceFields())
	require.NoError(t, err)

	unlock, err := f.host.lock(ctx, "svc_42")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = f.host.Submit(waitCtx, SubmitRequest{EntityID: "svc_42", Trigger: dualreg.TriggerRegister})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.host.mu.Lock()
	assert.Empty(t, f.host.locks["svc_42"].waiters)
	f.host.mu.Unlock()

	unlock()
	submit(t, f.host, dualreg.TriggerRegister, nil)

	f.host.mu.Lock()
	assert.Empty(t, f.host.locks)
	f.host.mu.Unlock()
}
