// Package host runs contract instances: it serializes triggers per
// instance, fences writers with lease epochs, persists snapshots together
// with their intents, and fires state timeouts.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/dispatch"
	"github.com/goliatone/go-statecontract/fsm"
	"github.com/goliatone/go-statecontract/lease"
	"github.com/goliatone/go-statecontract/store"
)

// DefaultLeaseTTL is the ttl of leases acquired by Claim unless
// WithLeaseTTL says otherwise.
const DefaultLeaseTTL = 30 * time.Second

// Sink receives intents after a snapshot was saved, for stores without an
// outbox. dispatch.Dispatcher implements it.
type Sink interface {
	Publish(ctx context.Context, entityID string, intents []sc.Intent) error
}

// Recorder observes host activity. metrics.Recorder implements it.
type Recorder interface {
	ObserveTransition(machineID, from, to, trigger string)
	ObserveBlocked(machineID, state, trigger string)
	ObserveError(machineID, code string)
	ObserveSubmit(machineID string, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveTransition(string, string, string, string) {}
func (noopRecorder) ObserveBlocked(string, string, string)            {}
func (noopRecorder) ObserveError(string, string)                      {}
func (noopRecorder) ObserveSubmit(string, time.Duration)              {}

// SubmitRequest is one trigger for one instance.
type SubmitRequest struct {
	EntityID string
	Trigger  string
	// Fields are merged into the instance context before the trigger fires.
	Fields sc.ContextMap
	// Lease overrides the lease the host holds for the instance.
	Lease *lease.Lease
	// Epoch, when set, is the epoch the trigger was produced under; older
	// epochs are rejected with STALE_EPOCH.
	Epoch int64
	// ExpectedState, when set, must match the current state.
	ExpectedState string
}

// Result summarizes a Begin or Submit call.
type Result struct {
	EntityID    string
	From        string
	State       string
	Path        []string
	Transitions []string
	Changed     bool
	Blocked     bool
	Exhausted   bool
	Escalated   bool
	Terminal    bool
	Version     int
	Intents     []sc.Intent

	// saved is set when the snapshot was written without an outbox and the
	// intents still need publishing to the sink.
	saved bool
}

// Host coordinates an engine, a snapshot store and a lease coordinator.
type Host struct {
	engine  *fsm.Engine
	machine *fsm.Machine
	store   store.SnapshotStore
	outbox  store.Outbox
	leases  lease.Coordinator

	logger         sc.Logger
	recorder       Recorder
	sink           Sink
	now            func() time.Time
	owner          string
	leaseTTL       time.Duration
	autoExhaust    bool
	retainTerminal bool

	mu    sync.Mutex
	locks map[string]*instanceLock
	held  map[string]lease.Lease
}

// instanceLock hands ownership to waiters in arrival order.
type instanceLock struct {
	busy    bool
	waiters []chan struct{}
}

// Option customizes a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger sc.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithRecorder sets the activity recorder.
func WithRecorder(recorder Recorder) Option {
	return func(h *Host) {
		if recorder != nil {
			h.recorder = recorder
		}
	}
}

// WithSink publishes intents after each save. It is used only when the
// store has no outbox.
func WithSink(sink Sink) Option {
	return func(h *Host) {
		h.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

// WithOwner sets the lease owner id; defaults to a random uuid.
func WithOwner(owner string) Option {
	return func(h *Host) {
		if owner = strings.TrimSpace(owner); owner != "" {
			h.owner = owner
		}
	}
}

// WithLeaseTTL sets the ttl of leases acquired by Claim.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(h *Host) {
		if ttl > 0 {
			h.leaseTTL = ttl
		}
	}
}

// WithAutoExhaust makes the host fire the contract's exhausted trigger when
// a retry trigger is blocked at the limit. Enabled by default.
func WithAutoExhaust(enable bool) Option {
	return func(h *Host) {
		h.autoExhaust = enable
	}
}

// WithRetainTerminal keeps terminal instances in the store instead of
// deleting them.
func WithRetainTerminal(retain bool) Option {
	return func(h *Host) {
		h.retainTerminal = retain
	}
}

// New builds a host. coordinator may be nil, in which case no lease is
// required to submit triggers.
func New(engine *fsm.Engine, snapshots store.SnapshotStore, coordinator lease.Coordinator, opts ...Option) (*Host, error) {
	if engine == nil {
		return nil, fmt.Errorf("host: engine required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("host: store required")
	}
	h := &Host{
		engine:      engine,
		machine:     engine.Machine(),
		store:       snapshots,
		leases:      coordinator,
		recorder:    noopRecorder{},
		now:         func() time.Time { return time.Now().UTC() },
		owner:       uuid.NewString(),
		leaseTTL:    DefaultLeaseTTL,
		autoExhaust: true,
		locks:       make(map[string]*instanceLock),
		held:        make(map[string]lease.Lease),
	}
	if outbox, ok := snapshots.(store.Outbox); ok {
		h.outbox = outbox
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = sc.WithLoggerFields(sc.NormalizeLogger(h.logger), map[string]any{
		"machine_id": h.machine.ID(),
		"owner":      h.owner,
	})
	return h, nil
}

// Engine returns the host engine.
func (h *Host) Engine() *fsm.Engine {
	return h.engine
}

// Owner returns the lease owner id.
func (h *Host) Owner() string {
	return h.owner
}

// Claim acquires the lease for id and remembers it for later submits.
func (h *Host) Claim(ctx context.Context, id string) (lease.Lease, error) {
	if h.leases == nil {
		return lease.Lease{}, fmt.Errorf("host: no lease coordinator configured")
	}
	l, err := h.leases.Acquire(ctx, id, h.owner, h.leaseTTL)
	if err != nil {
		return lease.Lease{}, err
	}
	h.keepLease(id, l)
	sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{
		"entity_id": id,
		"epoch":     l.Epoch,
	}).Debug("lease claimed")
	return l, nil
}

// Renew extends the held lease for id. A lease that lapsed while no newer
// epoch was granted is acquired again under a new epoch; a superseded lease
// is forgotten.
func (h *Host) Renew(ctx context.Context, id string) (lease.Lease, error) {
	unlock, err := h.lock(ctx, id)
	if err != nil {
		return lease.Lease{}, err
	}
	defer unlock()
	return h.renew(ctx, id)
}

// renew is Renew for callers already holding the instance lock.
func (h *Host) renew(ctx context.Context, id string) (lease.Lease, error) {
	l, ok := h.heldLease(id)
	if !ok || h.leases == nil {
		return lease.Lease{}, sc.NewError(sc.ErrLeaseNotHeld, fmt.Sprintf("no lease held for %s", id), nil, map[string]any{"entity_id": id})
	}
	renewed, err := h.leases.Renew(ctx, l, h.leaseTTL)
	if err == nil {
		h.keepLease(id, renewed)
		return renewed, nil
	}
	if !sc.HasCode(err, sc.ErrCodeLeaseNotHeld) {
		if lostOwnership(err) {
			h.forgetLease(id)
		}
		return lease.Lease{}, err
	}
	reacquired, err := h.leases.Acquire(ctx, id, h.owner, h.leaseTTL)
	if err != nil {
		if lostOwnership(err) {
			h.forgetLease(id)
		}
		return lease.Lease{}, err
	}
	h.keepLease(id, reacquired)
	sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{
		"entity_id": id,
		"epoch":     reacquired.Epoch,
	}).Info("lapsed lease reacquired")
	return reacquired, nil
}

// RenewLeases renews every lease the host holds and returns how many are
// still held afterwards.
func (h *Host) RenewLeases(ctx context.Context) (int, error) {
	if h.leases == nil {
		return 0, nil
	}
	h.mu.Lock()
	ids := make([]string, 0, len(h.held))
	for id := range h.held {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	renewed := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := h.Renew(ctx, id); err != nil {
			if lostOwnership(err) {
				sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{"entity_id": id}).
					Info("lease lost: %v", err)
				continue
			}
			errs = append(errs, fmt.Errorf("renew %s: %w", id, err))
			continue
		}
		renewed++
	}
	return renewed, errors.Join(errs...)
}

// Release gives up the held lease for id.
func (h *Host) Release(ctx context.Context, id string) error {
	l, ok := h.heldLease(id)
	if !ok {
		return nil
	}
	h.forgetLease(id)
	if h.leases == nil {
		return nil
	}
	return h.leases.Release(ctx, l)
}

// Begin starts a new instance. With a coordinator configured, the lease is
// claimed first unless already held.
func (h *Host) Begin(ctx context.Context, id string, fields sc.ContextMap) (*Result, error) {
	res, err := h.begin(ctx, id, fields)
	h.publish(ctx, res)
	return res, err
}

func (h *Host) begin(ctx context.Context, id string, fields sc.ContextMap) (*Result, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, sc.NewError(sc.ErrContextInvalid, "entity id required", nil, nil)
	}
	unlock, err := h.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var current lease.Lease
	if h.leases != nil {
		l, ok := h.heldLease(id)
		if !ok {
			if l, err = h.Claim(ctx, id); err != nil {
				return nil, err
			}
		}
		current = l
	}

	correlationID := uuid.NewString()
	logger := sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{
		"entity_id":      id,
		"correlation_id": correlationID,
		"epoch":          current.Epoch,
	})

	inst, intents, err := h.engine.Start(id, correlationID, fields)
	if err != nil {
		h.recorder.ObserveError(h.machine.ID(), sc.ErrorCode(err))
		logger.Warn("begin rejected: %v", err)
		return nil, err
	}
	inst.LeaseID = current.ID
	inst.Epoch = current.Epoch
	inst.EnteredAt = h.now()
	stampLease(intents, current)

	version, err := h.persist(ctx, inst, 0, intents)
	if err != nil {
		logger.Error("begin persist failed: %v", err)
		return nil, err
	}
	logger.Info("instance started state=%s", inst.State)

	return &Result{
		EntityID: id,
		State:    inst.State,
		Path:     []string{inst.State},
		Changed:  true,
		Version:  version,
		Intents:  intents,
		saved:    h.outbox == nil,
	}, nil
}

// Load returns the stored snapshot for id.
func (h *Host) Load(ctx context.Context, id string) (*fsm.Instance, error) {
	return h.store.Load(ctx, id)
}

// Trigger submits executor feedback; it implements dispatch.TriggerSink.
func (h *Host) Trigger(ctx context.Context, fb dispatch.Feedback) error {
	_, err := h.Submit(ctx, SubmitRequest{
		EntityID: fb.EntityID,
		Trigger:  fb.Trigger,
		Fields:   fb.Fields,
		Epoch:    fb.Epoch,
	})
	return err
}

// Submit fires one trigger. Calls for the same instance run in arrival
// order; calls for different instances run concurrently. Sink publishing
// happens after the instance is unlocked so executor feedback may submit
// follow-up triggers for the same instance.
func (h *Host) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	res, err := h.submit(ctx, req)
	h.publish(ctx, res)
	return res, err
}

func (h *Host) submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	start := h.now()
	id := strings.TrimSpace(req.EntityID)
	trigger := strings.TrimSpace(req.Trigger)
	if id == "" || trigger == "" {
		return nil, sc.NewError(sc.ErrContextInvalid, "entity id and trigger required", nil, map[string]any{
			"entity_id": id,
			"trigger":   trigger,
		})
	}
	defer func() {
		h.recorder.ObserveSubmit(h.machine.ID(), h.now().Sub(start))
	}()

	unlock, err := h.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{
		"entity_id": id,
		"trigger":   trigger,
	})

	inst, err := h.store.Load(ctx, id)
	if err != nil {
		return nil, h.fail(logger, "submit load failed", err)
	}
	logger = sc.WithLoggerFields(logger, map[string]any{"correlation_id": inst.CorrelationID})

	if req.ExpectedState != "" && inst.State != req.ExpectedState {
		return nil, sc.NewError(
			sc.ErrInvalidTransition,
			fmt.Sprintf("expected state %q, found %q", req.ExpectedState, inst.State),
			nil,
			map[string]any{"entity_id": id, "state": inst.State, "expected_state": req.ExpectedState},
		)
	}
	if req.Epoch > 0 && req.Epoch < inst.Epoch {
		return nil, h.fail(logger, "submit fenced", lease.StaleEpochError(id, req.Epoch, inst.Epoch))
	}
	if err := h.fence(ctx, id, inst, req.Lease); err != nil {
		return nil, h.fail(logger, "submit fenced", err)
	}
	logger = sc.WithLoggerFields(logger, map[string]any{"epoch": inst.Epoch})

	expected := inst.Version
	if len(req.Fields) > 0 {
		inst.Context = inst.Context.Merge(req.Fields)
	}

	res, stepErr := h.run(inst, trigger)
	if res.Changed {
		inst.EnteredAt = h.now()
	}
	res.Terminal = inst.Terminal()

	if res.Changed || len(res.Intents) > 0 {
		version, err := h.persist(ctx, inst, expected, res.Intents)
		if err != nil {
			return nil, h.fail(logger, "submit persist failed", err)
		}
		res.Version = version
		res.saved = h.outbox == nil
	} else {
		res.Version = expected
	}

	switch {
	case stepErr != nil:
		h.recorder.ObserveError(h.machine.ID(), sc.ErrorCode(stepErr))
		logger.Warn("trigger failed state=%s: %v", inst.State, stepErr)
	case res.Blocked:
		h.recorder.ObserveBlocked(h.machine.ID(), inst.State, trigger)
		logger.Info("trigger blocked state=%s", inst.State)
	default:
		h.recorder.ObserveTransition(h.machine.ID(), res.From, inst.State, trigger)
		logger.Info("transition %s -> %s path=%v", res.From, inst.State, res.Path)
	}

	if res.Terminal && !h.retainTerminal {
		h.collect(ctx, logger, id)
	}
	return res, stepErr
}

// run applies trigger and whatever the engine asks to follow: pending
// internal triggers and, when enabled, the exhausted trigger.
func (h *Host) run(inst *fsm.Instance, trigger string) (*Result, error) {
	out := &Result{EntityID: inst.ID, From: inst.State}

	step, err := h.engine.Apply(inst, trigger)
	out.merge(step)
	for err == nil && step.PendingTrigger != "" {
		step, err = h.engine.ApplyInternal(inst, step.PendingTrigger)
		out.merge(step)
	}

	if err == nil && out.Exhausted {
		exhausted := h.machine.RetryPolicy().ExhaustedTrigger
		if !h.autoExhaust || exhausted == "" {
			err = sc.NewError(
				sc.ErrRetryExhausted,
				fmt.Sprintf("retry limit %d reached in state %q", h.machine.RetryPolicy().Limit, inst.State),
				nil,
				map[string]any{"entity_id": inst.ID, "state": inst.State, "retry_count": inst.RetryCount},
			)
		} else {
			step, err = h.engine.Apply(inst, exhausted)
			out.merge(step)
			for err == nil && step.PendingTrigger != "" {
				step, err = h.engine.ApplyInternal(inst, step.PendingTrigger)
				out.merge(step)
			}
		}
	}

	out.State = inst.State
	for idx := range out.Intents {
		out.Intents[idx].Sequence = idx + 1
	}
	return out, err
}

func (r *Result) merge(step *fsm.StepResult) {
	if step == nil {
		return
	}
	r.Path = append(r.Path, step.Path...)
	r.Transitions = append(r.Transitions, step.Transitions...)
	r.Intents = append(r.Intents, step.Intents...)
	r.Changed = r.Changed || step.Changed
	r.Escalated = r.Escalated || step.Escalated
	r.Exhausted = r.Exhausted || step.Exhausted
	// Blocked reflects the last step: an exhausted trigger that moved on is not blocked.
	r.Blocked = step.Blocked
}

// fence checks the lease used for this submit and stamps it on the instance.
func (h *Host) fence(ctx context.Context, id string, inst *fsm.Instance, override *lease.Lease) error {
	if h.leases == nil {
		return nil
	}
	var l lease.Lease
	if override != nil {
		l = *override
	} else {
		held, ok := h.heldLease(id)
		if !ok {
			return sc.NewError(sc.ErrLeaseNotHeld, fmt.Sprintf("no lease held for %s", id), nil, map[string]any{"entity_id": id})
		}
		l = held
	}
	if l.Epoch < inst.Epoch {
		return lease.StaleEpochError(id, l.Epoch, inst.Epoch)
	}
	if err := h.leases.Validate(ctx, l); err != nil {
		if override != nil {
			return err
		}
		if !sc.HasCode(err, sc.ErrCodeLeaseNotHeld) {
			if lostOwnership(err) {
				h.forgetLease(id)
			}
			return err
		}
		if l, err = h.renew(ctx, id); err != nil {
			return err
		}
	}
	inst.LeaseID = l.ID
	inst.Epoch = l.Epoch
	return nil
}

func (h *Host) persist(ctx context.Context, inst *fsm.Instance, expected int, intents []sc.Intent) (int, error) {
	if h.outbox != nil {
		return h.outbox.Commit(ctx, inst, expected, intents)
	}
	return h.store.Save(ctx, inst, expected)
}

// publish hands saved intents to the sink. The snapshot is already durable,
// so delivery failures are logged and do not roll back.
func (h *Host) publish(ctx context.Context, res *Result) {
	if res == nil || !res.saved || h.sink == nil || len(res.Intents) == 0 {
		return
	}
	if err := h.sink.Publish(ctx, res.EntityID, res.Intents); err != nil {
		sc.WithLoggerFields(h.logger.WithContext(ctx), map[string]any{"entity_id": res.EntityID}).
			Error("intent publish failed: %v", err)
	}
}

func (h *Host) collect(ctx context.Context, logger sc.Logger, id string) {
	if err := h.store.Delete(ctx, id); err != nil {
		logger.Warn("terminal instance delete failed: %v", err)
	}
	if err := h.Release(ctx, id); err != nil {
		logger.Warn("terminal instance lease release failed: %v", err)
	}
	logger.Debug("terminal instance collected")
}

func (h *Host) fail(logger sc.Logger, msg string, err error) error {
	h.recorder.ObserveError(h.machine.ID(), sc.ErrorCode(err))
	logger.Warn("%s: %v", msg, err)
	return err
}

// lock serializes work on one instance in arrival order. Entries are
// dropped once nobody holds or waits for them. A waiter whose ctx ends
// leaves the queue and gets ctx's error.
func (h *Host) lock(ctx context.Context, id string) (func(), error) {
	h.mu.Lock()
	l, ok := h.locks[id]
	if !ok {
		l = &instanceLock{}
		h.locks[id] = l
	}
	unlock := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(l.waiters) > 0 {
			next := l.waiters[0]
			l.waiters = l.waiters[1:]
			close(next)
			return
		}
		l.busy = false
		delete(h.locks, id)
	}
	if !l.busy {
		l.busy = true
		h.mu.Unlock()
		return unlock, nil
	}

	turn := make(chan struct{})
	l.waiters = append(l.waiters, turn)
	h.mu.Unlock()

	select {
	case <-turn:
		return unlock, nil
	case <-ctx.Done():
	}

	h.mu.Lock()
	for idx, waiter := range l.waiters {
		if waiter == turn {
			l.waiters = append(l.waiters[:idx], l.waiters[idx+1:]...)
			h.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	h.mu.Unlock()
	// The turn was handed over while ctx ended; pass it on.
	unlock()
	return nil, ctx.Err()
}

func (h *Host) heldLease(id string) (lease.Lease, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.held[id]
	return l, ok
}

func (h *Host) keepLease(id string, l lease.Lease) {
	h.mu.Lock()
	h.held[id] = l
	h.mu.Unlock()
}

func (h *Host) forgetLease(id string) {
	h.mu.Lock()
	delete(h.held, id)
	h.mu.Unlock()
}

func stampLease(intents []sc.Intent, l lease.Lease) {
	for idx := range intents {
		intents[idx].LeaseID = l.ID
		intents[idx].Epoch = l.Epoch
	}
}

// lostOwnership reports errors meaning another owner has or had the lease.
func lostOwnership(err error) bool {
	return sc.HasCode(err, sc.ErrCodeLeaseHeld) ||
		sc.HasCode(err, sc.ErrCodeStaleEpoch) ||
		sc.HasCode(err, sc.ErrCodeLeaseNotHeld)
}
