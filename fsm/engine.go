package fsm

import (
	"fmt"
	"strings"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/guard"
)

// Engine applies triggers to instances of one compiled machine. It performs
// no I/O and never reads the clock: side effects leave as intents.
type Engine struct {
	machine  *Machine
	collapse bool
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithCollapseInternalTriggers controls whether a state's internal trigger is
// applied in the same call (true, the default) or returned as
// StepResult.PendingTrigger for the caller to submit.
func WithCollapseInternalTriggers(enable bool) EngineOption {
	return func(e *Engine) {
		e.collapse = enable
	}
}

// NewEngine compiles def and returns an engine for it.
func NewEngine(def *MachineDefinition, opts ...EngineOption) (*Engine, error) {
	m, err := Compile(def)
	if err != nil {
		return nil, err
	}
	return NewEngineFromMachine(m, opts...), nil
}

// NewEngineFromMachine wraps an already compiled machine.
func NewEngineFromMachine(m *Machine, opts ...EngineOption) *Engine {
	e := &Engine{machine: m, collapse: true}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Machine returns the compiled contract.
func (e *Engine) Machine() *Machine {
	return e.machine
}

// CollapsesInternalTriggers reports the internal trigger mode.
func (e *Engine) CollapsesInternalTriggers() bool {
	return e.collapse
}

// Start creates an instance in the initial state and returns the initial
// state's entry intents.
func (e *Engine) Start(id, correlationID string, ctx sc.ContextMap) (*Instance, []sc.Intent, error) {
	m := e.machine
	initial := m.states[m.initial]

	if missing := missingFields(initial.def.RequiredFields, ctx); len(missing) > 0 {
		return nil, nil, sc.NewError(
			sc.ErrContextInvalid,
			fmt.Sprintf("initial state %q requires fields %s", m.initial, strings.Join(missing, ", ")),
			nil,
			map[string]any{"state": m.initial, "missing": missing},
		)
	}

	inst := &Instance{
		ID:             id,
		MachineID:      m.id,
		MachineVersion: m.version,
		CorrelationID:  correlationID,
		State:          m.initial,
		Context:        ctx.With(m.retry.Field, sc.Int(0)),
	}

	em := newEmitter(inst)
	intents, err := buildIntents(initial.def.Entry, e.scope(inst, "", "", m.initial, inst.Context))
	if err != nil {
		return nil, nil, sc.NewError(
			sc.ErrInternalTransition,
			fmt.Sprintf("initial state %q entry: %v", m.initial, err),
			err,
			map[string]any{"state": m.initial, "correlation_id": correlationID},
		)
	}
	em.addAll(intents)
	return inst, em.intents, nil
}

// Apply fires trigger against inst, mutating it on success. The result is
// always returned, also alongside an error, so callers can persist the
// diagnostic intents and any escalation.
func (e *Engine) Apply(inst *Instance, trigger string) (*StepResult, error) {
	return e.apply(inst, trigger, false)
}

// ApplyInternal fires a trigger the engine itself requested through
// StepResult.PendingTrigger. Failures escalate to the fatal state.
func (e *Engine) ApplyInternal(inst *Instance, trigger string) (*StepResult, error) {
	return e.apply(inst, trigger, true)
}

// Step is the stateless form of Apply: it reads the retry counter from the
// context and returns the new state and intents. The caller's context is not
// modified, so the retry counter and any transition assignments are lost;
// callers that keep state between steps use StepContext or an Instance with
// Apply, which is where the retry ceiling accumulates.
func (e *Engine) Step(current, trigger string, ctx sc.ContextMap) (string, []sc.Intent, error) {
	next, _, intents, err := e.StepContext(current, trigger, ctx)
	return next, intents, err
}

// StepContext is Step returning the context after the trigger, including the
// retry counter field and transition assignments. On a rejected or blocked
// trigger the returned context equals the input.
func (e *Engine) StepContext(current, trigger string, ctx sc.ContextMap) (string, sc.ContextMap, []sc.Intent, error) {
	field := e.machine.retry.Field
	count := 0
	if v, ok := ctx.Get(field); ok {
		n, isNum := v.Number()
		if !isNum || n < 0 {
			return current, ctx.Clone(), nil, sc.NewError(
				sc.ErrContextInvalid,
				fmt.Sprintf("context field %q must be a non-negative number", field),
				nil,
				map[string]any{"field": field},
			)
		}
		count = int(n)
	}
	inst := &Instance{
		MachineID:      e.machine.id,
		MachineVersion: e.machine.version,
		State:          current,
		Context:        ctx.Clone(),
		RetryCount:     count,
		Finished:       e.machine.IsTerminal(current),
	}
	res, err := e.Apply(inst, trigger)
	return res.State, inst.Context, res.Intents, err
}

func (e *Engine) apply(inst *Instance, trigger string, synthetic bool) (*StepResult, error) {
	trigger = strings.TrimSpace(trigger)
	if inst == nil {
		return &StepResult{Trigger: trigger}, sc.NewError(sc.ErrContextInvalid, "instance required", nil, nil)
	}
	res := &StepResult{From: inst.State, State: inst.State, Trigger: trigger}
	if _, ok := e.machine.states[inst.State]; !ok {
		return res, sc.NewError(
			sc.ErrInvalidTransition,
			fmt.Sprintf("unknown state %q", inst.State),
			nil,
			map[string]any{"state": inst.State, "trigger": trigger},
		)
	}
	if inst.Context == nil {
		inst.Context = sc.ContextMap{}
	}

	em := newEmitter(inst)
	err := e.fire(inst, trigger, synthetic, em, res, 0)
	res.State = inst.State
	res.Intents = em.intents
	return res, err
}

func (e *Engine) fire(inst *Instance, trigger string, synthetic bool, em *emitter, res *StepResult, depth int) error {
	m := e.machine
	state := inst.State

	cands := m.candidates(state, trigger)
	if len(cands) == 0 {
		err := sc.NewError(
			sc.ErrInvalidTransition,
			fmt.Sprintf("no transition for trigger %q from state %q", trigger, state),
			nil,
			map[string]any{"state": state, "trigger": trigger},
		)
		if synthetic {
			return e.escalate(inst, trigger, err, em, res)
		}
		return err
	}

	view := inst.Context.With(m.retry.Field, sc.Int(inst.RetryCount))
	var winner *compiledTransition
	var guardErrs []error
	for _, tr := range cands {
		ok, _, err := guard.EvaluateAll(tr.guards, view)
		if err != nil {
			guardErrs = append(guardErrs, fmt.Errorf("transition %s: %w", tr.def.Name, err))
			continue
		}
		if ok {
			winner = tr
			break
		}
	}

	if winner == nil {
		return e.blocked(inst, trigger, cands, guardErrs, synthetic, em, res)
	}

	count := m.applyCounter(winner, inst.RetryCount)
	ctxAfter := inst.Context.Merge(winner.set).With(m.retry.Field, sc.Int(count))
	intents, err := e.transitionIntents(inst, winner, ctxAfter)
	if err != nil {
		return e.escalate(inst, trigger, err, em, res)
	}

	em.addAll(intents)
	inst.History = append(inst.History, state)
	inst.State = winner.def.To
	inst.RetryCount = count
	inst.Context = ctxAfter
	inst.Finished = m.IsTerminal(inst.State)
	res.Changed = true
	res.Path = append(res.Path, inst.State)
	res.Transitions = append(res.Transitions, winner.def.Name)

	internal := m.states[inst.State].def.InternalTrigger
	if internal == "" || inst.Finished {
		return nil
	}
	if !e.collapse {
		res.PendingTrigger = internal
		return nil
	}
	if depth >= len(m.stateOrder) {
		return e.escalate(inst, internal, fmt.Errorf("internal trigger chain exceeded %d steps", depth), em, res)
	}
	return e.fire(inst, internal, true, em, res, depth+1)
}

func (e *Engine) blocked(
	inst *Instance,
	trigger string,
	cands []*compiledTransition,
	guardErrs []error,
	synthetic bool,
	em *emitter,
	res *StepResult,
) error {
	m := e.machine
	res.Blocked = true
	res.GuardErrors = append(res.GuardErrors, guardErrs...)

	if synthetic {
		cause := fmt.Errorf("no guard passed for internal trigger %q", trigger)
		if len(guardErrs) > 0 {
			cause = guardErrs[0]
		}
		return e.escalate(inst, trigger, cause, em, res)
	}

	names := make([]string, 0, len(cands))
	for _, tr := range cands {
		names = append(names, tr.def.Name)
	}
	fields := map[string]any{
		"state":       inst.State,
		"trigger":     trigger,
		"candidates":  names,
		"retry_count": inst.RetryCount,
	}
	if len(guardErrs) > 0 {
		fields["error"] = guardErrs[0].Error()
		fields["code"] = sc.ErrorCode(guardErrs[0])
		em.diagnostic(sc.DiagnosticGuardError, fields)
	} else {
		em.diagnostic(sc.DiagnosticTransitionBlocked, fields)
	}

	if m.IsRetryTrigger(trigger) && m.RetryExhausted(inst.RetryCount) {
		res.Exhausted = true
		em.diagnostic(sc.DiagnosticRetryExhausted, map[string]any{
			"state":             inst.State,
			"trigger":           trigger,
			"retry_count":       inst.RetryCount,
			"limit":             m.retry.Limit,
			"exhausted_trigger": m.retry.ExhaustedTrigger,
		})
	}

	if len(guardErrs) > 0 {
		return guardErrs[0]
	}
	return nil
}

// transitionIntents builds exit, transition and entry intents for tr. Nothing
// is emitted unless the whole set builds.
func (e *Engine) transitionIntents(inst *Instance, tr *compiledTransition, ctxAfter sc.ContextMap) ([]sc.Intent, error) {
	m := e.machine
	src := m.states[inst.State]
	dst := m.states[tr.def.To]
	scope := e.scope(inst, inst.State, tr.def.Trigger, dst.def.Name, ctxAfter)

	var out []sc.Intent
	exit, err := buildIntents(src.def.Exit, scope)
	if err != nil {
		return nil, fmt.Errorf("exit %s: %w", src.def.Name, err)
	}
	out = append(out, exit...)

	actions, err := buildIntents(tr.def.Actions, scope)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", tr.def.Name, err)
	}
	out = append(out, actions...)

	if missing := missingFields(dst.def.RequiredFields, ctxAfter); len(missing) > 0 {
		return nil, fmt.Errorf("state %s requires fields %s", dst.def.Name, strings.Join(missing, ", "))
	}

	entry, err := buildIntents(dst.def.Entry, scope)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", dst.def.Name, err)
	}
	out = append(out, entry...)

	if dst.def.Category == CategoryCheckpoint {
		out = append(out, sc.Intent{
			Kind:   sc.IntentKindLog,
			Target: sc.TargetLog,
			Payload: map[string]any{
				"event":     sc.DiagnosticCheckpointReached,
				"state":     dst.def.Name,
				"from":      inst.State,
				"trigger":   tr.def.Trigger,
				"entity_id": inst.ID,
			},
		})
	}
	return out, nil
}

// escalate moves inst to the fatal state after an internal failure. Without a
// fatal state the instance stays where it is.
func (e *Engine) escalate(inst *Instance, trigger string, cause error, em *emitter, res *StepResult) error {
	m := e.machine
	checkpoint := inst.State

	em.diagnostic(sc.DiagnosticInternalTransition, map[string]any{
		"checkpoint_state": checkpoint,
		"trigger":          trigger,
		"error":            cause.Error(),
		"correlation_id":   inst.CorrelationID,
		"fatal_state":      m.fatal,
	})

	err := sc.NewError(
		sc.ErrInternalTransition,
		fmt.Sprintf("internal transition %q from %q failed: %v", trigger, checkpoint, cause),
		cause,
		map[string]any{
			"checkpoint_state": checkpoint,
			"trigger":          trigger,
			"correlation_id":   inst.CorrelationID,
			"fatal_state":      m.fatal,
		},
	)

	if m.fatal == "" || checkpoint == m.fatal {
		return err
	}

	fatal := m.states[m.fatal]
	inst.History = append(inst.History, checkpoint)
	inst.State = m.fatal
	inst.Finished = fatal.terminal
	res.Changed = true
	res.Escalated = true
	res.PendingTrigger = ""
	res.Path = append(res.Path, m.fatal)

	// entry intents of the fatal state are best effort
	if entry, berr := buildIntents(fatal.def.Entry, e.scope(inst, checkpoint, trigger, m.fatal, inst.Context)); berr == nil {
		em.addAll(entry)
	}
	return err
}

func (e *Engine) scope(inst *Instance, from, trigger, state string, ctx sc.ContextMap) templateScope {
	return templateScope{
		ctx: ctx,
		builtins: map[string]any{
			RefEntityID:      inst.ID,
			RefCorrelationID: inst.CorrelationID,
			RefState:         state,
			RefFrom:          from,
			RefTrigger:       trigger,
		},
	}
}

func missingFields(required []string, ctx sc.ContextMap) []string {
	var missing []string
	for _, field := range required {
		if !ctx.Has(field) {
			missing = append(missing, field)
		}
	}
	return missing
}
