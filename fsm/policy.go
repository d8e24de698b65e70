package fsm

import (
	"sort"
	"time"
)

// ID returns the machine identifier.
func (m *Machine) ID() string { return m.id }

// Version returns the contract version.
func (m *Machine) Version() string { return m.version }

// Initial returns the initial state name.
func (m *Machine) Initial() string { return m.initial }

// FatalState returns the escalation state, if any.
func (m *Machine) FatalState() string { return m.fatal }

// AbandonTrigger returns the configured abandon trigger, if any.
func (m *Machine) AbandonTrigger() string { return m.abandon }

// RetryPolicy returns the normalized retry policy.
func (m *Machine) RetryPolicy() RetryPolicy { return m.retry }

// State looks up a state definition.
func (m *Machine) State(name string) (StateDefinition, bool) {
	st, ok := m.states[name]
	if !ok {
		return StateDefinition{}, false
	}
	return st.def, true
}

// States returns state definitions in declaration order.
func (m *Machine) States() []StateDefinition {
	out := make([]StateDefinition, 0, len(m.stateOrder))
	for _, name := range m.stateOrder {
		out = append(out, m.states[name].def)
	}
	return out
}

// Transitions returns transition definitions in declaration order.
func (m *Machine) Transitions() []TransitionDefinition {
	out := make([]TransitionDefinition, 0, len(m.transitions))
	for _, tr := range m.transitions {
		out = append(out, tr.def)
	}
	return out
}

// IsTerminal reports whether state is terminal. Unknown states are not.
func (m *Machine) IsTerminal(state string) bool {
	st, ok := m.states[state]
	return ok && st.terminal
}

// AllowedTriggers lists the triggers with at least one candidate from state,
// sorted. Guards are not evaluated.
func (m *Machine) AllowedTriggers(state string) []string {
	st, ok := m.states[state]
	if !ok || st.terminal {
		return nil
	}
	seen := make(map[string]struct{})
	for _, tr := range m.transitions {
		if tr.def.From == state || tr.wildcard {
			seen[tr.def.Trigger] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for trigger := range seen {
		out = append(out, trigger)
	}
	sort.Strings(out)
	return out
}

// IsRetryTrigger reports whether trigger belongs to the retry family.
func (m *Machine) IsRetryTrigger(trigger string) bool {
	_, ok := m.retrySet[trigger]
	return ok
}

// RetryExhausted reports whether count has reached the policy limit. A zero
// limit never exhausts.
func (m *Machine) RetryExhausted(count int) bool {
	return m.retry.Limit > 0 && count >= m.retry.Limit
}

// TimeoutFor returns the dwell limit and trigger of state.
func (m *Machine) TimeoutFor(state string) (time.Duration, string, bool) {
	st, ok := m.states[state]
	if !ok || st.terminal || st.timeout <= 0 {
		return 0, "", false
	}
	return st.timeout, st.def.TimeoutTrigger, true
}

// Expired reports whether inst has dwelt in its state past the timeout, and
// returns the trigger to submit. The engine never reads the clock; callers
// pass now.
func (m *Machine) Expired(inst *Instance, now time.Time) (string, bool) {
	if inst == nil || inst.EnteredAt.IsZero() {
		return "", false
	}
	timeout, trigger, ok := m.TimeoutFor(inst.State)
	if !ok {
		return "", false
	}
	if now.Sub(inst.EnteredAt) < timeout {
		return "", false
	}
	return trigger, true
}

// applyCounter updates the retry counter for a fired transition.
func (m *Machine) applyCounter(tr *compiledTransition, count int) int {
	switch {
	case tr.def.CountsAsRetry:
		return count + 1
	case tr.def.CountsAsSuccess:
		return 0
	default:
		return count
	}
}
