package fsm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/guard"
)

// Machine is a validated, compiled contract. It is immutable and safe for
// concurrent use by any number of engines.
type Machine struct {
	id          string
	version     string
	initial     string
	fatal       string
	abandon     string
	retry       RetryPolicy
	retrySet    map[string]struct{}
	states      map[string]*compiledState
	stateOrder  []string
	transitions []*compiledTransition
	byTrigger   map[string][]*compiledTransition
}

type compiledState struct {
	def      StateDefinition
	terminal bool
	timeout  time.Duration
}

type compiledTransition struct {
	def      TransitionDefinition
	index    int
	wildcard bool
	guards   []guard.Guard
	set      sc.ContextMap
}

// Compile validates def and builds a Machine. Every failure is a contract
// error: CONTRACT_INVALID or one of the GUARD_* load-time codes.
func Compile(def *MachineDefinition) (*Machine, error) {
	if def == nil {
		return nil, contractError("machine definition required", nil)
	}
	id := strings.TrimSpace(def.ID)
	if len(def.States) == 0 {
		return nil, contractError(fmt.Sprintf("machine %q must define at least one state", id), nil)
	}

	m := &Machine{
		id:        id,
		version:   strings.TrimSpace(def.Version),
		fatal:     strings.TrimSpace(def.FatalState),
		abandon:   strings.TrimSpace(def.AbandonTrigger),
		retry:     def.Retry,
		retrySet:  make(map[string]struct{}, len(def.Retry.Triggers)),
		states:    make(map[string]*compiledState, len(def.States)),
		byTrigger: make(map[string][]*compiledTransition),
	}
	if m.version == "" {
		m.version = "v1"
	}

	if err := m.compileStates(def.States); err != nil {
		return nil, err
	}
	if err := m.compileTransitions(def.Transitions); err != nil {
		return nil, err
	}
	if err := m.compileRetry(); err != nil {
		return nil, err
	}
	if err := m.validateGraph(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) compileStates(defs []StateDefinition) error {
	initialCount := 0
	for idx, st := range defs {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return contractError(fmt.Sprintf("state[%d] has empty name", idx), nil)
		}
		if name == Wildcard {
			return contractError("state name \"*\" is reserved", nil)
		}
		if _, exists := m.states[name]; exists {
			return contractError(fmt.Sprintf("duplicate state %q", name), nil)
		}
		if st.Category == "" {
			st.Category = CategoryOperational
		}
		if !st.Category.valid() {
			return contractError(fmt.Sprintf("state %q has unknown category %q", name, st.Category), nil)
		}
		if st.Category == CategoryInitial {
			initialCount++
			m.initial = name
		}
		if st.TimeoutMS < 0 {
			return contractError(fmt.Sprintf("state %q has negative timeout", name), nil)
		}
		if st.TimeoutMS > 0 && strings.TrimSpace(st.TimeoutTrigger) == "" {
			return contractError(fmt.Sprintf("state %q declares a timeout without timeout_trigger", name), nil)
		}
		for _, field := range append(append([]string{}, st.RequiredFields...), st.OptionalFields...) {
			if !sc.ValidFieldName(field) {
				return contractError(fmt.Sprintf("state %q lists invalid context field %q", name, field), nil)
			}
		}
		if err := validateActions(st.Entry); err != nil {
			return contractError(fmt.Sprintf("state %q entry: %v", name, err), err)
		}
		if err := validateActions(st.Exit); err != nil {
			return contractError(fmt.Sprintf("state %q exit: %v", name, err), err)
		}
		st.Name = name
		m.states[name] = &compiledState{
			def:      st,
			terminal: st.IsTerminal(),
			timeout:  st.Timeout(),
		}
		m.stateOrder = append(m.stateOrder, name)
	}
	if initialCount != 1 {
		return contractError(fmt.Sprintf("machine %q must have exactly one initial state, found %d", m.id, initialCount), nil)
	}
	if m.states[m.initial].terminal {
		return contractError(fmt.Sprintf("initial state %q cannot be terminal", m.initial), nil)
	}
	if m.fatal != "" {
		if _, ok := m.states[m.fatal]; !ok {
			return contractError(fmt.Sprintf("fatal state %q is not declared", m.fatal), nil)
		}
	}
	return nil
}

func (m *Machine) compileTransitions(defs []TransitionDefinition) error {
	names := make(map[string]struct{}, len(defs))
	for idx, tr := range defs {
		compiled, err := m.compileTransition(idx, tr)
		if err != nil {
			name := strings.TrimSpace(tr.Name)
			if name == "" {
				name = fmt.Sprintf("%d", idx)
			}
			return fmt.Errorf("transition %s: %w", name, err)
		}
		if _, exists := names[compiled.def.Name]; exists {
			return contractError(fmt.Sprintf("duplicate transition name %q", compiled.def.Name), nil)
		}
		names[compiled.def.Name] = struct{}{}
		m.transitions = append(m.transitions, compiled)
		m.byTrigger[compiled.def.Trigger] = append(m.byTrigger[compiled.def.Trigger], compiled)
	}
	for trigger := range m.byTrigger {
		list := m.byTrigger[trigger]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].def.Priority == list[j].def.Priority {
				return list[i].index < list[j].index
			}
			return list[i].def.Priority > list[j].def.Priority
		})
	}
	return nil
}

func (m *Machine) compileTransition(idx int, tr TransitionDefinition) (*compiledTransition, error) {
	tr.Name = strings.TrimSpace(tr.Name)
	tr.From = strings.TrimSpace(tr.From)
	tr.To = strings.TrimSpace(tr.To)
	tr.Trigger = strings.TrimSpace(tr.Trigger)

	if tr.Name == "" {
		return nil, contractError("name is required", nil)
	}
	if tr.Trigger == "" {
		return nil, contractError("trigger is required", nil)
	}
	if tr.From == "" {
		return nil, contractError("from state is required", nil)
	}
	wildcard := tr.From == Wildcard
	if !wildcard {
		src, ok := m.states[tr.From]
		if !ok {
			return nil, contractError(fmt.Sprintf("unknown from state %q", tr.From), nil)
		}
		if src.terminal {
			return nil, contractError(fmt.Sprintf("terminal state %q cannot have outgoing transitions", tr.From), nil)
		}
	}
	if tr.To == Wildcard {
		return nil, contractError("wildcard target is not allowed", nil)
	}
	if _, ok := m.states[tr.To]; !ok {
		return nil, contractError(fmt.Sprintf("unknown target state %q", tr.To), nil)
	}
	if tr.CountsAsRetry && tr.CountsAsSuccess {
		return nil, contractError("counts_as_retry and counts_as_success are exclusive", nil)
	}
	guards, err := guard.ParseAll(tr.Guards)
	if err != nil {
		return nil, err
	}
	if err := validateActions(tr.Actions); err != nil {
		return nil, contractError(fmt.Sprintf("actions: %v", err), err)
	}
	set, err := compileAssignments(tr.Set)
	if err != nil {
		return nil, contractError(fmt.Sprintf("set: %v", err), err)
	}
	return &compiledTransition{
		def:      tr,
		index:    idx,
		wildcard: wildcard,
		guards:   guards,
		set:      set,
	}, nil
}

// compileAssignments turns literal set values into context values. Field
// references are not resolved: "$x" is stored as the string "$x".
func compileAssignments(in map[string]any) (sc.ContextMap, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(sc.ContextMap, len(in))
	for field, raw := range in {
		if !sc.ValidFieldName(field) {
			return nil, fmt.Errorf("invalid context field %q", field)
		}
		v, err := sc.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = v
	}
	return out, nil
}

func (m *Machine) compileRetry() error {
	field := m.retry.FieldName()
	if !sc.ValidFieldName(field) {
		return contractError(fmt.Sprintf("retry field %q is not a valid context field", field), nil)
	}
	m.retry.Field = field
	for _, tr := range m.transitions {
		if _, ok := tr.set[field]; ok {
			return contractError(fmt.Sprintf("transition %s cannot set the retry field %q", tr.def.Name, field), nil)
		}
	}
	if m.retry.Limit < 0 {
		return contractError("retry limit cannot be negative", nil)
	}
	for _, trigger := range m.retry.Triggers {
		trigger = strings.TrimSpace(trigger)
		if _, ok := m.byTrigger[trigger]; !ok {
			return contractError(fmt.Sprintf("retry trigger %q is not used by any transition", trigger), nil)
		}
		m.retrySet[trigger] = struct{}{}
	}
	if ex := strings.TrimSpace(m.retry.ExhaustedTrigger); ex != "" {
		if _, ok := m.byTrigger[ex]; !ok {
			return contractError(fmt.Sprintf("exhausted trigger %q is not used by any transition", ex), nil)
		}
		m.retry.ExhaustedTrigger = ex
	}
	return nil
}

func (m *Machine) validateGraph() error {
	outgoing := make(map[string]int, len(m.states))
	for _, tr := range m.transitions {
		outgoing[tr.def.From]++
	}
	for _, name := range m.stateOrder {
		st := m.states[name]
		if st.terminal {
			continue
		}
		if outgoing[name]+outgoing[Wildcard] == 0 {
			return contractError(fmt.Sprintf("non-terminal state %q has no outgoing transitions", name), nil)
		}
		if trigger := st.def.TimeoutTrigger; st.timeout > 0 && len(m.candidates(name, trigger)) == 0 {
			return contractError(fmt.Sprintf("state %q timeout trigger %q has no transition", name, trigger), nil)
		}
		if trigger := st.def.InternalTrigger; trigger != "" && len(m.candidates(name, trigger)) == 0 {
			return contractError(fmt.Sprintf("state %q internal trigger %q has no transition", name, trigger), nil)
		}
	}

	reached := m.reachableFrom(m.initial)
	for _, name := range m.stateOrder {
		if _, ok := reached[name]; !ok {
			return contractError(fmt.Sprintf("state %q is unreachable from %q", name, m.initial), nil)
		}
	}

	if m.abandon != "" {
		for _, name := range m.stateOrder {
			if m.states[name].terminal {
				continue
			}
			if !m.abandonReachesTerminal(name) {
				return contractError(fmt.Sprintf("abandon trigger %q has no unguarded path to a terminal state from %q", m.abandon, name), nil)
			}
		}
	}
	return nil
}

func (m *Machine) abandonReachesTerminal(state string) bool {
	for _, tr := range m.candidates(state, m.abandon) {
		if len(tr.guards) > 0 {
			continue
		}
		for name := range m.reachableFrom(tr.def.To) {
			if m.states[name].terminal {
				return true
			}
		}
	}
	return false
}

func (m *Machine) reachableFrom(start string) map[string]struct{} {
	seen := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		st := m.states[current]
		for _, tr := range m.transitions {
			if tr.def.From != current && !(tr.wildcard && !st.terminal) {
				continue
			}
			if _, ok := seen[tr.def.To]; ok {
				continue
			}
			seen[tr.def.To] = struct{}{}
			queue = append(queue, tr.def.To)
		}
	}
	return seen
}

// candidates lists transitions for state and trigger in evaluation order.
// Wildcards never match terminal states.
func (m *Machine) candidates(state, trigger string) []*compiledTransition {
	st, ok := m.states[state]
	if !ok || st.terminal {
		return nil
	}
	var out []*compiledTransition
	for _, tr := range m.byTrigger[trigger] {
		if tr.def.From == state || tr.wildcard {
			out = append(out, tr)
		}
	}
	return out
}

func validateActions(actions []ActionSpec) error {
	for idx, act := range actions {
		if strings.TrimSpace(act.Kind) == "" {
			return fmt.Errorf("action[%d]: kind is required", idx)
		}
		if strings.TrimSpace(act.Target) == "" {
			return fmt.Errorf("action[%d]: target is required", idx)
		}
		if err := validatePayloadRefs(act.Payload); err != nil {
			return fmt.Errorf("action[%d]: %w", idx, err)
		}
	}
	return nil
}

func contractError(msg string, source error) error {
	return sc.NewError(sc.ErrContractInvalid, msg, source, nil)
}
