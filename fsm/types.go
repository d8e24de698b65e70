package fsm

import (
	"time"

	sc "github.com/goliatone/go-statecontract"
)

// Wildcard is the reserved transition source matching every non-terminal state.
const Wildcard = "*"

// DefaultRetryField is the context field carrying the retry counter.
const DefaultRetryField = "retry_count"

// StateCategory classifies a state.
type StateCategory string

const (
	CategoryInitial     StateCategory = "initial"
	CategoryOperational StateCategory = "operational"
	CategoryCheckpoint  StateCategory = "checkpoint"
	CategorySuccess     StateCategory = "success"
	CategoryError       StateCategory = "error"
	CategoryTerminal    StateCategory = "terminal"
)

func (c StateCategory) valid() bool {
	switch c {
	case CategoryInitial, CategoryOperational, CategoryCheckpoint,
		CategorySuccess, CategoryError, CategoryTerminal:
		return true
	}
	return false
}

// MachineDefinition is the declarative contract.
type MachineDefinition struct {
	ID          string                 `json:"id" yaml:"id"`
	Version     string                 `json:"version,omitempty" yaml:"version,omitempty"`
	States      []StateDefinition      `json:"states" yaml:"states"`
	Transitions []TransitionDefinition `json:"transitions" yaml:"transitions"`
	Retry       RetryPolicy            `json:"retry,omitempty" yaml:"retry,omitempty"`
	// FatalState receives instances whose intent construction or internal
	// trigger failed.
	FatalState string `json:"fatal_state,omitempty" yaml:"fatal_state,omitempty"`
	// AbandonTrigger must lead every non-terminal state to a terminal one.
	AbandonTrigger string `json:"abandon_trigger,omitempty" yaml:"abandon_trigger,omitempty"`
}

// StateDefinition declares one state.
type StateDefinition struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Category    StateCategory `json:"category" yaml:"category"`
	Terminal    bool          `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Recoverable bool          `json:"recoverable,omitempty" yaml:"recoverable,omitempty"`
	// TimeoutMS is the maximum dwell; zero disables the timeout.
	TimeoutMS      int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	TimeoutTrigger string `json:"timeout_trigger,omitempty" yaml:"timeout_trigger,omitempty"`
	// InternalTrigger is fired on entry without a caller round trip.
	InternalTrigger string       `json:"internal_trigger,omitempty" yaml:"internal_trigger,omitempty"`
	Entry           []ActionSpec `json:"entry,omitempty" yaml:"entry,omitempty"`
	Exit            []ActionSpec `json:"exit,omitempty" yaml:"exit,omitempty"`
	RequiredFields  []string     `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	OptionalFields  []string     `json:"optional_fields,omitempty" yaml:"optional_fields,omitempty"`
}

// IsTerminal reports whether the state accepts no triggers.
func (s StateDefinition) IsTerminal() bool {
	return s.Terminal || s.Category == CategoryTerminal
}

// Timeout returns the dwell limit as a duration.
func (s StateDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// TransitionDefinition declares one guarded edge.
type TransitionDefinition struct {
	Name    string `json:"name" yaml:"name"`
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
	Trigger string `json:"trigger" yaml:"trigger"`
	// Priority orders candidates sharing a source and trigger, higher first.
	Priority        int          `json:"priority,omitempty" yaml:"priority,omitempty"`
	Guards          []string     `json:"guards,omitempty" yaml:"guards,omitempty"`
	Actions         []ActionSpec `json:"actions,omitempty" yaml:"actions,omitempty"`
	CountsAsRetry   bool         `json:"counts_as_retry,omitempty" yaml:"counts_as_retry,omitempty"`
	CountsAsSuccess bool         `json:"counts_as_success,omitempty" yaml:"counts_as_success,omitempty"`
	// Set assigns literal context fields when the transition fires, before
	// actions and the target's entry are built.
	Set map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
}

// ActionSpec is an intent template. String payload values of the form
// "$field" are resolved from the instance context when the intent is built.
type ActionSpec struct {
	Kind     string         `json:"kind" yaml:"kind"`
	Target   string         `json:"target" yaml:"target"`
	Payload  map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Order    int            `json:"order,omitempty" yaml:"order,omitempty"`
	Priority int            `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// RetryPolicy bounds retry-tagged transitions.
type RetryPolicy struct {
	Field            string   `json:"field,omitempty" yaml:"field,omitempty"`
	Limit            int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Triggers         []string `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	ExhaustedTrigger string   `json:"exhausted_trigger,omitempty" yaml:"exhausted_trigger,omitempty"`
}

// FieldName returns the configured counter field or the default.
func (p RetryPolicy) FieldName() string {
	if p.Field == "" {
		return DefaultRetryField
	}
	return p.Field
}

// StepResult describes the outcome of one Apply call.
type StepResult struct {
	From    string
	State   string
	Trigger string
	// Path lists the states entered in order, checkpoints included.
	Path        []string
	Transitions []string
	Changed     bool
	// Blocked is set when candidates existed but no guard set passed.
	Blocked bool
	// Exhausted is set when a retry-family trigger was blocked at the limit.
	Exhausted bool
	// Escalated is set when the instance was moved to the fatal state.
	Escalated bool
	// PendingTrigger is the internal trigger the caller must submit when
	// internal triggers are not collapsed.
	PendingTrigger string
	Intents        []sc.Intent
	GuardErrors    []error
}
