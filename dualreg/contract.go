// Package dualreg defines the dual-registration workflow: an entity is
// written to the system of record (A) before it is announced in the service
// registry (B), with targeted recovery when only B failed.
package dualreg

import (
	_ "embed"

	"github.com/goliatone/go-statecontract/fsm"
)

// MachineID identifies the contract.
const MachineID = "dual-registration"

// States.
const (
	StateUnregistered    = "unregistered"
	StateValidating      = "validating"
	StateRegisteringA    = "registering-A"
	StateCheckpointADone = "checkpoint-A-done"
	StateRegisteringB    = "registering-B"
	StateRegistered      = "registered"
	StatePartial         = "partial"
	StateFailed          = "failed"
	StateDeregistering   = "deregistering"
	StateDeregistered    = "deregistered"
)

// Triggers.
const (
	TriggerRegister               = "REGISTER"
	TriggerValidationPassed       = "VALIDATION_PASSED"
	TriggerValidationFailed       = "VALIDATION_FAILED"
	TriggerValidationTimeout      = "VALIDATION_TIMEOUT"
	TriggerASucceeded             = "A_SUCCEEDED"
	TriggerAFailed                = "A_FAILED"
	TriggerCheckpointARecorded    = "CHECKPOINT_A_RECORDED"
	TriggerBSucceeded             = "B_SUCCEEDED"
	TriggerBFailed                = "B_FAILED"
	TriggerRetry                  = "RETRY"
	TriggerRetryExhausted         = "RETRY_EXHAUSTED"
	TriggerRecover                = "RECOVER"
	TriggerShutdown               = "SHUTDOWN"
	TriggerDeregistrationComplete = "DEREGISTRATION_COMPLETE"
	TriggerDeregistrationFailed   = "DEREGISTRATION_FAILED"
	TriggerAbandon                = "ABANDON"
)

// Context fields.
const (
	FieldServiceID      = "service_id"
	FieldServiceName    = "service_name"
	FieldServiceAddress = "service_address"
	FieldAApplied       = "a_applied"
)

// Intent targets.
const (
	TargetValidator      = "validator"
	TargetSystemOfRecord = "system_of_record"
	TargetRegistry       = "service_registry"
	TargetEvents         = "registration_events"
)

// EventRegistrationSucceeded is the payload event of the full-success intent.
const EventRegistrationSucceeded = "registration_succeeded"

// RetryLimit is the number of targeted retries allowed from partial.
const RetryLimit = 3

//go:embed contract.yaml
var contractYAML []byte

// YAML returns the textual form of the contract.
func YAML() []byte {
	out := make([]byte, len(contractYAML))
	copy(out, contractYAML)
	return out
}

// Parse decodes the embedded textual contract.
func Parse() (*fsm.MachineDefinition, error) {
	return fsm.ParseContract(contractYAML)
}

// NewEngine compiles the contract into an engine.
func NewEngine(opts ...fsm.EngineOption) (*fsm.Engine, error) {
	return fsm.NewEngine(Definition(), opts...)
}

// Definition builds the contract in Go. It matches contract.yaml.
func Definition() *fsm.MachineDefinition {
	return &fsm.MachineDefinition{
		ID:      MachineID,
		Version: "v1",
		States: []fsm.StateDefinition{
			{
				Name:           StateUnregistered,
				Description:    "entity known, nothing written yet",
				Category:       fsm.CategoryInitial,
				RequiredFields: []string{FieldServiceID, FieldServiceName, FieldServiceAddress},
			},
			{
				Name:           StateValidating,
				Category:       fsm.CategoryOperational,
				TimeoutMS:      30000,
				TimeoutTrigger: TriggerValidationTimeout,
				Entry: []fsm.ActionSpec{{
					Kind:   "validate",
					Target: TargetValidator,
					Payload: map[string]any{
						"service_id":   "$service_id",
						"service_name": "$service_name",
					},
				}},
			},
			{
				Name:           StateRegisteringA,
				Description:    "writing the system of record",
				Category:       fsm.CategoryOperational,
				TimeoutMS:      30000,
				TimeoutTrigger: TriggerAFailed,
				Entry: []fsm.ActionSpec{{
					Kind:   "upsert_record",
					Target: TargetSystemOfRecord,
					Payload: map[string]any{
						"service_id":   "$service_id",
						"service_name": "$service_name",
						"address":      "$service_address",
					},
				}},
			},
			{
				Name:            StateCheckpointADone,
				Description:     "system of record applied",
				Category:        fsm.CategoryCheckpoint,
				InternalTrigger: TriggerCheckpointARecorded,
				RequiredFields:  []string{FieldAApplied},
			},
			{
				Name:           StateRegisteringB,
				Description:    "announcing in the service registry",
				Category:       fsm.CategoryOperational,
				TimeoutMS:      30000,
				TimeoutTrigger: TriggerBFailed,
				Entry: []fsm.ActionSpec{{
					Kind:   "register_service",
					Target: TargetRegistry,
					Payload: map[string]any{
						"service_id":   "$service_id",
						"service_name": "$service_name",
						"address":      "$service_address",
					},
				}},
			},
			{
				Name:     StateRegistered,
				Category: fsm.CategorySuccess,
				Entry: []fsm.ActionSpec{
					{
						Kind:   "event",
						Target: TargetEvents,
						Payload: map[string]any{
							"event":      EventRegistrationSucceeded,
							"service_id": "$service_id",
						},
					},
					{
						Kind:   "metric",
						Target: "metrics",
						Payload: map[string]any{
							"name":   "registrations_total",
							"labels": map[string]any{"outcome": "success"},
						},
					},
				},
			},
			{
				Name:        StatePartial,
				Description: "system of record applied, registry missing",
				Category:    fsm.CategoryError,
				Recoverable: true,
				Entry: []fsm.ActionSpec{{
					Kind:   "log",
					Target: "log",
					Payload: map[string]any{
						"event":       "partial_registration",
						"service_id":  "$service_id",
						"retry_count": "$retry_count",
					},
				}},
			},
			{
				Name:        StateFailed,
				Category:    fsm.CategoryError,
				Recoverable: true,
				Entry: []fsm.ActionSpec{
					{
						Kind:   "log",
						Target: "log",
						Payload: map[string]any{
							"event":   "registration_failed",
							"from":    "$_from",
							"trigger": "$_trigger",
						},
					},
					{
						Kind:   "metric",
						Target: "metrics",
						Payload: map[string]any{
							"name":   "registrations_total",
							"labels": map[string]any{"outcome": "failure"},
						},
					},
				},
			},
			{
				Name:           StateDeregistering,
				Description:    "best-effort cleanup of both systems",
				Category:       fsm.CategoryOperational,
				TimeoutMS:      60000,
				TimeoutTrigger: TriggerDeregistrationComplete,
				Entry: []fsm.ActionSpec{
					{
						Kind:    "delete_record",
						Target:  TargetSystemOfRecord,
						Order:   1,
						Payload: map[string]any{"service_id": "$service_id"},
					},
					{
						Kind:    "deregister_service",
						Target:  TargetRegistry,
						Order:   1,
						Payload: map[string]any{"service_id": "$service_id"},
					},
				},
			},
			{
				Name:     StateDeregistered,
				Category: fsm.CategoryTerminal,
				Terminal: true,
			},
		},
		Transitions: []fsm.TransitionDefinition{
			{Name: "register", From: StateUnregistered, To: StateValidating, Trigger: TriggerRegister},
			{Name: "validation_passed", From: StateValidating, To: StateRegisteringA, Trigger: TriggerValidationPassed},
			{Name: "validation_failed", From: StateValidating, To: StateFailed, Trigger: TriggerValidationFailed},
			{Name: "validation_timeout", From: StateValidating, To: StateFailed, Trigger: TriggerValidationTimeout},
			{Name: "a_succeeded", From: StateRegisteringA, To: StateCheckpointADone, Trigger: TriggerASucceeded, Set: map[string]any{FieldAApplied: true}},
			{Name: "a_failed", From: StateRegisteringA, To: StateFailed, Trigger: TriggerAFailed},
			{Name: "checkpoint_a_recorded", From: StateCheckpointADone, To: StateRegisteringB, Trigger: TriggerCheckpointARecorded},
			{Name: "b_succeeded", From: StateRegisteringB, To: StateRegistered, Trigger: TriggerBSucceeded, CountsAsSuccess: true},
			{Name: "b_failed", From: StateRegisteringB, To: StatePartial, Trigger: TriggerBFailed},
			{
				Name: "retry_b", From: StatePartial, To: StateRegisteringB, Trigger: TriggerRetry,
				Priority: 10, Guards: []string{"retry_count < 3", "a_applied == true"}, CountsAsRetry: true,
			},
			{
				Name: "retry_a", From: StatePartial, To: StateRegisteringA, Trigger: TriggerRetry,
				Priority: 5, Guards: []string{"retry_count < 3", "a_applied == false"}, CountsAsRetry: true,
			},
			{Name: "retry_exhausted", From: StatePartial, To: StateFailed, Trigger: TriggerRetryExhausted},
			{Name: "recover", From: StateFailed, To: StateValidating, Trigger: TriggerRecover, CountsAsSuccess: true},
			{Name: "shutdown", From: StateRegistered, To: StateDeregistering, Trigger: TriggerShutdown},
			{Name: "shutdown_failed", From: StateFailed, To: StateDeregistering, Trigger: TriggerShutdown},
			{Name: "deregistration_complete", From: StateDeregistering, To: StateDeregistered, Trigger: TriggerDeregistrationComplete},
			{Name: "deregistration_failed", From: StateDeregistering, To: StateDeregistered, Trigger: TriggerDeregistrationFailed},
			{Name: "abandon", From: fsm.Wildcard, To: StateFailed, Trigger: TriggerAbandon},
			{Name: "abandon_failed", From: StateFailed, To: StateDeregistering, Trigger: TriggerAbandon, Priority: 10},
			{Name: "abandon_deregistering", From: StateDeregistering, To: StateDeregistered, Trigger: TriggerAbandon, Priority: 10},
		},
		Retry: fsm.RetryPolicy{
			Field:            fsm.DefaultRetryField,
			Limit:            RetryLimit,
			Triggers:         []string{TriggerRetry},
			ExhaustedTrigger: TriggerRetryExhausted,
		},
		FatalState:     StateFailed,
		AbandonTrigger: TriggerAbandon,
	}
}
