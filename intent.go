package statecontract

// Well-known intent kinds. Contracts may declare any other kind; executors
// are selected by Target, not by Kind.
const (
	IntentKindLog        = "log"
	IntentKindMetric     = "metric"
	IntentKindDiagnostic = "diagnostic"
)

// Well-known intent targets.
const (
	TargetLog     = "log"
	TargetMetrics = "metrics"
)

// Diagnostic event names carried in diagnostic intent payloads under "event".
const (
	DiagnosticTransitionBlocked  = "transition_blocked"
	DiagnosticGuardError         = "guard_error"
	DiagnosticRetryExhausted     = "retry_exhausted"
	DiagnosticInternalTransition = "internal_transition_error"
	DiagnosticCheckpointReached  = "checkpoint_reached"
)

// Intent is a declarative side-effect request. The engine only produces
// intents; executors consume each one exactly once.
type Intent struct {
	Kind          string         `json:"kind" yaml:"kind"`
	Target        string         `json:"target" yaml:"target"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id" yaml:"correlation_id"`
	LeaseID       string         `json:"lease_id,omitempty" yaml:"lease_id,omitempty"`
	Epoch         int64          `json:"epoch,omitempty" yaml:"epoch,omitempty"`
	EntityID      string         `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	// Order groups intents: lower orders run first, equal orders may run in parallel.
	Order    int `json:"order,omitempty" yaml:"order,omitempty"`
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Sequence is the emission position within one engine call.
	Sequence int `json:"sequence" yaml:"sequence"`
}

// IsDiagnostic reports whether the intent is an engine diagnostic.
func (i Intent) IsDiagnostic() bool {
	return i.Kind == IntentKindDiagnostic
}

// Event returns the payload "event" entry when it is a string.
func (i Intent) Event() string {
	if i.Payload == nil {
		return ""
	}
	s, _ := i.Payload["event"].(string)
	return s
}

// CloneIntents deep-copies intents including payload maps.
func CloneIntents(in []Intent) []Intent {
	if len(in) == 0 {
		return nil
	}
	out := make([]Intent, len(in))
	for idx, it := range in {
		it.Payload = CopyPayload(it.Payload)
		out[idx] = it
	}
	return out
}

// CopyPayload deep-copies nested maps and slices of a payload.
func CopyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyPayloadValue(v)
	}
	return out
}

func copyPayloadValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyPayload(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = copyPayloadValue(t[i])
		}
		return cp
	default:
		return v
	}
}
