package fsm

import (
	"fmt"
	"strings"

	sc "github.com/goliatone/go-statecontract"
)

// Built-in payload references available to every action template.
const (
	RefEntityID      = "_entity_id"
	RefCorrelationID = "_correlation_id"
	RefState         = "_state"
	RefFrom          = "_from"
	RefTrigger       = "_trigger"
)

// templateScope resolves "$name" references while intents are built.
type templateScope struct {
	ctx      sc.ContextMap
	builtins map[string]any
}

func (s templateScope) lookup(name string) (any, bool) {
	if v, ok := s.builtins[name]; ok {
		return v, true
	}
	v, ok := s.ctx.Get(name)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

func validatePayloadRefs(payload map[string]any) error {
	for key, val := range payload {
		if err := validateRefValue(val); err != nil {
			return fmt.Errorf("payload %s: %w", key, err)
		}
	}
	return nil
}

func validateRefValue(val any) error {
	switch t := val.(type) {
	case string:
		name, isRef := refName(t)
		if isRef && !sc.ValidFieldName(name) {
			return fmt.Errorf("invalid field reference %q", t)
		}
	case map[string]any:
		return validatePayloadRefs(t)
	case []any:
		for _, el := range t {
			if err := validateRefValue(el); err != nil {
				return err
			}
		}
	}
	return nil
}

// refName reports whether s is a "$field" reference. "$$x" escapes to "$x".
func refName(s string) (string, bool) {
	if !strings.HasPrefix(s, "$") || strings.HasPrefix(s, "$$") {
		return "", false
	}
	return s[1:], true
}

func resolvePayload(payload map[string]any, scope templateScope) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	out := make(map[string]any, len(payload))
	for key, val := range payload {
		resolved, err := resolveValue(val, scope)
		if err != nil {
			return nil, fmt.Errorf("payload %s: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func resolveValue(val any, scope templateScope) (any, error) {
	switch t := val.(type) {
	case string:
		if strings.HasPrefix(t, "$$") {
			return t[1:], nil
		}
		name, isRef := refName(t)
		if !isRef {
			return t, nil
		}
		v, ok := scope.lookup(name)
		if !ok {
			return nil, fmt.Errorf("context field %q not set", name)
		}
		return v, nil
	case map[string]any:
		return resolvePayload(t, scope)
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			resolved, err := resolveValue(el, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	default:
		return t, nil
	}
}

// emitter stamps intents with instance identity and a sequence number.
type emitter struct {
	inst    *Instance
	intents []sc.Intent
}

func newEmitter(inst *Instance) *emitter {
	return &emitter{inst: inst}
}

func (e *emitter) stamp(it sc.Intent) sc.Intent {
	it.CorrelationID = e.inst.CorrelationID
	it.LeaseID = e.inst.LeaseID
	it.Epoch = e.inst.Epoch
	it.EntityID = e.inst.ID
	return it
}

func (e *emitter) add(it sc.Intent) {
	it = e.stamp(it)
	it.Sequence = len(e.intents) + 1
	e.intents = append(e.intents, it)
}

func (e *emitter) addAll(list []sc.Intent) {
	for _, it := range list {
		e.add(it)
	}
}

func (e *emitter) diagnostic(event string, fields map[string]any) {
	payload := map[string]any{"event": event}
	for k, v := range fields {
		payload[k] = v
	}
	e.add(sc.Intent{
		Kind:    sc.IntentKindDiagnostic,
		Target:  sc.TargetLog,
		Payload: payload,
	})
}

func buildIntents(actions []ActionSpec, scope templateScope) ([]sc.Intent, error) {
	out := make([]sc.Intent, 0, len(actions))
	for idx, act := range actions {
		kind := strings.TrimSpace(act.Kind)
		target := strings.TrimSpace(act.Target)
		if kind == "" || target == "" {
			return nil, fmt.Errorf("action[%d]: kind and target are required", idx)
		}
		payload, err := resolvePayload(act.Payload, scope)
		if err != nil {
			return nil, fmt.Errorf("action[%d] %s/%s: %w", idx, kind, target, err)
		}
		out = append(out, sc.Intent{
			Kind:     kind,
			Target:   target,
			Payload:  payload,
			Order:    act.Order,
			Priority: act.Priority,
		})
	}
	return out, nil
}
