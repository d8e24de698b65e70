package main

import (
	"encoding/json"
	"fmt"
	"strings"

	sc "github.com/goliatone/go-statecontract"
	"github.com/goliatone/go-statecontract/dualreg"
	"github.com/goliatone/go-statecontract/fsm"
)

// loadDefinition reads a contract file; an empty path selects the built-in
// dual-registration contract.
func loadDefinition(path string) (*fsm.MachineDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return dualreg.Parse()
	}
	return fsm.LoadContract(path)
}

func loadMachine(path string) (*fsm.Machine, error) {
	def, err := loadDefinition(path)
	if err != nil {
		return nil, err
	}
	return fsm.Compile(def)
}

// parseFields decodes a JSON object into a flat context.
func parseFields(raw string) (sc.ContextMap, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sc.ContextMap{}, nil
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("fields must be a JSON object: %w", err)
	}
	return sc.Flatten(in)
}

// splitTrigger separates `TRIGGER{"field":value}` into the trigger and the
// fields merged before it fires.
func splitTrigger(arg string) (string, sc.ContextMap, error) {
	idx := strings.Index(arg, "{")
	if idx < 0 {
		return strings.TrimSpace(arg), nil, nil
	}
	fields, err := parseFields(arg[idx:])
	if err != nil {
		return "", nil, fmt.Errorf("trigger %s: %w", arg[:idx], err)
	}
	return strings.TrimSpace(arg[:idx]), fields, nil
}

// errorFields reports an error the way every command prints it.
func errorFields(err error) map[string]any {
	if err == nil {
		return nil
	}
	code := sc.ErrorCode(err)
	out := map[string]any{"error": err.Error()}
	if code != "" {
		out["code"] = code
		out["phase"] = string(sc.Phase(code))
	}
	return out
}
