package statecontract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidFieldName reports whether name is a flat context key: alphanumeric or
// underscore, not starting with a digit.
func ValidFieldName(name string) bool {
	return fieldNamePattern.MatchString(name)
}

// ContextMap is the flat field store a workflow instance is evaluated against.
type ContextMap map[string]Value

// Get returns the value stored under field.
func (c ContextMap) Get(field string) (Value, bool) {
	if c == nil {
		return Value{}, false
	}
	v, ok := c[field]
	return v, ok && v.IsValid()
}

// Has reports whether field is present.
func (c ContextMap) Has(field string) bool {
	_, ok := c.Get(field)
	return ok
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (c ContextMap) Clone() ContextMap {
	out := make(ContextMap, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// With returns a copy with field set to v.
func (c ContextMap) With(field string, v Value) ContextMap {
	out := c.Clone()
	out[field] = v
	return out
}

// Merge returns a copy overlaid with other.
func (c ContextMap) Merge(other ContextMap) ContextMap {
	out := c.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns field names sorted.
func (c ContextMap) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Plain converts the map to plain Go values, e.g. for payload rendering.
func (c ContextMap) Plain() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v.Interface()
	}
	return out
}

// Flatten converts nested data into a flat ContextMap. Nested map keys are
// joined with "_" so {"a": {"b": 1}} becomes a_b.
func Flatten(in map[string]any) (ContextMap, error) {
	out := make(ContextMap, len(in))
	if err := flattenInto(out, "", in); err != nil {
		return nil, err
	}
	return out, nil
}

// MustFlatten is Flatten for literals in tests and fixtures.
func MustFlatten(in map[string]any) ContextMap {
	out, err := Flatten(in)
	if err != nil {
		panic(err)
	}
	return out
}

// FlattenStruct decodes a struct (honoring mapstructure tags) and flattens it.
func FlattenStruct(in any) (ContextMap, error) {
	raw := map[string]any{}
	if err := mapstructure.Decode(in, &raw); err != nil {
		return nil, NewError(ErrContextInvalid, "decode context struct", err, nil)
	}
	return Flatten(raw)
}

func flattenInto(out ContextMap, prefix string, in map[string]any) error {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := joinField(prefix, key)
		if !ValidFieldName(name) {
			return invalidField(name)
		}
		switch nested := in[key].(type) {
		case map[string]any:
			if err := flattenInto(out, name, nested); err != nil {
				return err
			}
			continue
		case ContextMap:
			for _, k := range nested.Keys() {
				field := joinField(name, k)
				if !ValidFieldName(field) {
					return invalidField(field)
				}
				if err := setFlat(out, field, nested[k]); err != nil {
					return err
				}
			}
			continue
		}
		v, err := FromAny(in[key])
		if err != nil {
			return NewError(ErrContextInvalid, fmt.Sprintf("context field %q: %v", name, err), err, map[string]any{"field": name})
		}
		if err := setFlat(out, name, v); err != nil {
			return err
		}
	}
	return nil
}

func joinField(prefix, key string) string {
	key = strings.TrimSpace(key)
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

// setFlat refuses a second value for a flattened name, e.g. "a_b" next to
// {"a": {"b": ...}}.
func setFlat(out ContextMap, name string, v Value) error {
	if _, exists := out[name]; exists {
		return NewError(ErrContextInvalid, fmt.Sprintf("context field %q is produced more than once", name), nil, map[string]any{"field": name})
	}
	out[name] = v
	return nil
}

func invalidField(name string) error {
	return NewError(ErrContextInvalid, fmt.Sprintf("invalid context field %q", name), nil, map[string]any{"field": name})
}
