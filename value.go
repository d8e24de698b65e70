package statecontract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the Value union.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	default:
		return "invalid"
	}
}

// Value is a typed context value: bool, number, string or array of values.
// The zero Value is invalid.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
}

func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func Number(v float64) Value { return Value{kind: KindNumber, n: v} }
func Int(v int) Value        { return Value{kind: KindNumber, n: float64(v)} }
func String(v string) Value  { return Value{kind: KindString, s: v} }

// Array builds an array value. The input slice is copied.
func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsValid() bool  { return v.kind != KindInvalid }
func (v Value) IsNumber() bool { return v.kind == KindNumber }

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Number() (float64, bool) {
	return v.n, v.kind == KindNumber
}

func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

// Items returns a copy of the array elements.
func (v Value) Items() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	cp := make([]Value, len(v.arr))
	copy(cp, v.arr)
	return cp, true
}

// Len is the number of array elements, or zero for scalars.
func (v Value) Len() int {
	return len(v.arr)
}

// Equal compares kind and content. Arrays compare element-wise.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Contains reports whether an array value holds an element equal to item.
func (v Value) Contains(item Value) bool {
	for _, el := range v.arr {
		if el.Equal(item) {
			return true
		}
	}
	return false
}

// Interface converts the value back to plain Go data.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.n == float64(int64(v.n)) {
			return int64(v.n)
		}
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, 0, len(v.arr))
		for _, el := range v.arr {
			out = append(out, el.Interface())
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, 0, len(v.arr))
		for _, el := range v.arr {
			parts = append(parts, el.String())
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return "<invalid>"
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromAny converts Go scalars and slices into a Value.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case []Value:
		return Array(t...), nil
	case []string:
		items := make([]Value, 0, len(t))
		for _, s := range t {
			items = append(items, String(s))
		}
		return Value{kind: KindArray, arr: items}, nil
	case []any:
		items := make([]Value, 0, len(t))
		for idx, el := range t {
			item, err := FromAny(el)
			if err != nil {
				return Value{}, fmt.Errorf("element %d: %w", idx, err)
			}
			if item.kind == KindArray {
				return Value{}, fmt.Errorf("element %d: nested arrays not supported", idx)
			}
			items = append(items, item)
		}
		return Value{kind: KindArray, arr: items}, nil
	case nil:
		return Value{}, fmt.Errorf("nil value not supported")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", in)
	}
}
