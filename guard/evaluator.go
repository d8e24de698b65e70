package guard

import (
	"fmt"
	"strings"

	sc "github.com/goliatone/go-statecontract"
)

// Evaluate resolves the guard field from ctx and applies the operator.
//
// An absent field makes every operator false except exists/not_exists, which
// answer the presence question. Type mismatches return GUARD_TYPE_ERROR and
// unknown operators GUARD_EVALUATION_ERROR; neither panics.
func Evaluate(g Guard, ctx sc.ContextMap) (bool, error) {
	actual, present := ctx.Get(g.Field)

	if g.Operator.IsExistence() {
		want, ok := g.Literal.Bool()
		if !ok {
			return false, evalError(g, "existence operator requires a boolean literal")
		}
		if g.Operator == OpNotExists {
			want = !want
		}
		return present == want, nil
	}
	if !g.Operator.Valid() {
		return false, evalError(g, fmt.Sprintf("unsupported operator %q", g.Operator))
	}
	if !present {
		return false, nil
	}

	switch g.Operator {
	case OpEq, OpEquals:
		if err := sameKind(g, actual); err != nil {
			return false, err
		}
		return actual.Equal(g.Literal), nil
	case OpNe, OpNotEquals:
		if err := sameKind(g, actual); err != nil {
			return false, err
		}
		return !actual.Equal(g.Literal), nil
	case OpLt, OpGt, OpLe, OpGe:
		return compareNumbers(g, actual)
	case OpIn, OpNotIn:
		if g.Literal.Kind() != sc.KindArray {
			return false, evalError(g, "in requires an array literal")
		}
		if actual.Kind() == sc.KindArray {
			return false, typeError(g, actual, "scalar field")
		}
		found := g.Literal.Contains(actual)
		if g.Operator == OpNotIn {
			return !found, nil
		}
		return found, nil
	case OpContains:
		return evalContains(g, actual)
	case OpMatches:
		s, ok := actual.Str()
		if !ok {
			return false, typeError(g, actual, "string field")
		}
		if g.Pattern == nil {
			return false, evalError(g, "matches guard has no compiled pattern")
		}
		return g.Pattern.MatchString(s), nil
	}
	return false, evalError(g, fmt.Sprintf("unsupported operator %q", g.Operator))
}

// EvaluateAll applies guards in order with AND semantics, stopping at the
// first false guard or error. It returns the index of the guard that stopped
// evaluation, or -1 when all passed.
func EvaluateAll(guards []Guard, ctx sc.ContextMap) (bool, int, error) {
	for idx, g := range guards {
		ok, err := Evaluate(g, ctx)
		if err != nil {
			return false, idx, err
		}
		if !ok {
			return false, idx, nil
		}
	}
	return true, -1, nil
}

func compareNumbers(g Guard, actual sc.Value) (bool, error) {
	a, ok := actual.Number()
	if !ok {
		return false, typeError(g, actual, "number field")
	}
	b, ok := g.Literal.Number()
	if !ok {
		return false, typeError(g, g.Literal, "number literal")
	}
	switch g.Operator {
	case OpLt:
		return a < b, nil
	case OpGt:
		return a > b, nil
	case OpLe:
		return a <= b, nil
	case OpGe:
		return a >= b, nil
	}
	return false, evalError(g, fmt.Sprintf("operator %q is not an ordering operator", g.Operator))
}

func evalContains(g Guard, actual sc.Value) (bool, error) {
	switch actual.Kind() {
	case sc.KindArray:
		if g.Literal.Kind() == sc.KindArray {
			return false, typeError(g, g.Literal, "scalar literal")
		}
		return actual.Contains(g.Literal), nil
	case sc.KindString:
		needle, ok := g.Literal.Str()
		if !ok {
			return false, typeError(g, g.Literal, "string literal")
		}
		haystack, _ := actual.Str()
		return strings.Contains(haystack, needle), nil
	default:
		return false, typeError(g, actual, "array or string field")
	}
}

func sameKind(g Guard, actual sc.Value) error {
	if actual.Kind() != g.Literal.Kind() {
		return typeError(g, actual, g.Literal.Kind().String()+" field")
	}
	return nil
}

func typeError(g Guard, got sc.Value, want string) error {
	return sc.NewError(
		sc.ErrGuardType,
		fmt.Sprintf("guard %q: expected %s, got %s", g.String(), want, got.Kind()),
		nil,
		map[string]any{"field": g.Field, "operator": string(g.Operator), "kind": got.Kind().String()},
	)
}

func evalError(g Guard, msg string) error {
	return sc.NewError(
		sc.ErrGuardEvaluation,
		fmt.Sprintf("guard %q: %s", g.String(), msg),
		nil,
		map[string]any{"field": g.Field, "operator": string(g.Operator)},
	)
}
