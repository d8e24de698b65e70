package guard

// Operator is a guard comparison operator.
type Operator string

const (
	OpEq        Operator = "=="
	OpEquals    Operator = "equals"
	OpNe        Operator = "!="
	OpNotEquals Operator = "not_equals"
	OpLt        Operator = "<"
	OpGt        Operator = ">"
	OpLe        Operator = "<="
	OpGe        Operator = ">="
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpContains  Operator = "contains"
	OpMatches   Operator = "matches"
)

var operators = map[Operator]struct{}{
	OpEq: {}, OpEquals: {}, OpNe: {}, OpNotEquals: {},
	OpLt: {}, OpGt: {}, OpLe: {}, OpGe: {},
	OpExists: {}, OpNotExists: {},
	OpIn: {}, OpNotIn: {},
	OpContains: {}, OpMatches: {},
}

// Valid reports whether op is in the supported set.
func (op Operator) Valid() bool {
	_, ok := operators[op]
	return ok
}

// IsExistence reports whether op tests field presence.
func (op Operator) IsExistence() bool {
	return op == OpExists || op == OpNotExists
}

// IsOrdering reports whether op is a numeric comparison.
func (op Operator) IsOrdering() bool {
	switch op {
	case OpLt, OpGt, OpLe, OpGe:
		return true
	}
	return false
}

// Operators lists the supported operators in declaration order.
func Operators() []Operator {
	return []Operator{
		OpEq, OpEquals, OpNe, OpNotEquals,
		OpLt, OpGt, OpLe, OpGe,
		OpExists, OpNotExists,
		OpIn, OpNotIn,
		OpContains, OpMatches,
	}
}
