package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	sc "github.com/goliatone/go-statecontract"
)

var (
	numberLiteral = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)
	stringLiteral = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Guard is a parsed `field operator value` predicate.
type Guard struct {
	Field    string
	Operator Operator
	Literal  sc.Value
	// Pattern is set for matches guards.
	Pattern *regexp.Regexp
	// Raw is the expression as written in the contract.
	Raw string
}

// String renders the canonical single-space form.
func (g Guard) String() string {
	value := g.Literal.String()
	if g.Pattern != nil {
		value = g.Pattern.String()
	}
	return fmt.Sprintf("%s %s %s", g.Field, g.Operator, value)
}

// Equal compares the parsed form, ignoring Raw.
func (g Guard) Equal(o Guard) bool {
	return g.String() == o.String() && g.Literal.Kind() == o.Literal.Kind()
}

// Parse validates and parses a guard expression. The returned error carries
// one of the GUARD_SYNTAX_ERROR, GUARD_INVALID_FIELD, GUARD_INVALID_OPERATOR or
// GUARD_INVALID_VALUE codes.
func Parse(expr string) (Guard, error) {
	tokens := strings.Fields(strings.TrimSpace(expr))
	meta := map[string]any{"expr": expr}
	if len(tokens) != 3 {
		return Guard{}, sc.NewError(
			sc.ErrGuardSyntax,
			fmt.Sprintf("guard %q: expected 3 tokens, got %d", expr, len(tokens)),
			nil,
			meta,
		)
	}
	field, opToken, valueToken := tokens[0], tokens[1], tokens[2]

	if !sc.ValidFieldName(field) {
		return Guard{}, sc.NewError(
			sc.ErrGuardInvalidField,
			fmt.Sprintf("guard %q: invalid field name %q", expr, field),
			nil,
			meta,
		)
	}
	op := Operator(opToken)
	if !op.Valid() {
		return Guard{}, sc.NewError(
			sc.ErrGuardInvalidOperator,
			fmt.Sprintf("guard %q: unsupported operator %q", expr, opToken),
			nil,
			meta,
		)
	}

	g := Guard{Field: field, Operator: op, Raw: expr}
	if err := parseValue(&g, valueToken); err != nil {
		return Guard{}, sc.NewError(
			sc.ErrGuardInvalidValue,
			fmt.Sprintf("guard %q: %v", expr, err),
			err,
			meta,
		)
	}
	return g, nil
}

// MustParse panics on invalid expressions. Intended for fixtures.
func MustParse(expr string) Guard {
	g, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return g
}

// ParseAll parses an ordered guard list, stopping at the first failure.
func ParseAll(exprs []string) ([]Guard, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make([]Guard, 0, len(exprs))
	for idx, expr := range exprs {
		g, err := Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("guard[%d]: %w", idx, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func parseValue(g *Guard, token string) error {
	switch g.Operator {
	case OpMatches:
		re, err := regexp.Compile(token)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", token, err)
		}
		g.Pattern = re
		g.Literal = sc.String(token)
		return nil
	case OpExists, OpNotExists:
		v, err := parseScalar(token)
		if err != nil {
			return err
		}
		if _, ok := v.Bool(); !ok {
			return fmt.Errorf("%s requires a boolean literal, got %q", g.Operator, token)
		}
		g.Literal = v
		return nil
	case OpIn, OpNotIn:
		if !strings.HasPrefix(token, "[") {
			return fmt.Errorf("%s requires an array literal, got %q", g.Operator, token)
		}
	}

	v, err := parseLiteral(token)
	if err != nil {
		return err
	}
	if g.Operator.IsOrdering() && !v.IsNumber() {
		return fmt.Errorf("%s requires a numeric literal, got %q", g.Operator, token)
	}
	g.Literal = v
	return nil
}

func parseLiteral(token string) (sc.Value, error) {
	if strings.HasPrefix(token, "[") || strings.HasSuffix(token, "]") {
		return parseArray(token)
	}
	return parseScalar(token)
}

func parseArray(token string) (sc.Value, error) {
	if len(token) < 2 || token[0] != '[' || token[len(token)-1] != ']' {
		return sc.Value{}, fmt.Errorf("malformed array literal %q", token)
	}
	body := token[1 : len(token)-1]
	if body == "" {
		return sc.Array(), nil
	}
	parts := strings.Split(body, ",")
	items := make([]sc.Value, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return sc.Value{}, fmt.Errorf("empty element in array literal %q", token)
		}
		item, err := parseScalar(part)
		if err != nil {
			return sc.Value{}, fmt.Errorf("array literal %q: %w", token, err)
		}
		items = append(items, item)
	}
	return sc.Array(items...), nil
}

func parseScalar(token string) (sc.Value, error) {
	switch token {
	case "true":
		return sc.Bool(true), nil
	case "false":
		return sc.Bool(false), nil
	}
	if strings.EqualFold(token, "true") || strings.EqualFold(token, "false") {
		return sc.Value{}, fmt.Errorf("boolean literal must be lowercase, got %q", token)
	}
	if numberLiteral.MatchString(token) {
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return sc.Value{}, fmt.Errorf("invalid number %q: %w", token, err)
		}
		return sc.Number(f), nil
	}
	if stringLiteral.MatchString(token) {
		return sc.String(token), nil
	}
	return sc.Value{}, fmt.Errorf("invalid literal %q", token)
}
