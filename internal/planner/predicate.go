package planner

import (
	"fmt"
	"strconv"
	"strings"
)

// Predicate is one parsed auto-approve expression: "field op value".
type Predicate struct {
	Field string
	Op    string
	Value float64
}

// ParsePredicate parses expressions like "cost < 1000" or "duration <= 480".
func ParsePredicate(expr string) (Predicate, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return Predicate{}, fmt.Errorf("predicate %q: want \"field op value\"", expr)
	}
	switch fields[1] {
	case "<", "<=", ">", ">=", "==", "!=":
	default:
		return Predicate{}, fmt.Errorf("predicate %q: unknown operator %q", expr, fields[1])
	}
	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Predicate{}, fmt.Errorf("predicate %q: %w", expr, err)
	}
	return Predicate{Field: fields[0], Op: fields[1], Value: value}, nil
}

// Evaluate resolves the predicate against the decision context. Unknown
// fields evaluate false.
func (p Predicate) Evaluate(ctx map[string]float64) bool {
	actual, ok := ctx[p.Field]
	if !ok {
		return false
	}
	switch p.Op {
	case "<":
		return actual < p.Value
	case "<=":
		return actual <= p.Value
	case ">":
		return actual > p.Value
	case ">=":
		return actual >= p.Value
	case "==":
		return actual == p.Value
	case "!=":
		return actual != p.Value
	}
	return false
}

// evaluateAll reports whether every expression holds. A parse failure fails
// the whole set.
func evaluateAll(exprs []string, ctx map[string]float64) (bool, error) {
	for _, expr := range exprs {
		pred, err := ParsePredicate(expr)
		if err != nil {
			return false, err
		}
		if !pred.Evaluate(ctx) {
			return false, nil
		}
	}
	return true, nil
}
