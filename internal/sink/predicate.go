package sink

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Predicate evaluates whether an alert's fields satisfy a condition.
type Predicate func(fields map[string]any) (bool, error)

// Token decimals for the unit helpers.
const (
	dotDecimals = 1e10
	ksmDecimals = 1e12
)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains.
// Examples:
//
//	"event == Submitted"
//	"2 >= dot(100_000)"
//	"0 in 12,13,14"
//	"phase contains ApplyExtrinsic"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		field := strings.TrimSpace(parts[0])
		rawList := strings.Split(parts[1], ",")
		values := make(map[string]struct{}, len(rawList))
		for _, v := range rawList {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values[v] = struct{}{}
		}
		if field == "" || len(values) == 0 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		return func(fields map[string]any) (bool, error) {
			arg, ok := fields[field]
			if !ok {
				return false, nil
			}
			_, hit := values[fmt.Sprint(arg)]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		if field == "" {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		return func(fields map[string]any) (bool, error) {
			val, ok := fields[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(stringify(val), needle), nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)

	return func(fields map[string]any) (bool, error) {
		val, ok := fields[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			switch op {
			case "==":
				return lhs == numRHS, nil
			case "!=":
				return lhs != numRHS, nil
			case ">":
				return lhs > numRHS, nil
			case "<":
				return lhs < numRHS, nil
			case ">=":
				return lhs >= numRHS, nil
			case "<=":
				return lhs <= numRHS, nil
			}
		}

		lhs := stringify(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

func allPredicates(preds []Predicate, fields map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(fields)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e6", "1_000_000"
// - Unit helpers: "planck(1e10)", "dot(1.5)", "ksm(2)"
// - Multiplication: "1_000 * 1e10"
func evaluateNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return 0, false
		}
		a, ok1 := evaluateNumber(parts[0])
		b, ok2 := evaluateNumber(parts[1])
		if !ok1 || !ok2 {
			return 0, false
		}
		return a * b, true
	}

	for name, scale := range map[string]float64{"planck": 1, "dot": dotDecimals, "ksm": ksmDecimals} {
		if strings.HasPrefix(s, name+"(") && strings.HasSuffix(s, ")") {
			v, ok := evaluateNumber(s[len(name)+1 : len(s)-1])
			if !ok {
				return 0, false
			}
			return v * scale, true
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return evaluateNumber(n)
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		out, err := json.Marshal(t)
		if err == nil {
			return string(out)
		}
	}
	return fmt.Sprint(v)
}
