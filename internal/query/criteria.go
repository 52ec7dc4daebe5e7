// Package query defines the search-criteria vocabulary used at every agent
// and provider boundary, and compiles criteria into conjunctive SQLite
// filters over JSON documents.
package query

import (
	"errors"
	"fmt"
	"strings"
)

// Operator names a supported filter comparison.
type Operator string

const (
	OpIn       Operator = "IN"
	OpEquals   Operator = "EQUALS"
	OpGT       Operator = "GT"
	OpLT       Operator = "LT"
	OpContains Operator = "CONTAINS"
	OpRegex    Operator = "REGEX"
)

// ErrUnsupportedOperator is returned when a condition names an operator
// outside the fixed mapping. This is a configuration error: callers must
// not retry.
var ErrUnsupportedOperator = errors.New("unsupported filter operator")

// Condition is one field comparison. Conditions in a Criteria are ANDed.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Criteria is the only query shape accepted at the agent boundary.
// Threshold is reserved for similarity-scored lookups and is carried
// through unused.
type Criteria struct {
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Threshold  float64     `json:"threshold" yaml:"threshold"`
	Limit      int         `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// NewCriteria returns a Criteria matching a single field equality.
func NewCriteria(field string, value any) Criteria {
	return Criteria{Conditions: []Condition{{Field: field, Operator: OpEquals, Value: value}}}
}

// Filter compiles the criteria into a SQL boolean expression over a JSON
// document column named doc, plus its bound arguments. An empty criteria
// compiles to a match-everything filter.
func Filter(crit Criteria) (string, []any, error) {
	if len(crit.Conditions) == 0 {
		return "1=1", nil, nil
	}

	var clauses []string
	var args []any
	for _, cond := range crit.Conditions {
		clause, condArgs, err := compile(cond)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, condArgs...)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func compile(cond Condition) (string, []any, error) {
	path := "$." + cond.Field

	switch cond.Operator {
	case OpEquals:
		return "json_extract(doc, ?) = ?", []any{path, scalar(cond.Value)}, nil

	case OpGT:
		return "json_extract(doc, ?) > ?", []any{path, scalar(cond.Value)}, nil

	case OpLT:
		return "json_extract(doc, ?) < ?", []any{path, scalar(cond.Value)}, nil

	case OpIn:
		vals := values(cond.Value)
		if len(vals) == 0 {
			return "0=1", nil, nil
		}
		args := []any{path}
		args = append(args, vals...)
		return fmt.Sprintf("json_extract(doc, ?) IN (%s)", placeholders(len(vals))), args, nil

	case OpContains:
		// The stored field may be an array or a scalar; json_each yields
		// the elements for an array and the value itself for a scalar.
		vals := values(cond.Value)
		if len(vals) == 0 {
			return "0=1", nil, nil
		}
		args := []any{path}
		args = append(args, vals...)
		clause := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(doc, ?) WHERE json_each.value IN (%s))",
			placeholders(len(vals)))
		return clause, args, nil

	case OpRegex:
		pats := values(cond.Value)
		if len(pats) == 0 {
			return "0=1", nil, nil
		}
		var alts []string
		var args []any
		for _, p := range pats {
			alts = append(alts, "regexp(?, json_extract(doc, ?))")
			args = append(args, fmt.Sprintf("(?i)%v", p), path)
		}
		return "(" + strings.Join(alts, " OR ") + ")", args, nil

	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedOperator, cond.Operator)
	}
}

// values normalizes a scalar-or-array condition value to a flat argument list.
func values(v any) []any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out
	default:
		return []any{scalar(v)}
	}
}

// scalar coerces numeric JSON decode artifacts into SQL-comparable values.
func scalar(v any) any {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
