package hooks

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidFilter is returned when a filter references an unknown field or operator.
var ErrInvalidFilter = errors.New("invalid hook filter")

// Operator is a field comparison used by filter conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Condition compares the value at a dotted path (e.g. "parameters.file_path")
// against Value.
type Condition struct {
	Field string   `yaml:"field" json:"field"`
	Op    Operator `yaml:"operator" json:"operator"`
	Value any      `yaml:"value" json:"value"`
}

// Filter narrows which contexts a hook sees. Empty allow-lists admit everything.
type Filter struct {
	Agents     []string    `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tools      []string    `yaml:"tools,omitempty" json:"tools,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// accessor reads a root field of the context and walks the rest of the path.
type accessor func(ec *ExecutionContext, rest []string) (any, bool)

// accessors is the fixed schema of addressable context fields. Paths are
// resolved against it once, at registration time.
var accessors = map[string]accessor{
	"event": func(ec *ExecutionContext, rest []string) (any, bool) {
		return string(ec.Event), len(rest) == 0
	},
	"agent_name": func(ec *ExecutionContext, rest []string) (any, bool) {
		return ec.AgentName, len(rest) == 0
	},
	"tool_name": func(ec *ExecutionContext, rest []string) (any, bool) {
		return ec.ToolName, len(rest) == 0
	},
	"error": func(ec *ExecutionContext, rest []string) (any, bool) {
		if ec.Err == nil || len(rest) != 0 {
			return nil, false
		}
		return ec.Err.Error(), true
	},
	"parameters": func(ec *ExecutionContext, rest []string) (any, bool) {
		return walk(ec.Parameters, rest)
	},
	"metadata": func(ec *ExecutionContext, rest []string) (any, bool) {
		return walk(ec.Metadata, rest)
	},
	"result": func(ec *ExecutionContext, rest []string) (any, bool) {
		return walk(ec.Result, rest)
	},
}

type compiledCondition struct {
	get   func(ec *ExecutionContext) (any, bool)
	op    Operator
	value any
}

type compiledFilter struct {
	agents map[string]struct{}
	tools  map[string]struct{}
	conds  []compiledCondition
}

func compileFilter(f *Filter) (*compiledFilter, error) {
	if f == nil {
		return nil, nil
	}
	cf := &compiledFilter{
		agents: toSet(f.Agents),
		tools:  toSet(f.Tools),
	}
	for _, c := range f.Conditions {
		parts := strings.Split(c.Field, ".")
		acc, ok := accessors[parts[0]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, c.Field)
		}
		switch c.Op {
		case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		default:
			return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, c.Op)
		}
		rest := parts[1:]
		cf.conds = append(cf.conds, compiledCondition{
			get:   func(ec *ExecutionContext) (any, bool) { return acc(ec, rest) },
			op:    c.Op,
			value: c.Value,
		})
	}
	return cf, nil
}

// match returns true when the context passes every allow-list and condition.
func (cf *compiledFilter) match(ec *ExecutionContext) bool {
	if cf == nil {
		return true
	}
	if len(cf.agents) > 0 {
		if _, ok := cf.agents[ec.AgentName]; !ok {
			return false
		}
	}
	if len(cf.tools) > 0 {
		if _, ok := cf.tools[ec.ToolName]; !ok {
			return false
		}
	}
	for _, c := range cf.conds {
		actual, found := c.get(ec)
		if !compare(actual, found, c.op, c.value) {
			return false
		}
	}
	return true
}

func compare(actual any, found bool, op Operator, expected any) bool {
	switch op {
	case OpEquals:
		return found && equalValues(actual, expected)
	case OpNotEquals:
		return !found || !equalValues(actual, expected)
	case OpContains:
		return found && containsValue(actual, expected)
	case OpGreaterThan, OpLessThan:
		if !found {
			return false
		}
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		if !okA || !okB {
			return false
		}
		if op == OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	rv := reflect.ValueOf(haystack)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equalValues(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return false
		}
		key := reflect.ValueOf(fmt.Sprint(needle)).Convert(rv.Type().Key())
		return rv.MapIndex(key).IsValid()
	}
	return false
}

// walk descends through nested string-keyed maps.
func walk(root any, path []string) (any, bool) {
	cur := root
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}
