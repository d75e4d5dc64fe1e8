package llm

import "fmt"

// Unit estimation constants: roughly four characters per unit plus a fixed
// per-call overhead for framing.
const (
	CharsPerUnit = 4
	UnitOverhead = 10
)

// EstimateUnits derives an input unit count from the total text length of a
// parameter map. Nested maps and slices are walked; non-text scalars count by
// their printed form.
func EstimateUnits(params map[string]any) int {
	return textLen(params)/CharsPerUnit + UnitOverhead
}

// Identifier picks the price-table key for a call: an explicit "model"
// parameter wins, then a "tier", then the tool name.
func Identifier(tool string, params map[string]any) string {
	if m, ok := params["model"].(string); ok && m != "" {
		return m
	}
	if t, ok := params["tier"].(string); ok && t != "" {
		return t
	}
	return tool
}

// OutputUnits returns the requested output budget of a generation call, if any.
func OutputUnits(params map[string]any) int {
	switch v := params["max_tokens"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func textLen(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case []byte:
		return len(t)
	case map[string]any:
		n := 0
		for _, e := range t {
			n += textLen(e)
		}
		return n
	case []any:
		n := 0
		for _, e := range t {
			n += textLen(e)
		}
		return n
	case []string:
		n := 0
		for _, e := range t {
			n += len(e)
		}
		return n
	default:
		return len(fmt.Sprint(t))
	}
}
