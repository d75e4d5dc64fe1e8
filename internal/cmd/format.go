package cmd

import (
	"encoding/json"
	"fmt"
	"io"
)

// formatCost renders dollars with six decimals; tiny positive amounts show as "< 0.0001".
func formatCost(c float64) string {
	if c > 0 && c < 0.0001 {
		return "< 0.0001"
	}
	return fmt.Sprintf("%.6f", c)
}

func formatPercent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
