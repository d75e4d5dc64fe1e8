package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/budget"
)

var (
	costsAgent string
	costsJSON  bool
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show dollar spend, budget utilization and token usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "costs")
		defer span.End()

		c, _, err := openCoordinator(ctx, false)
		if err != nil {
			return err
		}
		defer c.Close()

		sum := c.Ledger().Summary()
		out := cmd.OutOrStdout()
		if costsJSON {
			return writeJSONTo(out, sum)
		}
		if costsAgent != "" {
			renderAgentCosts(out, costsAgent, sum)
			return nil
		}
		renderCostSummary(out, sum)
		return nil
	},
}

func init() {
	costsCmd.Flags().StringVar(&costsAgent, "agent", "", "show a single agent")
	costsCmd.Flags().BoolVar(&costsJSON, "json", false, "print the raw summary as JSON")
	rootCmd.AddCommand(costsCmd)
}

func renderPeriod(w io.Writer, label string, p budget.PeriodUsage) {
	if p.Limit <= 0 {
		fmt.Fprintf(w, "  %-6s $%s (no limit)\n", label, formatCost(p.Spent))
		return
	}
	fmt.Fprintf(w, "  %-6s $%s / $%s (%s)\n", label, formatCost(p.Spent), formatCost(p.Limit), formatPercent(p.Utilization))
}

func renderCostSummary(w io.Writer, s budget.Summary) {
	fmt.Fprintf(w, "Total spend: $%s\n", formatCost(s.TotalCost))
	renderPeriod(w, "hour", s.Hour)
	renderPeriod(w, "day", s.Day)
	renderPeriod(w, "month", s.Month)

	if len(s.ByAgent) > 0 {
		fmt.Fprintln(w, "\nBy agent:")
		for _, name := range sortedKeys(s.ByAgent) {
			fmt.Fprintf(w, "  %-24s $%s\n", name, formatCost(s.ByAgent[name]))
		}
	}
	if len(s.ByTool) > 0 {
		fmt.Fprintln(w, "\nBy tool:")
		for _, name := range sortedKeys(s.ByTool) {
			fmt.Fprintf(w, "  %-24s $%s\n", name, formatCost(s.ByTool[name]))
		}
	}
	if len(s.Tokens) > 0 {
		fmt.Fprintln(w, "\nTokens:")
		names := make([]string, 0, len(s.Tokens))
		for k := range s.Tokens {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, name := range names {
			u := s.Tokens[name]
			fmt.Fprintf(w, "  %-24s %8d units  %4d calls  %s\n", name, u.Total(), u.Calls, u.State)
		}
		g := s.Global
		fmt.Fprintf(w, "  %-24s %8d units  %4d calls  %s\n", "(all agents)", g.Total(), g.Calls, g.State)
	}
	if n := len(s.Checkpoints) + len(s.Splits); n > 0 {
		fmt.Fprintf(w, "\nToken triggers: %d checkpoint(s), %d split(s)\n", len(s.Checkpoints), len(s.Splits))
	}
}

func renderAgentCosts(w io.Writer, agent string, s budget.Summary) {
	fmt.Fprintf(w, "Agent %s\n", agent)
	fmt.Fprintf(w, "  spend  $%s\n", formatCost(s.ByAgent[agent]))
	u, ok := s.Tokens[agent]
	if !ok {
		fmt.Fprintln(w, "  tokens none recorded")
		return
	}
	fmt.Fprintf(w, "  tokens %d in / %d out over %d calls (%s)\n", u.InputUnits, u.OutputUnits, u.Calls, u.State)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
