package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/doctor"
)

var (
	doctorJSON       bool
	doctorSkipMemory bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, keys, policy, persisted state and memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "doctor")
		defer span.End()

		report := doctor.Run(ctx, doctor.Options{SkipMemory: doctorSkipMemory})
		out := cmd.OutOrStdout()
		if doctorJSON {
			if err := writeJSONTo(out, report); err != nil {
				return err
			}
		} else {
			for _, c := range report.Checks {
				icon := "✓"
				switch c.Status {
				case doctor.StatusWarn:
					icon = "!"
				case doctor.StatusFail:
					icon = "✗"
				}
				fmt.Fprintf(out, "%s %-18s %s\n", icon, c.Name, c.Message)
				if c.Fix != "" && c.Status != doctor.StatusPass {
					fmt.Fprintf(out, "  → %s\n", c.Fix)
				}
			}
			fmt.Fprintf(out, "\n%d passed, %d warnings, %d failed\n", report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
		}
		if report.Status == doctor.StatusFail {
			return fmt.Errorf("doctor: %d check(s) failed", report.Summary.Fail)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	doctorCmd.Flags().BoolVar(&doctorSkipMemory, "skip-memory", false, "skip sampling process memory")
	rootCmd.AddCommand(doctorCmd)
}
