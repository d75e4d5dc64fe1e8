package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/hooks"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass: save the ledger, prune checkpoints, purge the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "maintain")
		defer span.End()

		c, _, err := openCoordinator(ctx, false)
		if err != nil {
			return err
		}
		defer c.Close()
		rep, err := c.Maintain(ctx)
		if err != nil {
			return err
		}
		return writeJSONTo(cmd.OutOrStdout(), rep)
	},
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "List registered hooks per event in dispatch order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openCoordinator(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer c.Close()
		out := cmd.OutOrStdout()
		for _, ev := range hooks.AllEvents() {
			names := c.Registry().Names(ev)
			if len(names) == 0 {
				continue
			}
			fmt.Fprintf(out, "%s\n", ev)
			for i, n := range names {
				fmt.Fprintf(out, "  %2d. %s\n", i+1, n)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(maintainCmd, hooksCmd)
}
