package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/checkpoint"
	"github.com/dativo-io/warden/internal/coordinator"
	"github.com/dativo-io/warden/internal/hooks"
)

var (
	checkpointAgent string
	checkpointJSON  bool
)

var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"cp"},
	Short:   "Inspect, diff, restore and prune checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openCoordinator(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()
		list := c.Checkpoints().List(checkpointAgent)
		if checkpointJSON {
			return writeJSONTo(cmd.OutOrStdout(), list)
		}
		renderCheckpointList(cmd.OutOrStdout(), list)
		return nil
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one checkpoint with its snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openCoordinator(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()
		cp, err := c.Checkpoints().Get(args[0])
		if err != nil {
			return err
		}
		return writeJSONTo(cmd.OutOrStdout(), cp)
	},
}

var checkpointsDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show what changed since the checkpoint's parent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openCoordinator(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()
		d, err := c.Checkpoints().Diff(args[0])
		if err != nil {
			return err
		}
		if checkpointJSON {
			return writeJSONTo(cmd.OutOrStdout(), d)
		}
		renderDiff(cmd.OutOrStdout(), d)
		return nil
	},
}

var checkpointsLineageCmd = &cobra.Command{
	Use:   "lineage <id>",
	Short: "Walk parent links from the root to a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openCoordinator(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()
		chain, err := c.Checkpoints().Lineage(args[0])
		if err != nil {
			return err
		}
		renderCheckpointList(cmd.OutOrStdout(), chain)
		return nil
	},
}

var checkpointsRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Dispatch a restore for a checkpoint and print its snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, _, err := openCoordinator(ctx, false)
		if err != nil {
			return err
		}
		defer c.Close()
		cp, err := c.Checkpoints().Get(args[0])
		if err != nil {
			return err
		}
		out, err := c.Emit(ctx, hooks.EventCheckpointRestore, coordinator.Call{
			Agent:  cp.Agent,
			Params: map[string]any{hooks.MetaCheckpointID: cp.ID},
		})
		if err != nil {
			return err
		}
		return writeJSONTo(cmd.OutOrStdout(), out.Result)
	},
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention limit now; critical checkpoints are kept",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, _, err := openCoordinator(ctx, false)
		if err != nil {
			return err
		}
		defer c.Close()
		n, err := c.Checkpoints().Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d checkpoint(s), %d remain\n", n, c.Checkpoints().Count())
		return nil
	},
}

func init() {
	checkpointsListCmd.Flags().StringVar(&checkpointAgent, "agent", "", "filter by agent")
	checkpointsListCmd.Flags().BoolVar(&checkpointJSON, "json", false, "print JSON")
	checkpointsDiffCmd.Flags().BoolVar(&checkpointJSON, "json", false, "print JSON")

	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsShowCmd, checkpointsDiffCmd,
		checkpointsLineageCmd, checkpointsRestoreCmd, checkpointsPruneCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func renderCheckpointList(w io.Writer, list []checkpoint.Checkpoint) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No checkpoints.")
		return
	}
	for _, cp := range list {
		mark := " "
		if cp.IsCritical {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s  %s  %-16s %-18s %s\n",
			mark, cp.ID, cp.Timestamp.Format(time.RFC3339), cp.Agent, cp.Event, cp.Description)
	}
}

func renderDiff(w io.Writer, d *checkpoint.Diff) {
	fmt.Fprintf(w, "%s -> %s\n", d.ParentID, d.CurrentID)
	if d.Changes.Empty() {
		fmt.Fprintln(w, "  no changes")
		return
	}
	for k, v := range d.Changes.Added {
		fmt.Fprintf(w, "  + %s = %v\n", k, v)
	}
	for k, ch := range d.Changes.Modified {
		fmt.Fprintf(w, "  ~ %s: %v -> %v\n", k, ch.Old, ch.New)
	}
	for _, k := range d.Changes.Removed {
		fmt.Fprintf(w, "  - %s\n", k)
	}
	for _, dec := range d.Changes.NewDecisions {
		fmt.Fprintf(w, "  decision: %v\n", dec)
	}
}
