package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/evidence"
)

var (
	auditAgent string
	auditKind  string
	auditSince time.Duration
	auditLimit int
	auditJSON  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and export the signed side-effect log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List side-effect records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvidenceStore(cmd.Context(), func(ctx context.Context, store *evidence.Store) error {
			recs, err := store.List(ctx, auditFilter())
			if err != nil {
				return fmt.Errorf("listing side effects: %w", err)
			}
			if auditJSON {
				return writeJSONTo(cmd.OutOrStdout(), recs)
			}
			renderSideEffects(cmd.OutOrStdout(), recs)
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Verify the HMAC signature of a side-effect record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvidenceStore(cmd.Context(), func(ctx context.Context, store *evidence.Store) error {
			valid, err := store.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if !valid {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: signature INVALID (record modified)\n", args[0])
				return fmt.Errorf("signature verification failed for %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: signature valid\n", args[0])
			return nil
		})
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export side-effect records as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvidenceStore(cmd.Context(), func(ctx context.Context, store *evidence.Store) error {
			recs, err := store.List(ctx, auditFilter())
			if err != nil {
				return fmt.Errorf("listing side effects: %w", err)
			}
			return exportCSV(cmd.OutOrStdout(), recs)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{auditListCmd, auditExportCmd} {
		c.Flags().StringVar(&auditAgent, "agent", "", "filter by agent")
		c.Flags().StringVar(&auditKind, "kind", "", "filter by kind (write, delete, execute, network)")
		c.Flags().DurationVar(&auditSince, "since", 0, "only records newer than this (e.g. 24h)")
		c.Flags().IntVar(&auditLimit, "limit", 50, "maximum records")
	}
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "print JSON")

	auditCmd.AddCommand(auditListCmd, auditVerifyCmd, auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func auditFilter() evidence.Filter {
	f := evidence.Filter{Agent: auditAgent, Kind: auditKind, Limit: auditLimit}
	if auditSince > 0 {
		f.From = time.Now().Add(-auditSince)
	}
	return f
}

// withEvidenceStore opens only the audit database; the rest of the
// coordinator is not needed to read it.
func withEvidenceStore(ctx context.Context, fn func(context.Context, *evidence.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := evidence.NewStore(cfg.EvidenceDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("opening evidence store: %w", err)
	}
	defer store.Close()
	return fn(ctx, store)
}

func renderSideEffects(w io.Writer, recs []evidence.SideEffect) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No side effects recorded.")
		return
	}
	for _, r := range recs {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(w, "%s  %s  %-8s %-16s %-14s %-6s %s\n",
			r.ID, r.Timestamp.Format(time.RFC3339), r.Kind, r.Agent, r.Tool, status, sideEffectTarget(r))
	}
}

func sideEffectTarget(r evidence.SideEffect) string {
	switch {
	case r.Target != "":
		return r.Target
	case r.Command != "":
		return r.Command
	case r.URL != "":
		return r.Method + " " + r.URL
	}
	return ""
}

func exportCSV(w io.Writer, recs []evidence.SideEffect) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "timestamp", "correlation_id", "agent", "tool", "kind", "target", "size_bytes", "success", "error"}); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write([]string{
			r.ID,
			r.Timestamp.Format(time.RFC3339),
			r.CorrelationID,
			r.Agent,
			r.Tool,
			r.Kind,
			sideEffectTarget(r),
			strconv.Itoa(r.SizeBytes),
			strconv.FormatBool(r.Success),
			r.Error,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
