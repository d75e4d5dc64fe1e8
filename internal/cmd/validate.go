package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/policy"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a runtime policy file",
	Long:  "Validates warden.yaml against its schema and compiles the tool-access policy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		if validateFile == "" {
			validateFile = "warden.yaml"
		}
		pol, err := policy.LoadPolicy(ctx, validateFile, policyBaseDir(validateFile))
		if err != nil {
			log.Error().Err(err).Str("file", validateFile).Msg("policy_validation_failed")
			fmt.Fprintf(os.Stderr, "✗ Validation failed: %s\n", validateFile)
			return fmt.Errorf("validation failed: %w", err)
		}
		if _, err := policy.NewEngine(ctx, pol); err != nil {
			fmt.Fprintf(os.Stderr, "✗ Policy compilation failed: %s\n", validateFile)
			return fmt.Errorf("policy engine initialization failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Policy valid: %s\n", validateFile)
		fmt.Fprintf(out, "  Version: %s\n", pol.VersionTag)
		if pol.Budgets.AgentTokens > 0 {
			fmt.Fprintf(out, "  Agent token budget: %d\n", pol.Budgets.AgentTokens)
		}
		if n := len(pol.Hooks); n > 0 {
			fmt.Fprintf(out, "  Hook overrides: %d\n", n)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "policy file to validate (default: warden.yaml)")
	rootCmd.AddCommand(validateCmd)
}
