package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "auditd",
		Short: "auditd - distributed compliance audit engine",
		Long: `auditd audits recorded sales calls against versioned rubrics.

It refreshes the CRM record, makes sure every recording is transcribed,
fans out one evaluation per rubric step, gates each verdict on the
transcript evidence it cites and scores the run into a compliance tier.
Batches of audits are tracked to a single completion event and results
are pushed to signed webhooks.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AUDIT_CONFIG"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newDeliveriesCommand())
	rootCmd.AddCommand(newConfigsCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
