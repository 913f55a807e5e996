package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/config"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// buildPolicies creates the egress policy engine with the configured custom
// policies loaded and disabled policies switched off.
func buildPolicies(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("failed to disable policy: %w", err)
		}
	}
	return eng, nil
}

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect webhook egress policies",
	}
	cmd.AddCommand(newPoliciesListCommand())
	cmd.AddCommand(newPoliciesShowCommand())
	return cmd
}

func newPoliciesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured egress policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := loadPolicies(cmd)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return w.Flush()
		},
	}
}

func newPoliciesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print the Rego source of a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadPolicies(cmd)
			if err != nil {
				return err
			}

			p, err := eng.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Print(p.Rego)
			return nil
		},
	}
}

// loadPolicies builds the policy engine from the config file when one is
// given, or from the built-in policies alone.
func loadPolicies(cmd *cobra.Command) (*policy.Engine, error) {
	cfg := config.PolicyConfig{}
	if configPath != "" {
		full, err := loadConfig()
		if err != nil {
			return nil, err
		}
		cfg = full.Policy
	}
	return buildPolicies(cmd.Context(), cfg, log.Logger)
}
