package commands

import (
	"fmt"
	"sort"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/config"
	"github.com/spf13/cobra"
)

func newConfigsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Inspect audit configurations",
	}
	cmd.AddCommand(newConfigsValidateCommand())
	return cmd
}

func newConfigsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate the audit configurations in a directory",
		Long: `Validate every YAML audit configuration in a directory.

This command checks:
  - YAML syntax and unknown fields
  - Required fields on configurations and steps
  - Step positions are unique and contiguous from 1
  - Tier thresholds are within 0..100
  - Configuration ids are unique across files`,
		Example: `  # Validate the rubrics directory from the config file
  auditd configs validate

  # Validate a specific directory
  auditd configs validate ./rubrics`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Rubrics.Dir
			}

			configs, err := config.LoadDir(cmd.Context(), dir)
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(configs))
			for id := range configs {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			if jsonOutput {
				out := make([]interface{}, 0, len(ids))
				for _, id := range ids {
					out = append(out, configs[id])
				}
				return printJSON(out)
			}

			for _, id := range ids {
				c := configs[id]
				critical := 0
				for _, s := range c.Steps {
					if s.Critical {
						critical++
					}
				}
				fmt.Printf("%-24s version=%-6s steps=%d critical=%d\n", id, c.Version, len(c.Steps), critical)
			}
			fmt.Printf("%d configuration(s) valid\n", len(ids))
			return nil
		},
	}
}
