package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect audit runs",
	}
	cmd.AddCommand(newRunsShowCommand())
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <run-id|tracking-id>",
		Short: "Show a run with its step results",
		Example: `  auditd runs show 5b1f0c1e-6c1d-4c55-9d7e-2b8f0f1d9a10
  auditd runs show trk-1042 --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, engine.ErrRunNotFound) {
				run, err = store.GetRunByTrackingID(ctx, args[0])
			}
			if err != nil {
				return err
			}

			steps, err := store.ListStepResults(ctx, run.ID)
			if err != nil {
				return err
			}

			var events []engine.RunEvent
			if withEvents {
				if events, err = store.ListRunEvents(ctx, run.ID); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"run": run, "steps": steps, "events": events})
			}

			fmt.Printf("Run:      %s (tracking %s, version %d)\n", run.ID, run.TrackingID, run.Version)
			fmt.Printf("Fiche:    %s   Config: %s\n", run.FicheID, run.ConfigID)
			fmt.Printf("Status:   %s", run.Status)
			if run.Status == engine.RunStatusCompleted {
				fmt.Printf("   Score: %.1f%%   Tier: %s   Critical: %d/%d", run.ScorePercentage, run.Tier, run.CriticalPassed, run.CriticalTotal)
			}
			fmt.Println()
			if run.Error != "" {
				fmt.Printf("Error:    %s\n", run.Error)
			}

			if len(steps) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "POS\tSTEP\tCONFORMITY\tSCORE\tCRITICAL\tFALLBACK")
				for _, s := range steps {
					fmt.Fprintf(w, "%d\t%s\t%s\t%.1f/%.1f\t%v\t%v\n", s.Position, s.StepName, s.Conformity, s.Score, s.Weight, s.Critical, s.Fallback)
				}
				_ = w.Flush()
			}

			for _, e := range events {
				fmt.Printf("%s  %-5s %-20s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Type, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withEvents, "events", false, "include the run audit trail")
	return cmd
}
