package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/webhook"
	"github.com/spf13/cobra"
)

func newDeliveriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect webhook deliveries",
	}
	cmd.AddCommand(newDeliveriesListCommand())
	return cmd
}

func newDeliveriesListCommand() *cobra.Command {
	var (
		event  string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent webhook deliveries",
		Example: `  # Failed deliveries of completed audits
  auditd deliveries list --event audit.completed --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd, cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			deliveries, err := store.ListDeliveries(cmd.Context(), webhook.DeliveryFilter{
				Event:  event,
				Status: webhook.DeliveryStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(deliveries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEVENT\tSTATUS\tATTEMPT\tCODE\tURL\tERROR")
			for _, d := range deliveries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n", d.ID, d.Event, d.Status, d.Attempt, d.MaxAttempts, d.StatusCode, d.URL, d.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&event, "event", "", "filter by event name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, sent, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of deliveries")
	return cmd
}
