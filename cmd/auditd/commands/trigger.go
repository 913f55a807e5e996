package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTriggerCommand() *cobra.Command {
	var (
		serverURL  string
		ficheID    string
		configID   string
		trackingID string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Request an audit of one fiche",
		Long: `Request an audit through the admin API of a running auditd.

The request is idempotent per tracking id: re-sending the same tracking id
returns the run that already exists.`,
		Example: `  # Audit a fiche against the sales-call rubric
  auditd trigger --fiche F-1042 --config-id sales-call

  # Re-send with an explicit tracking id
  auditd trigger --fiche F-1042 --config-id sales-call --tracking-id trk-1042`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := server.TriggerRequest{
				FicheID:    ficheID,
				ConfigID:   configID,
				TrackingID: trackingID,
			}
			req.Trigger.Source = "cli"
			req.Trigger.UserID = userID

			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			endpoint := strings.TrimRight(serverURL, "/") + "/v1/audits"
			httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(httpReq)
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", endpoint, err)
			}
			defer resp.Body.Close()

			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("audit request rejected: %s: %s", resp.Status, strings.TrimSpace(string(data)))
			}

			var out server.TriggerResponse
			if err := json.Unmarshal(data, &out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			log.Info().Str("fiche_id", ficheID).Str("tracking_id", out.TrackingID).Msg("Audit queued")
			if jsonOutput {
				return printJSON(out)
			}
			fmt.Println(out.TrackingID)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "admin API base URL")
	cmd.Flags().StringVar(&ficheID, "fiche", "", "fiche id to audit")
	cmd.Flags().StringVar(&configID, "config-id", "", "audit configuration id")
	cmd.Flags().StringVar(&trackingID, "tracking-id", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&userID, "user", "", "user recorded on the trigger")
	_ = cmd.MarkFlagRequired("fiche")
	_ = cmd.MarkFlagRequired("config-id")

	return cmd
}
