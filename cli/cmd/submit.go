package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/issdata/telemetry-stack/cli/internal/client"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a telemetry update",
	Long:  "Submit one telemetry update to the ingest service's external submission API.",
	Example: `  telemetryctl submit --item USLAB000061 --value 21.5 --status-class OK
  telemetryctl submit --json '{"item_id":"S0000004","source_ts":"2025-01-01T12:00:00Z","value":"182.2"}'
  telemetryctl submit --item NODE3000005 --value 42 --wait`,
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <event_id>",
	Short: "Show the delivery status of a submitted event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := ingestClient(cmd).Delivery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printDelivery(cmd, d)
	},
}

func runSubmit(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetString("json")
	item, _ := cmd.Flags().GetString("item")
	wait, _ := cmd.Flags().GetDuration("wait-timeout")
	waitFor, _ := cmd.Flags().GetBool("wait")

	c := ingestClient(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var res client.SubmitResult
	var err error
	switch {
	case raw != "":
		res, err = c.SubmitRaw(ctx, []byte(raw))
	case item != "":
		res, err = c.Submit(ctx, updateFromFlags(cmd))
	default:
		return errors.New("either --item or --json is required")
	}
	if err != nil {
		return err
	}

	if jsonOutput(cmd) && !waitFor {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if !res.Accepted() {
		msg := res.Status
		if res.Reason != "" {
			msg += ": " + res.Reason
		}
		if res.Detail != "" {
			msg += " (" + res.Detail + ")"
		}
		return errors.New(msg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", res.EventID)
	if !waitFor {
		return nil
	}

	d, err := waitForDelivery(ctx, c, res.EventID, wait)
	if err != nil {
		return err
	}
	return printDelivery(cmd, d)
}

func updateFromFlags(cmd *cobra.Command) client.Update {
	f := cmd.Flags()
	item, _ := f.GetString("item")
	ts, _ := f.GetString("source-ts")
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	u := client.Update{ItemID: item, SourceTS: ts}
	for name, dst := range map[string]**string{
		"value":            &u.Value,
		"status-class":     &u.StatusClass,
		"status-indicator": &u.StatusIndicator,
		"status-color":     &u.StatusColor,
		"calibrated":       &u.CalibratedData,
	} {
		if f.Changed(name) {
			v, _ := f.GetString(name)
			*dst = &v
		}
	}
	return u
}

// waitForDelivery polls until the event leaves the pending state.
func waitForDelivery(ctx context.Context, c *client.IngestClient, eventID string, timeout time.Duration) (*client.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		d, err := c.Delivery(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if d.Status != "pending" {
			return d, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return d, fmt.Errorf("event %s still pending: %w", eventID, ctx.Err())
		}
	}
}

func printDelivery(cmd *cobra.Command, d *client.Delivery) error {
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), d)
	}
	row := []string{d.EventID, d.ItemID, d.Status, d.Stream, fmt.Sprint(d.Sequence), d.Reason}
	return printTable(cmd.OutOrStdout(), []string{"EVENT ID", "ITEM", "STATUS", "STREAM", "SEQ", "REASON"}, [][]string{row})
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd)

	submitCmd.Flags().String("item", "", "item id")
	submitCmd.Flags().String("source-ts", "", "source timestamp, RFC3339 with zone (default: now)")
	submitCmd.Flags().String("value", "", "value")
	submitCmd.Flags().String("status-class", "", "status class")
	submitCmd.Flags().String("status-indicator", "", "status indicator")
	submitCmd.Flags().String("status-color", "", "status color")
	submitCmd.Flags().String("calibrated", "", "calibrated data")
	submitCmd.Flags().String("json", "", "raw JSON payload")
	submitCmd.Flags().Bool("wait", false, "wait until the event is delivered or dropped")
	submitCmd.Flags().Duration("wait-timeout", 30*time.Second, "how long --wait polls")
}
