package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := ingestClient(cmd).Health(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), h)
		}
		return printTable(cmd.OutOrStdout(),
			[]string{"VERSION", "UPTIME", "FEED", "BREAKER", "FORCED FAIL", "STATUS"},
			[][]string{{
				h.Version,
				(time.Duration(h.UptimeSeconds) * time.Second).String(),
				h.FeedState, h.Breaker.State, fmt.Sprint(h.ForcedFail),
				statusText(h.Status),
			}})
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator commands",
}

var outagesCmd = &cobra.Command{
	Use:   "outages",
	Short: "List recorded feed outages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		outages, err := ingestClient(cmd).Outages(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), outages)
		}
		rows := make([][]string, 0, len(outages))
		for _, o := range outages {
			rows = append(rows, []string{
				o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339),
				fmt.Sprintf("%.1fs", o.Seconds), o.Cause, o.Instance,
			})
		}
		return printTable(cmd.OutOrStdout(), []string{"START", "END", "DURATION", "CAUSE", "INSTANCE"}, rows)
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Show dead-letter stream stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := ingestClient(cmd).DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

var failCmd = &cobra.Command{
	Use:   "fail",
	Short: "Force the liveness probe to fail",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ingestClient(cmd).SetHealthFail(cmd.Context(), true); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "health forced to fail")
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Clear a forced health failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ingestClient(cmd).SetHealthFail(cmd.Context(), false); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "health failure cleared")
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <name> <ingest-url>",
	Short: "Save a profile and make it current",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.SaveProfile(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "profile %s -> %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd, adminCmd, profileCmd)
	adminCmd.AddCommand(outagesCmd, dlqCmd, failCmd, recoverCmd)

	outagesCmd.Flags().Int("limit", 20, "maximum outages to list")
}
