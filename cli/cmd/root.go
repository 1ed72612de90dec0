package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/issdata/telemetry-stack/cli/internal/client"
	"github.com/issdata/telemetry-stack/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "telemetryctl",
	Short: "Telemetry ingest CLI",
	Long: `telemetryctl is the operator command-line interface for the telemetry
ingest service.

Submit updates, follow their delivery, inspect health, feed outages and the
dead-letter stream.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.telemetryctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("ingest-url", "", "ingest service URL (overrides the profile)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

func ingestClient(cmd *cobra.Command) *client.IngestClient {
	if u, _ := cmd.Flags().GetString("ingest-url"); u != "" {
		return client.NewIngestClient(u)
	}
	profile, _ := cmd.Flags().GetString("profile")
	if cfg == nil {
		cfg = config.Default()
	}
	return client.NewIngestClient(cfg.IngestURL(profile))
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}
