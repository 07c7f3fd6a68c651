package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/mqagents/internal/config"
)

const (
	// Application info
	appName    = "mqagent"
	appVersion = "0.1.0"
)

var (
	// Global flags
	configPath string
	dryRun     bool
	debug      bool
	logJSON    bool

	// Loaded by the persistent pre-run
	cfg *config.Config
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "MQTT agents publishing on a schedule",
		Long: `mqagent runs long-lived MQTT agents. Each subcommand connects to the
configured broker, publishes under its topic prefix every interval and
reconnects on its own. DRYRUN and DEBUG in the environment behave like
--dry-run and --debug.`,
		PersistentPreRunE: loadConfig,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Log publishes instead of sending them")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(newClockCommand())
	rootCmd.AddCommand(newTranscribeCommand())
	rootCmd.AddCommand(newFeedCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadConfig reads the configuration file and applies environment and flag overrides
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "version" {
		return nil
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	loaded.ApplyEnv(os.Getenv)
	if dryRun {
		loaded.Service.DryRun = true
	}
	if debug {
		loaded.Debug = true
	}
	cfg = loaded
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}
