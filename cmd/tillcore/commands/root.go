// Package commands implements the tillcore CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tillcore",
	Short: "tillcore - operational core for a multi-terminal point of sale",
	Long: `tillcore runs the operational core of a multi-terminal point-of-sale
installation: tiered key/value storage, schema migrations with backup and
rollback, master/client replication over a persistent connection, and
crash-recovery snapshots.

One instance per venue runs as master; every till terminal connects to it
as a client.

Use "tillcore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tillcore %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

// Execute runs the root command. Called once from main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/tillcore/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// InitLogger configures the process logger from the loaded configuration.
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}
