package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/r0nw4lk3r31/tillcore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file and print the next steps.

Without --config the file goes to the default location
($XDG_CONFIG_HOME/tillcore/config.yaml). An existing file is left alone
unless --force is given.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.Save(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Run the master with: tillcore serve")
	fmt.Printf("  3. Or specify a custom config: tillcore serve --config %s\n", path)
	fmt.Println("  4. For a till terminal, set replication.role to client and replication.master_url to the master's /sync endpoint")
	return nil
}
