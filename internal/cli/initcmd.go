package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andhika/lumen/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file to $HOME/.lumen/lumen.json
(or the path given with --config). Edit it afterwards to add AI profiles
and enable agent mode.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration written to: %s\n", path)
	cmd.Println("Add an AI profile and set agent.enabled, then run: lumen start")

	return nil
}
