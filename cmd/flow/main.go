package main

import (
	"os"

	// Load environment variables from .env file.
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/awantoch/beemflow/config"
	"github.com/awantoch/beemflow/constants"
)

var (
	exit       = os.Exit
	configPath string
	debug      bool
)

func main() {
	// Load .env as early as possible.
	_ = godotenv.Load()

	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd creates the root 'flow' command with persistent flags and
// subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{Use: "flow"}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", constants.ConfigFileName, "Path to flow config JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newFlowsCmd(),
		newRunsCmd(),
		newValidateCmd(),
		newGraphCmd(),
		newServeCmd(),
	)

	return rootCmd
}

// loadFlowConfig loads the config file at configPath, falling back to
// defaults when the file doesn't exist.
func loadFlowConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &config.Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}
