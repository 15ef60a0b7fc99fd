package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/CrowderSoup/daily-todo/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "daily",
	Short:         "A daily task list that rolls over every morning",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to a .env file")
	rootCmd.AddCommand(serveCmd, tokenCmd)
	rootCmd.AddCommand(clientCommands()...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadEnv(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return config.Load(configPath)
}
