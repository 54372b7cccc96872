package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	env "github.com/balu-dk/go-ocpp-central/utils"
)

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:               "ocpp-central",
	Short:             "OCPP 1.6-J central system",
	SilenceUsage:      true,
	PersistentPreRunE: loadEnv,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", env.GetEnv("CONFIG_FILE", ""), "configuration file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", env.GetEnv("ENV_FILE", ""), ".env file; searched in the usual places when empty")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

// loadEnv runs before every command so .env values reach the config loader.
func loadEnv(*cobra.Command, []string) error {
	if _, err := env.Load(envFile); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}
