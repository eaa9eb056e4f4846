package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/config"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/logging"
	"github.com/GriffinCanCode/enclave/internal/shared/paths"
)

var (
	configFlag   string
	logLevelFlag string
	devFlag      bool
)

var rootCmd = &cobra.Command{
	Use:   "enclave",
	Short: "Enclave - sandboxed JavaScript execution",
	Long: `Enclave runs untrusted JavaScript in an isolated interpreter.

Guest code reaches the outside world only through registered callbacks,
an allow-listed fetch, and optional policy-checked TCP connections.
Secrets are exposed as placeholders and redacted from every output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&devFlag, "dev", false, "Development logging")
}

// loadConfig reads --config, else the config file in the data directory,
// then applies environment overrides and flags.
func loadConfig() (*config.Config, error) {
	path := configFlag
	if path == "" {
		if p, ok := paths.ConfigFile(); ok {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if devFlag {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
