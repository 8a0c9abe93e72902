// Package cli implements the tableforge command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/feichai0017/tableforge/config"
	"github.com/feichai0017/tableforge/pkg/logger"
)

var (
	configPath string
	baseURL    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tableforge",
	Short: "Drive documents through the table extraction backend",
	Long: `tableforge uploads documents to the extraction backend, triggers table
extraction, polls until the job settles and queries the extracted tables.
Documents can also be queued for the background worker.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $TABLEFORGE_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Backend API base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for stderr output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pruneCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the configuration for one command invocation. Logs
// go to stderr so command output stays clean.
func loadConfig() (config.Config, logger.Logger, error) {
	var cfg config.Config
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, nil, err
		}
	} else {
		cfg = *config.GetConfig()
	}
	if baseURL != "" {
		cfg.Gateway.BaseURL = baseURL
	}

	cfg.Log.Level = logLevel
	cfg.Log.Encoding = "console"
	cfg.Log.OutputPaths = []string{"stderr"}
	cfg.Log.ErrorPaths = nil

	log, err := logger.NewFromConfig(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}
