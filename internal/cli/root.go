package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/logging"
	"github.com/ppiankov/adminguard/internal/server"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.adminguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:           "adminguard",
	Short:         "Governance core for destructive admin actions",
	Long:          "Gates destructive administrative actions behind reasons, rate limits and\nfour-eyes approval, records every step in a hash-chained ledger, and raises\nescalations when control-health metrics drift.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// withCore loads config, opens the governance core and runs fn.
func withCore(ctx context.Context, fn func(*server.Core, *config.Config) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	core, err := server.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer core.Close()
	return fn(core, cfg)
}
