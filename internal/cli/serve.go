package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/adminguard/internal/logging"
	"github.com/ppiankov/adminguard/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API, gRPC health and the escalation engine",
	Long:  "Serves the admin HTTP API and gRPC health service, runs escalation ticks\nand the approval expiry sweep, and hot-reloads gate, approval and escalation\nsettings when the config file changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	core, err := server.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer core.Close()

	fields := []zap.Field{
		zap.String("store", cfg.Store.Driver),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.GRPC.Addr),
		zap.String("rate_limit", cfg.Gate.RateLimit.String()),
		zap.Bool("approvals", cfg.Approval.Enabled()),
	}
	if cfg.Domain.BaseURL != "" {
		fields = append(fields,
			zap.String("domain", cfg.Domain.BaseURL),
			zap.String("domain_token", logging.MaskToken(cfg.Domain.Token)))
	}
	log.Info("adminguard starting", fields...)

	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return server.New(core, cfg, path, log).Run(ctx)
}
