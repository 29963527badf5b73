// Package server runs the admin HTTP API, the gRPC health service, the
// escalation engine and config hot reload in one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/escalation"
	"github.com/ppiankov/adminguard/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

// Server owns the listeners around a Core.
type Server struct {
	core       *Core
	cfg        *config.Config
	configPath string
	log        *zap.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
}

// New builds the HTTP and gRPC servers. configPath, when set, is watched
// for changes.
func New(core *Core, cfg *config.Config, configPath string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	handler := httpapi.New(httpapi.Config{
		Governor:    core.Governor,
		Approvals:   core.Workflow,
		Ledger:      core.Ledger,
		Escalations: core.Engine,
		Ready:       core.DB.Ping,
		Timeout:     cfg.HTTP.RequestTimeout,
		Log:         log.Named("http"),
	})

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, core.Health)

	return &Server{
		core:       core,
		cfg:        cfg,
		configPath: configPath,
		log:        log,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcServer: grpcServer,
	}
}

// Run listens on the configured addresses. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTP.Addr, err)
	}
	grpcLis, err := net.Listen("tcp", s.cfg.GRPC.Addr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPC.Addr, err)
	}
	return s.ServeOn(ctx, httpLis, grpcLis)
}

// ServeOn serves on the given listeners until ctx is cancelled, then shuts
// everything down gracefully.
func (s *Server) ServeOn(ctx context.Context, httpLis, grpcLis net.Listener) error {
	s.core.Health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.core.Health.SetServingStatus(escalation.HealthService, healthpb.HealthCheckResponse_SERVING)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", zap.String("addr", httpLis.Addr().String()))
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("grpc health listening", zap.String("addr", grpcLis.Addr().String()))
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.core.Engine.Run(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })

	if s.configPath != "" {
		reloader, err := config.NewReloader(s.configPath, s.core.Apply, s.log.Named("config"))
		if err != nil {
			s.log.Warn("config hot reload disabled", zap.Error(err))
		} else {
			g.Go(func() error { return reloader.Run(ctx) })
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		s.core.Health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}

// sweepLoop marks expired approval requests on the escalation interval.
func (s *Server) sweepLoop(ctx context.Context) error {
	interval := s.cfg.Escalation.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.core.Workflow.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("approval sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("expired approval requests swept", zap.Int("count", n))
			}
		}
	}
}
