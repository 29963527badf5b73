package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"github.com/ppiankov/adminguard/internal/alert"
	"github.com/ppiankov/adminguard/internal/approval"
	"github.com/ppiankov/adminguard/internal/audit"
	"github.com/ppiankov/adminguard/internal/config"
	"github.com/ppiankov/adminguard/internal/domainops"
	"github.com/ppiankov/adminguard/internal/escalation"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/governor"
	"github.com/ppiankov/adminguard/internal/lock"
	"github.com/ppiankov/adminguard/internal/store"
)

// Core holds the governance components built from one config. The CLI uses
// it directly; Server adds listeners on top.
type Core struct {
	DB       *store.DB
	Ledger   *audit.Ledger
	Gate     *gate.Gate
	Workflow *approval.Workflow
	Governor *governor.Governor
	Engine   *escalation.Engine
	Health   *health.Server

	dispatcher *alert.Dispatcher
	kafka      *alert.KafkaPublisher
	locker     *lock.Redis
	log        *zap.Logger
}

// Open connects to the store, applies migrations and wires every component.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Core, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, log.Named("store"))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	c := &Core{DB: db, Health: health.NewServer(), log: log}
	if err := c.wire(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) wire(ctx context.Context, cfg *config.Config) error {
	log := c.log

	var ops approval.DomainOps
	client, err := domainops.New(cfg.Domain, log.Named("domainops"))
	switch {
	case errors.Is(err, domainops.ErrNotConfigured):
		log.Warn("admin backend not configured, destructive actions will fail at execution")
		ops = domainops.Unconfigured{}
	case err != nil:
		return err
	default:
		ops = client
	}

	c.Ledger = audit.New(c.DB,
		audit.WithLogger(log.Named("audit")),
		audit.WithMaxReason(cfg.Gate.ReasonMax),
		audit.WithReasonLimit(func() int { return c.Gate.Config().ReasonMax }),
	)
	c.Gate = gate.New(c.Ledger, cfg.Gate, gate.WithLogger(log.Named("gate")))
	c.Workflow = approval.New(c.DB, c.Ledger, c.Gate, ops, cfg.Approval, approval.WithLogger(log.Named("approval")))
	c.Governor = governor.New(c.DB, c.Ledger, c.Gate, c.Workflow, ops, log.Named("governor"))

	var publishers []alert.Publisher
	if len(cfg.Alerts.Kafka.Brokers) > 0 {
		c.kafka, err = alert.NewKafkaPublisher(cfg.Alerts.Kafka)
		if err != nil {
			return fmt.Errorf("kafka alerts: %w", err)
		}
		publishers = append(publishers, c.kafka)
	}
	c.dispatcher = alert.NewDispatcher(cfg.Alerts.Webhooks, publishers, log.Named("alert"))

	opts := []escalation.Option{
		escalation.WithLogger(log.Named("escalation")),
		escalation.WithHealth(c.Health),
	}
	if c.dispatcher != nil {
		opts = append(opts, escalation.WithNotifier(c.dispatcher))
	}
	if cfg.Redis.Addr != "" {
		c.locker, err = lock.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis lease: %w", err)
		}
		opts = append(opts, escalation.WithLocker(c.locker))
	}
	c.Engine = escalation.New(c.DB, cfg.Escalation, opts...)
	return nil
}

// Apply swaps the reloadable settings. Store, listeners and alert sinks
// keep their startup values.
func (c *Core) Apply(cfg *config.Config) {
	c.Gate.SetConfig(cfg.Gate)
	c.Workflow.SetPolicy(cfg.Approval)
	c.Engine.SetConfig(cfg.Escalation)
	c.log.Info("governance settings applied",
		zap.String("rate_limit", cfg.Gate.RateLimit.String()),
		zap.Int("bulk_threshold", cfg.Approval.BulkThreshold))
}

// Close waits for in-flight alerts and releases connections.
func (c *Core) Close() error {
	if c.dispatcher != nil {
		c.dispatcher.Wait()
	}
	var errs []error
	if c.kafka != nil {
		errs = append(errs, c.kafka.Close())
	}
	if c.locker != nil {
		errs = append(errs, c.locker.Close())
	}
	errs = append(errs, c.DB.Close())
	return errors.Join(errs...)
}
