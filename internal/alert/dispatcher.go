package alert

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Publisher is a non-webhook sink such as Kafka.
type Publisher interface {
	Publish(ctx context.Context, event AlertEvent) error
}

// Dispatcher fans out alert events to matching webhooks and publishers.
type Dispatcher struct {
	configs    []AlertConfig
	publishers []Publisher
	webhook    *Webhook
	log        *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Returns nil if there is nowhere to
// send events (callers should nil-check).
func NewDispatcher(configs []AlertConfig, publishers []Publisher, log *zap.Logger) *Dispatcher {
	if len(configs) == 0 && len(publishers) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{configs: configs, publishers: publishers, webhook: NewWebhook(), log: log}
}

// Notify sends the event to every matching destination in the background.
// It does not block the caller; delivery failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, event AlertEvent) {
	ctx = context.WithoutCancel(ctx)
	for _, cfg := range d.configs {
		if !matches(cfg, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := d.webhook.Send(ctx, cfg, event); err != nil {
				d.log.Warn("webhook alert failed",
					zap.String("url", cfg.URL),
					zap.String("metric", event.Metric),
					zap.Error(err))
			}
		}(cfg)
	}
	for _, p := range d.publishers {
		d.wg.Add(1)
		go func(p Publisher) {
			defer d.wg.Done()
			if err := p.Publish(ctx, event); err != nil {
				d.log.Warn("alert publish failed", zap.String("metric", event.Metric), zap.Error(err))
			}
		}(p)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func matches(cfg AlertConfig, event AlertEvent) bool {
	if severityRank(event.Severity) < severityRank(cfg.MinSeverity) {
		return false
	}
	if len(cfg.Events) == 0 {
		return true
	}
	for _, e := range cfg.Events {
		if e == event.Type {
			return true
		}
	}
	return false
}
