// Package config loads the adminguard configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/adminguard/internal/alert"
	"github.com/ppiankov/adminguard/internal/approval"
	"github.com/ppiankov/adminguard/internal/domainops"
	"github.com/ppiankov/adminguard/internal/escalation"
	"github.com/ppiankov/adminguard/internal/gate"
	"github.com/ppiankov/adminguard/internal/lock"
	"github.com/ppiankov/adminguard/internal/store"
)

// Environment variable names.
const (
	EnvRateLimit      = "ADMINGUARD_DESTRUCTIVE_RATE_LIMIT"
	EnvRateWindow     = "ADMINGUARD_DESTRUCTIVE_RATE_WINDOW"
	EnvBulkThreshold  = "ADMINGUARD_APPROVAL_BULK_THRESHOLD"
	EnvExpiryHours    = "ADMINGUARD_APPROVAL_EXPIRY_HOURS"
	EnvReasonMin      = "ADMINGUARD_REASON_MIN"
	EnvReasonMax      = "ADMINGUARD_REASON_MAX"
	EnvDBDriver       = "ADMINGUARD_DB_DRIVER"
	EnvDBDSN          = "ADMINGUARD_DB_DSN"
	EnvRedisAddr      = "ADMINGUARD_REDIS_ADDR"
	DefaultConfigName = "config.yaml"
)

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AlertsConfig struct {
	Webhooks []alert.AlertConfig `yaml:"webhooks"`
	Kafka    alert.KafkaConfig   `yaml:"kafka"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type AttestationConfig struct {
	KeyPath string `yaml:"key_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full service configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Gate        gate.Config       `yaml:"gate"`
	Approval    approval.Policy   `yaml:"approval"`
	Escalation  escalation.Config `yaml:"escalation"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Redis       lock.Config       `yaml:"redis"`
	HTTP        HTTPConfig        `yaml:"http"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Domain      domainops.Config  `yaml:"domain"`
	Attestation AttestationConfig `yaml:"attestation"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Driver: store.DriverSQLite, DSN: "adminguard.db"},
		Gate:  gate.DefaultConfig(),
		// Approvals are opt-in: a zero bulk threshold disables them.
		Approval:   approval.Policy{Expiry: approval.DefaultExpiry},
		Escalation: escalation.DefaultConfig(),
		HTTP:       HTTPConfig{Addr: ":8080", RequestTimeout: 15 * time.Second},
		GRPC:       GRPCConfig{Addr: ":9090"},
		Domain:     domainops.Config{Timeout: 10 * time.Second},
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

// DefaultPath returns ~/.adminguard/config.yaml, or "" when there is no home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".adminguard", DefaultConfigName)
}

// Load reads path over the defaults and applies environment overrides.
// Empty path falls back to DefaultPath. A missing file yields defaults.
// Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	intVar := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}
	strVar := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	intVar(EnvRateLimit, &c.Gate.RateLimit.MaxRequests)
	if v, ok := lookup(EnvRateWindow); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvRateWindow, err))
		} else {
			c.Gate.RateLimit.Window = d
		}
	}
	intVar(EnvBulkThreshold, &c.Approval.BulkThreshold)
	hours := -1
	intVar(EnvExpiryHours, &hours)
	if hours >= 0 {
		c.Approval.Expiry = time.Duration(hours) * time.Hour
	}
	intVar(EnvReasonMin, &c.Gate.ReasonMin)
	intVar(EnvReasonMax, &c.Gate.ReasonMax)
	strVar(EnvDBDriver, &c.Store.Driver)
	strVar(EnvDBDSN, &c.Store.DSN)
	strVar(EnvRedisAddr, &c.Redis.Addr)

	return errors.Join(errs...)
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: %w", c.Store.Driver, store.ErrUnsupportedDriver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required"))
	}

	if c.Gate.ReasonMin < 1 {
		errs = append(errs, fmt.Errorf("gate.reason_min must be at least 1"))
	}
	if c.Gate.ReasonMax < c.Gate.ReasonMin {
		errs = append(errs, fmt.Errorf("gate.reason_max %d below reason_min %d", c.Gate.ReasonMax, c.Gate.ReasonMin))
	}
	if c.Gate.RateLimit.MaxRequests < 0 {
		errs = append(errs, fmt.Errorf("gate.rate_limit.max_requests must not be negative"))
	}
	if c.Gate.RateLimit.MaxRequests > 0 && c.Gate.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("gate.rate_limit.window must be positive"))
	}

	if c.Approval.BulkThreshold < 0 {
		errs = append(errs, fmt.Errorf("approval.bulk_threshold must not be negative"))
	}
	if c.Approval.Enabled() && c.Approval.Expiry <= 0 {
		errs = append(errs, fmt.Errorf("approval.expiry must be positive"))
	}

	if err := c.Escalation.Validate(); err != nil {
		errs = append(errs, err)
	}

	for i, w := range c.Alerts.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("alerts.webhooks[%d].url is required", i))
		}
	}
	if len(c.Alerts.Kafka.Brokers) > 0 && c.Alerts.Kafka.Topic == "" {
		errs = append(errs, fmt.Errorf("alerts.kafka.topic is required when brokers are set"))
	}

	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.request_timeout must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}
