// Package config loads kestrel configuration from TOML files and the
// environment. Precedence: defaults < kestrel.toml < KESTREL_* env vars.
//
// Every tuning constant of the query optimizer and the subscription
// dispatcher lives here so deployments can override them without a rebuild.
package config

import (
	"time"

	"github.com/kestrelsec/kestrel/errors"
)

// Config is the root configuration for a kestrel process.
type Config struct {
	LogJSON  bool           `mapstructure:"log_json"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Query    QueryConfig    `mapstructure:"query"`
	Cache    CacheConfig    `mapstructure:"cache"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig configures the websocket/HTTP surface.
type ServerConfig struct {
	Port                     int      `mapstructure:"port"`
	AllowedOrigins           []string `mapstructure:"allowed_origins"`
	DashboardIntervalSeconds int      `mapstructure:"dashboard_interval_seconds"`
	ClientSendBuffer         int      `mapstructure:"client_send_buffer"`
	// Outbound events per second per websocket client (token bucket).
	ClientDeliveryRate  float64 `mapstructure:"client_delivery_rate"`
	ClientDeliveryBurst int     `mapstructure:"client_delivery_burst"`
}

// DatabaseConfig configures the SQLite store backing the shared cache tier
// and the reference storage adapter.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueryConfig holds the optimizer thresholds. The numeric values are
// operational tuning points, not derived constants; treat them as knobs.
type QueryConfig struct {
	// Strategy selection thresholds, checked in precedence order.
	AggressiveComplexityThreshold int `mapstructure:"aggressive_complexity_threshold"`
	BatchingOpportunityThreshold  int `mapstructure:"batching_opportunity_threshold"`
	RelationshipFieldThreshold    int `mapstructure:"relationship_field_threshold"`

	// Caching tier selection.
	ExtendedTTLComplexityThreshold int `mapstructure:"extended_ttl_complexity_threshold"`

	// Executor tuning.
	ParallelComplexityThreshold int     `mapstructure:"parallel_complexity_threshold"`
	HighBenefitThreshold        float64 `mapstructure:"high_benefit_threshold"`
	StandardBatchSize           int     `mapstructure:"standard_batch_size"`
	LargeBatchSize              int     `mapstructure:"large_batch_size"`

	// Performance monitor.
	MonitorRingSize int `mapstructure:"monitor_ring_size"`
}

// CacheConfig configures the per-request batching cache and the tiered
// result cache.
type CacheConfig struct {
	LocalMaxEntries          int `mapstructure:"local_max_entries"`
	LocalTTLSeconds          int `mapstructure:"local_ttl_seconds"`
	SharedTTLNormalSeconds   int `mapstructure:"shared_ttl_normal_seconds"`
	SharedTTLExtendedSeconds int `mapstructure:"shared_ttl_extended_seconds"`
	SharedTTLAggressiveSecs  int `mapstructure:"shared_ttl_aggressive_seconds"`
	BatchWindowMs            int `mapstructure:"batch_window_ms"`
	SweepIntervalSeconds     int `mapstructure:"sweep_interval_seconds"`
}

// PubSubConfig configures topic dispatch, rate limiting and subscription
// health tracking.
type PubSubConfig struct {
	MaxEventsPerMinute     int `mapstructure:"max_events_per_minute"`
	StaleAfterSeconds      int `mapstructure:"stale_after_seconds"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`
	WindowRetentionSeconds int `mapstructure:"window_retention_seconds"`
	SubscriberBuffer       int `mapstructure:"subscriber_buffer"`
}

// LocalTTL returns the local-tier entry lifetime.
func (c CacheConfig) LocalTTL() time.Duration {
	return time.Duration(c.LocalTTLSeconds) * time.Second
}

// SharedTTLNormal returns the shared-tier TTL for the NORMAL caching tier.
func (c CacheConfig) SharedTTLNormal() time.Duration {
	return time.Duration(c.SharedTTLNormalSeconds) * time.Second
}

// SharedTTLExtended returns the shared-tier TTL for the EXTENDED caching tier.
func (c CacheConfig) SharedTTLExtended() time.Duration {
	return time.Duration(c.SharedTTLExtendedSeconds) * time.Second
}

// SharedTTLAggressive returns the shared-tier TTL for the AGGRESSIVE caching tier.
func (c CacheConfig) SharedTTLAggressive() time.Duration {
	return time.Duration(c.SharedTTLAggressiveSecs) * time.Second
}

// BatchWindow returns the micro-batch coalescing window.
func (c CacheConfig) BatchWindow() time.Duration {
	return time.Duration(c.BatchWindowMs) * time.Millisecond
}

// SweepInterval returns the shared-tier expiry purge cadence.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StaleAfter returns the subscription staleness threshold.
func (c PubSubConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

// SweepInterval returns the background sweep cadence.
func (c PubSubConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// WindowRetention returns how long expired rate-limit windows are kept.
func (c PubSubConfig) WindowRetention() time.Duration {
	return time.Duration(c.WindowRetentionSeconds) * time.Second
}

// DashboardInterval returns the dashboard snapshot cadence.
func (c ServerConfig) DashboardInterval() time.Duration {
	return time.Duration(c.DashboardIntervalSeconds) * time.Second
}

// Validate rejects configurations that would disable core invariants.
func (c *Config) Validate() error {
	if c.Query.AggressiveComplexityThreshold <= 0 {
		return errors.NewValidationError("query.aggressive_complexity_threshold must be positive, got %d", c.Query.AggressiveComplexityThreshold)
	}
	if c.Query.HighBenefitThreshold < 0 || c.Query.HighBenefitThreshold > 1 {
		return errors.NewValidationError("query.high_benefit_threshold must be in [0,1], got %f", c.Query.HighBenefitThreshold)
	}
	if c.Query.StandardBatchSize <= 0 || c.Query.LargeBatchSize <= 0 {
		return errors.NewValidationError("batch sizes must be positive")
	}
	if c.Query.MonitorRingSize <= 0 {
		return errors.NewValidationError("query.monitor_ring_size must be positive, got %d", c.Query.MonitorRingSize)
	}
	if c.PubSub.MaxEventsPerMinute <= 0 {
		return errors.NewValidationError("pubsub.max_events_per_minute must be positive, got %d", c.PubSub.MaxEventsPerMinute)
	}
	if c.PubSub.SweepIntervalSeconds <= 0 {
		return errors.NewValidationError("pubsub.sweep_interval_seconds must be positive, got %d", c.PubSub.SweepIntervalSeconds)
	}
	if c.Cache.LocalMaxEntries <= 0 {
		return errors.NewValidationError("cache.local_max_entries must be positive, got %d", c.Cache.LocalMaxEntries)
	}
	return nil
}
