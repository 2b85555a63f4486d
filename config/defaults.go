package config

import "github.com/spf13/viper"

// DefaultPort is the default websocket/HTTP listen port.
const DefaultPort = 8475

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_json", false)

	// Server defaults
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})
	v.SetDefault("server.dashboard_interval_seconds", 30)
	v.SetDefault("server.client_send_buffer", 64)
	v.SetDefault("server.client_delivery_rate", 200.0)
	v.SetDefault("server.client_delivery_burst", 400)

	// Database defaults
	v.SetDefault("database.path", "kestrel.db")

	// Query optimizer defaults. Treat the thresholds as tuning knobs, not
	// derived constants.
	v.SetDefault("query.aggressive_complexity_threshold", 100)
	v.SetDefault("query.batching_opportunity_threshold", 3)
	v.SetDefault("query.relationship_field_threshold", 5)
	v.SetDefault("query.extended_ttl_complexity_threshold", 50)
	v.SetDefault("query.parallel_complexity_threshold", 30)
	v.SetDefault("query.high_benefit_threshold", 0.7)
	v.SetDefault("query.standard_batch_size", 25)
	v.SetDefault("query.large_batch_size", 50)
	v.SetDefault("query.monitor_ring_size", 1000)

	// Cache defaults
	v.SetDefault("cache.local_max_entries", 4096)
	v.SetDefault("cache.local_ttl_seconds", 300)
	v.SetDefault("cache.shared_ttl_normal_seconds", 300)
	v.SetDefault("cache.shared_ttl_extended_seconds", 900)
	v.SetDefault("cache.shared_ttl_aggressive_seconds", 3600)
	v.SetDefault("cache.batch_window_ms", 2)
	v.SetDefault("cache.sweep_interval_seconds", 60)

	// Pub/sub defaults
	v.SetDefault("pubsub.max_events_per_minute", 60)
	v.SetDefault("pubsub.stale_after_seconds", 300)
	v.SetDefault("pubsub.sweep_interval_seconds", 60)
	v.SetDefault("pubsub.window_retention_seconds", 120)
	v.SetDefault("pubsub.subscriber_buffer", 64)
}

// Default returns a Config populated with defaults only. Used by tests and
// by components that are constructed without a config file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal of defaults cannot fail: types match SetDefaults above.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
