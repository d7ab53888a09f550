package config

import "fmt"

// EngineConfig holds process-wide tunables for the orchestration engine
// (spec §6). All *_s / *_h fields are seconds / hours; SetDefaults fills
// in the values named in the spec's default table.
type EngineConfig struct {
	MaxConcurrentWorkflows int     `yaml:"max_concurrent_workflows"`
	DefaultTimeoutSeconds  int     `yaml:"default_timeout_s"`
	CheckpointIntervalS    int     `yaml:"checkpoint_interval_s"`
	HeartbeatTTLSeconds    int     `yaml:"heartbeat_ttl_s"`
	SweepIntervalSeconds   int     `yaml:"sweep_interval_s"`
	CacheSize              int     `yaml:"cache_size"`
	MonitoringIntervalS    int     `yaml:"monitoring_interval_s"`
	MetricRetentionHours   int     `yaml:"metric_retention_h"`
	EnableLoadBalancing    bool    `yaml:"enable_load_balancing"`
}

var _ ConfigInterface = (*EngineConfig)(nil)

// SetDefaults fills unset fields with the spec §6 default table.
func (c *EngineConfig) SetDefaults() {
	if c.MaxConcurrentWorkflows == 0 {
		c.MaxConcurrentWorkflows = 10
	}
	if c.DefaultTimeoutSeconds == 0 {
		c.DefaultTimeoutSeconds = 3600
	}
	if c.CheckpointIntervalS == 0 {
		c.CheckpointIntervalS = 60
	}
	if c.HeartbeatTTLSeconds == 0 {
		c.HeartbeatTTLSeconds = 300
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = 60
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1000
	}
	if c.MonitoringIntervalS == 0 {
		c.MonitoringIntervalS = 30
	}
	if c.MetricRetentionHours == 0 {
		c.MetricRetentionHours = 24
	}
	// EnableLoadBalancing defaults to true; since the zero value of bool is
	// false, callers must construct via NewEngineConfig to get the spec
	// default rather than relying on SetDefaults alone for this one field.
}

// NewEngineConfig returns an EngineConfig with every spec default applied,
// including EnableLoadBalancing which SetDefaults cannot distinguish from
// an explicit false.
func NewEngineConfig() *EngineConfig {
	c := &EngineConfig{EnableLoadBalancing: true}
	c.SetDefaults()
	return c
}

// Validate checks the engine configuration for internal consistency.
func (c *EngineConfig) Validate() error {
	if c.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("engine: max_concurrent_workflows must be positive")
	}
	if c.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("engine: default_timeout_s must be positive")
	}
	if c.CheckpointIntervalS <= 0 {
		return fmt.Errorf("engine: checkpoint_interval_s must be positive")
	}
	if c.HeartbeatTTLSeconds <= 0 {
		return fmt.Errorf("engine: heartbeat_ttl_s must be positive")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("engine: sweep_interval_s must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("engine: cache_size must be positive")
	}
	if c.MonitoringIntervalS <= 0 {
		return fmt.Errorf("engine: monitoring_interval_s must be positive")
	}
	if c.MetricRetentionHours <= 0 {
		return fmt.Errorf("engine: metric_retention_h must be positive")
	}
	return nil
}
