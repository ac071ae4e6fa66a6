package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ValidateConfig
const (
	defaultPort = 8080

	// presence defaults
	defaultHeartbeatInterval = 15 * time.Second
	defaultPresenceShards    = 32

	// delivery defaults
	defaultOutboundBuffer = 128
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultMaxFrameBytes  = 64 * 1024
	defaultInboundRPS     = 20
	defaultInboundBurst   = 40
	defaultHistoryLimit   = 100
	maxHistoryLimit       = 1000

	// membership defaults
	defaultMembershipTimeout = 2 * time.Second

	// sms defaults
	defaultSMSWorkers         = 2
	defaultSMSQueueCapacity   = 1024
	defaultSMSTimeout         = 5 * time.Second
	defaultSMSOutboxCron      = "*/5 * * * *"
	defaultSMSOutboxBatchSize = 100
	defaultSMSMaxAttempts     = 5
	defaultSMSLockTTL         = time.Minute

	// rate limit defaults
	defaultRateRPS   = 100
	defaultRateBurst = 200

	// telemetry defaults
	defaultTelemetrySampleRate = 0.01
	defaultTelemetrySlowMs     = 200

	// sensor defaults
	defaultSensorPollInterval   = 5 * time.Second
	defaultSensorDiskHighPct    = 90
	defaultSensorDiskLowPct     = 80
	defaultSensorMemHighPct     = 90
	defaultSensorRecoveryWindow = 30 * time.Second
)

// DefaultSMSTypes are the notification types mirrored to SMS when
// notifications.sms.types is empty.
var DefaultSMSTypes = []string{"waitlist_approved", "announcement"}

var (
	cfgMu     sync.RWMutex
	globalCfg *Config
)

// SetConfig installs the process wide config.
func SetConfig(c *Config) {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	globalCfg = c
}

// GetConfig returns the process wide config, never nil.
func GetConfig() *Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if globalCfg == nil {
		return &Config{}
	}
	return globalCfg
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// StorePath is the pebble directory under the db path.
func (c *Config) StorePath() string {
	return filepath.Join(c.Server.DBPath, "store")
}

// NotificationsPath is the sqlite file for notification records.
func (c *Config) NotificationsPath() string {
	if c.Notifications.DBPath != "" {
		return c.Notifications.DBPath
	}
	return filepath.Join(c.Server.DBPath, "notifications.db")
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in every unset tunable.
func (c *Config) ApplyDefaults() {
	p := &c.Presence
	if p.HeartbeatInterval.Duration() <= 0 {
		p.HeartbeatInterval = Duration(defaultHeartbeatInterval)
	}
	if p.SweepInterval.Duration() <= 0 {
		p.SweepInterval = p.HeartbeatInterval
	}
	if p.Shards <= 0 {
		p.Shards = defaultPresenceShards
	}

	d := &c.Delivery
	if d.OutboundBuffer <= 0 {
		d.OutboundBuffer = defaultOutboundBuffer
	}
	if d.WriteTimeout.Duration() <= 0 {
		d.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if d.PingInterval.Duration() <= 0 {
		d.PingInterval = Duration(defaultPingInterval)
	}
	if d.MaxFrameBytes.Int64() <= 0 {
		d.MaxFrameBytes = SizeBytes(defaultMaxFrameBytes)
	}
	if d.InboundRPS <= 0 {
		d.InboundRPS = defaultInboundRPS
	}
	if d.InboundBurst <= 0 {
		d.InboundBurst = defaultInboundBurst
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = defaultHistoryLimit
	} else if d.HistoryLimit > maxHistoryLimit {
		d.HistoryLimit = maxHistoryLimit
	}

	m := &c.Membership
	if m.Mode == "" {
		m.Mode = "static"
	}
	if m.Timeout.Duration() <= 0 {
		m.Timeout = Duration(defaultMembershipTimeout)
	}

	s := &c.Notifications.SMS
	if len(s.Types) == 0 {
		s.Types = append([]string{}, DefaultSMSTypes...)
	}
	if s.Workers <= 0 {
		s.Workers = defaultSMSWorkers
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = defaultSMSQueueCapacity
	}
	if s.Timeout.Duration() <= 0 {
		s.Timeout = Duration(defaultSMSTimeout)
	}
	if s.OutboxCron == "" {
		s.OutboxCron = defaultSMSOutboxCron
	}
	if s.OutboxBatchSize <= 0 {
		s.OutboxBatchSize = defaultSMSOutboxBatchSize
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultSMSMaxAttempts
	}
	if s.LockTTL.Duration() <= 0 {
		s.LockTTL = Duration(defaultSMSLockTTL)
	}

	if c.Server.RateLimit.RPS <= 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}

	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = defaultTelemetrySampleRate
	}
	if c.Telemetry.SlowThreshold.Duration() == 0 {
		c.Telemetry.SlowThreshold = Duration(time.Duration(defaultTelemetrySlowMs) * time.Millisecond)
	}

	sc := &c.Sensor
	if sc.PollInterval.Duration() <= 0 {
		sc.PollInterval = Duration(defaultSensorPollInterval)
	}
	if sc.DiskHighPct <= 0 {
		sc.DiskHighPct = defaultSensorDiskHighPct
	}
	if sc.DiskLowPct <= 0 {
		sc.DiskLowPct = defaultSensorDiskLowPct
	}
	if sc.MemHighPct <= 0 {
		sc.MemHighPct = defaultSensorMemHighPct
	}
	if sc.RecoveryWindow.Duration() <= 0 {
		sc.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}
}
