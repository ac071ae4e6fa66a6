package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Logging       LoggingConfig      `yaml:"logging"`
	Presence      PresenceConfig     `yaml:"presence"`
	Delivery      DeliveryConfig     `yaml:"delivery"`
	Membership    MembershipConfig   `yaml:"membership"`
	Notifications NotificationConfig `yaml:"notifications"`
	Telemetry     TelemetryConfig    `yaml:"telemetry"`
	Sensor        SensorConfig       `yaml:"sensor"`
}

// ServerConfig holds http listener, store location and request security.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
	CORS    struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Backend  []string `yaml:"backend"`
		Frontend []string `yaml:"frontend"`
		Admin    []string `yaml:"admin"`
	} `yaml:"api_keys"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// PresenceConfig tunes heartbeat liveness. A (identity, scope) pair is
// considered live for 2x HeartbeatInterval after its last heartbeat.
type PresenceConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	Shards            int      `yaml:"shards"`
}

// DeliveryConfig tunes the live transport and per-connection queues.
type DeliveryConfig struct {
	OutboundBuffer int       `yaml:"outbound_buffer"`
	WriteTimeout   Duration  `yaml:"write_timeout"`
	PingInterval   Duration  `yaml:"ping_interval"`
	MaxFrameBytes  SizeBytes `yaml:"max_frame_bytes"`
	InboundRPS     float64   `yaml:"inbound_rps"`
	InboundBurst   int       `yaml:"inbound_burst"`
	HistoryLimit   int       `yaml:"history_limit"`
}

// MembershipConfig selects the membership/authorization collaborator.
type MembershipConfig struct {
	Mode     string   `yaml:"mode"` // "static" or "http"
	File     string   `yaml:"file"`
	Endpoint string   `yaml:"endpoint"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
}

// NotificationConfig holds the notification store and SMS side channel.
type NotificationConfig struct {
	DBPath string    `yaml:"db_path"`
	SMS    SMSConfig `yaml:"sms"`
}

// SMSConfig configures the outbound SMS channel. SMS is fire-and-forget:
// failures are parked in the outbox and retried on OutboxCron.
type SMSConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Endpoint        string   `yaml:"endpoint"`
	Token           string   `yaml:"token"`
	Types           []string `yaml:"types"`
	Workers         int      `yaml:"workers"`
	QueueCapacity   int      `yaml:"queue_capacity"`
	Timeout         Duration `yaml:"timeout"`
	OutboxCron      string   `yaml:"outbox_cron"`
	OutboxBatchSize int      `yaml:"outbox_batch_size"`
	MaxAttempts     int      `yaml:"max_attempts"`
	LockTTL         Duration `yaml:"lock_ttl"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64KB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := parseDurationValue(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDurationValue(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// TelemetryConfig controls sampling and slow-operation thresholds.
type TelemetryConfig struct {
	SampleRate    float64  `yaml:"sample_rate"`
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// SensorConfig holds disk and heap watch knobs.
type SensorConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	DiskHighPct    int      `yaml:"disk_high_pct"`
	DiskLowPct     int      `yaml:"disk_low_pct"`
	MemHighPct     int      `yaml:"mem_high_pct"`
	RecoveryWindow Duration `yaml:"recovery_window"`
}
