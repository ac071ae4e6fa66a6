package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

var knownNotificationTypes = map[string]struct{}{
	"mention": {}, "dm": {}, "channel_message": {}, "live_chat_message": {},
	"waitlist_approved": {}, "waitlist_rejected": {}, "badge": {}, "announcement": {},
}

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	if strings.TrimSpace(eff.DBPath) == "" {
		return fmt.Errorf("database path is empty: set --db flag, PULSEHUB_DB_PATH env, or server.db_path in config")
	}

	cfg.ApplyDefaults()

	if cfg.Presence.SweepInterval.Duration() > 2*cfg.Presence.HeartbeatInterval.Duration() {
		return fmt.Errorf("presence.sweep_interval (%s) must not exceed twice presence.heartbeat_interval (%s)",
			cfg.Presence.SweepInterval.Duration(), cfg.Presence.HeartbeatInterval.Duration())
	}
	if cfg.Delivery.PingInterval.Duration() >= 2*cfg.Presence.HeartbeatInterval.Duration() {
		// pings keep the socket open; presence still relies on heartbeats
		cfg.Delivery.PingInterval = cfg.Presence.HeartbeatInterval
	}

	switch cfg.Membership.Mode {
	case "static":
	case "http":
		if strings.TrimSpace(cfg.Membership.Endpoint) == "" {
			return fmt.Errorf("membership.mode=http requires membership.endpoint")
		}
	default:
		return fmt.Errorf("invalid membership.mode %q: want static or http", cfg.Membership.Mode)
	}

	sms := cfg.Notifications.SMS
	if sms.Enabled && strings.TrimSpace(sms.Endpoint) == "" {
		return fmt.Errorf("notifications.sms.enabled requires notifications.sms.endpoint")
	}
	for _, t := range sms.Types {
		if _, ok := knownNotificationTypes[t]; !ok {
			return fmt.Errorf("invalid notifications.sms.types entry %q", t)
		}
	}
	if !gronx.New().IsValid(sms.OutboxCron) {
		return fmt.Errorf("invalid notifications.sms.outbox_cron: not a valid cron expression")
	}

	if cfg.Sensor.DiskLowPct >= cfg.Sensor.DiskHighPct {
		return fmt.Errorf("sensor.disk_low_pct must be below sensor.disk_high_pct")
	}
	return nil
}
