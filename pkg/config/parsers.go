package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// parses command-line flags and returns them as a Flags struct
func ParseConfigFlags() Flags {
	f, _ := parseFlags(flag.CommandLine, os.Args[1:])
	return f
}

func parseFlags(fset *flag.FlagSet, args []string) (Flags, error) {
	addrPtr := fset.String("addr", ":8080", "HTTP listen address")
	dbPtr := fset.String("db", "./.pulsehub", "data directory (pebble store and notification db)")
	cfgPtr := fset.String("config", "./config.yaml", "Path to config file")
	if err := fset.Parse(args); err != nil {
		return Flags{}, err
	}

	// record which flags were set explicitly
	setFlags := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfg, err := LoadConfigFile(flags.Config)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// loads PULSEHUB_* environment variables into a new Config
func ParseConfigEnvs() (*Config, bool) {
	envs := map[string]string{
		"ADDR":           os.Getenv("PULSEHUB_ADDR"),
		"SERVER_ADDRESS": os.Getenv("PULSEHUB_SERVER_ADDRESS"),
		"SERVER_PORT":    os.Getenv("PULSEHUB_SERVER_PORT"),
		"DB_PATH":        os.Getenv("PULSEHUB_DB_PATH"),

		"CORS_ORIGINS":      os.Getenv("PULSEHUB_CORS_ORIGINS"),
		"RATE_RPS":          os.Getenv("PULSEHUB_RATE_RPS"),
		"RATE_BURST":        os.Getenv("PULSEHUB_RATE_BURST"),
		"IP_WHITELIST":      os.Getenv("PULSEHUB_IP_WHITELIST"),
		"API_BACKEND_KEYS":  os.Getenv("PULSEHUB_API_BACKEND_KEYS"),
		"API_FRONTEND_KEYS": os.Getenv("PULSEHUB_API_FRONTEND_KEYS"),
		"API_ADMIN_KEYS":    os.Getenv("PULSEHUB_API_ADMIN_KEYS"),

		"LOG_LEVEL": os.Getenv("PULSEHUB_LOG_LEVEL"),

		// presence
		"HEARTBEAT_INTERVAL": os.Getenv("PULSEHUB_HEARTBEAT_INTERVAL"),
		"SWEEP_INTERVAL":     os.Getenv("PULSEHUB_SWEEP_INTERVAL"),

		// delivery
		"OUTBOUND_BUFFER": os.Getenv("PULSEHUB_OUTBOUND_BUFFER"),
		"WRITE_TIMEOUT":   os.Getenv("PULSEHUB_WRITE_TIMEOUT"),
		"PING_INTERVAL":   os.Getenv("PULSEHUB_PING_INTERVAL"),
		"MAX_FRAME_BYTES": os.Getenv("PULSEHUB_MAX_FRAME_BYTES"),
		"INBOUND_RPS":     os.Getenv("PULSEHUB_INBOUND_RPS"),
		"INBOUND_BURST":   os.Getenv("PULSEHUB_INBOUND_BURST"),

		// membership collaborator
		"MEMBERSHIP_MODE":     os.Getenv("PULSEHUB_MEMBERSHIP_MODE"),
		"MEMBERSHIP_FILE":     os.Getenv("PULSEHUB_MEMBERSHIP_FILE"),
		"MEMBERSHIP_ENDPOINT": os.Getenv("PULSEHUB_MEMBERSHIP_ENDPOINT"),
		"MEMBERSHIP_TOKEN":    os.Getenv("PULSEHUB_MEMBERSHIP_TOKEN"),
		"MEMBERSHIP_TIMEOUT":  os.Getenv("PULSEHUB_MEMBERSHIP_TIMEOUT"),

		// notifications and sms
		"NOTIFICATIONS_DB_PATH": os.Getenv("PULSEHUB_NOTIFICATIONS_DB_PATH"),
		"SMS_ENABLED":           os.Getenv("PULSEHUB_SMS_ENABLED"),
		"SMS_ENDPOINT":          os.Getenv("PULSEHUB_SMS_ENDPOINT"),
		"SMS_TOKEN":             os.Getenv("PULSEHUB_SMS_TOKEN"),
		"SMS_TYPES":             os.Getenv("PULSEHUB_SMS_TYPES"),
		"SMS_WORKERS":           os.Getenv("PULSEHUB_SMS_WORKERS"),
		"SMS_OUTBOX_CRON":       os.Getenv("PULSEHUB_SMS_OUTBOX_CRON"),

		// telemetry
		"TELEMETRY_SAMPLE_RATE":    os.Getenv("PULSEHUB_TELEMETRY_SAMPLE_RATE"),
		"TELEMETRY_SLOW_THRESHOLD": os.Getenv("PULSEHUB_TELEMETRY_SLOW_THRESHOLD"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	// parse helpers
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	parseInt := func(v string) (int, bool) {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}

	parseDuration := func(v string) Duration {
		d, _ := parseDurationValue(v)
		return d
	}

	if v := envs["ADDR"]; v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			envCfg.Server.Address = h
			if pi, ok := parseInt(p); ok {
				envCfg.Server.Port = pi
			}
		} else {
			envCfg.Server.Address = v
		}
	} else {
		if host := envs["SERVER_ADDRESS"]; host != "" {
			envCfg.Server.Address = host
		}
		if pi, ok := parseInt(envs["SERVER_PORT"]); ok {
			envCfg.Server.Port = pi
		}
	}
	envCfg.Server.DBPath = envs["DB_PATH"]

	envCfg.Server.CORS.AllowedOrigins = parseList(envs["CORS_ORIGINS"])
	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Server.RateLimit.RPS = f
		}
	}
	if n, ok := parseInt(envs["RATE_BURST"]); ok {
		envCfg.Server.RateLimit.Burst = n
	}
	envCfg.Server.IPWhitelist = parseList(envs["IP_WHITELIST"])
	envCfg.Server.APIKeys.Backend = parseList(envs["API_BACKEND_KEYS"])
	envCfg.Server.APIKeys.Frontend = parseList(envs["API_FRONTEND_KEYS"])
	envCfg.Server.APIKeys.Admin = parseList(envs["API_ADMIN_KEYS"])

	envCfg.Logging.Level = strings.TrimSpace(envs["LOG_LEVEL"])

	envCfg.Presence.HeartbeatInterval = parseDuration(envs["HEARTBEAT_INTERVAL"])
	envCfg.Presence.SweepInterval = parseDuration(envs["SWEEP_INTERVAL"])

	if n, ok := parseInt(envs["OUTBOUND_BUFFER"]); ok {
		envCfg.Delivery.OutboundBuffer = n
	}
	envCfg.Delivery.WriteTimeout = parseDuration(envs["WRITE_TIMEOUT"])
	envCfg.Delivery.PingInterval = parseDuration(envs["PING_INTERVAL"])
	if v := envs["MAX_FRAME_BYTES"]; v != "" {
		if sz, err := parseSize(v); err == nil {
			envCfg.Delivery.MaxFrameBytes = sz
		}
	}
	if v := envs["INBOUND_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Delivery.InboundRPS = f
		}
	}
	if n, ok := parseInt(envs["INBOUND_BURST"]); ok {
		envCfg.Delivery.InboundBurst = n
	}

	envCfg.Membership.Mode = strings.ToLower(strings.TrimSpace(envs["MEMBERSHIP_MODE"]))
	envCfg.Membership.File = envs["MEMBERSHIP_FILE"]
	envCfg.Membership.Endpoint = envs["MEMBERSHIP_ENDPOINT"]
	envCfg.Membership.Token = envs["MEMBERSHIP_TOKEN"]
	envCfg.Membership.Timeout = parseDuration(envs["MEMBERSHIP_TIMEOUT"])

	envCfg.Notifications.DBPath = envs["NOTIFICATIONS_DB_PATH"]
	envCfg.Notifications.SMS.Enabled = parseBool(envs["SMS_ENABLED"])
	envCfg.Notifications.SMS.Endpoint = envs["SMS_ENDPOINT"]
	envCfg.Notifications.SMS.Token = envs["SMS_TOKEN"]
	envCfg.Notifications.SMS.Types = parseList(envs["SMS_TYPES"])
	if n, ok := parseInt(envs["SMS_WORKERS"]); ok {
		envCfg.Notifications.SMS.Workers = n
	}
	envCfg.Notifications.SMS.OutboxCron = strings.TrimSpace(envs["SMS_OUTBOX_CRON"])

	if v := envs["TELEMETRY_SAMPLE_RATE"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Telemetry.SampleRate = f
		}
	}
	envCfg.Telemetry.SlowThreshold = parseDuration(envs["TELEMETRY_SLOW_THRESHOLD"])

	return envCfg, envUsed
}

// decides which single source to use (flags, config file, or env) and returns
// the effective config plus resolved addr and dbPath. if --config is set only
// the config file is used; otherwise flags if set; else config file if
// present; else env
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	if fileCfg == nil {
		fileCfg = &Config{}
	}
	if envCfg == nil {
		envCfg = &Config{}
	}

	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		return fromConfig(fileCfg, "config"), nil
	}

	if flags.Set["addr"] || flags.Set["db"] {
		// flags override listener and path; everything else comes from the
		// file when present, env otherwise
		base := envCfg
		if fileExists {
			base = fileCfg
		}
		out := *base
		if flags.Set["addr"] {
			host, port := splitAddr(flags.Addr)
			out.Server.Address = host
			out.Server.Port = port
		}
		if flags.Set["db"] {
			out.Server.DBPath = flags.DB
		} else if strings.TrimSpace(out.Server.DBPath) == "" {
			out.Server.DBPath = flags.DB
		}
		return fromConfig(&out, "flags"), nil
	}

	if fileExists {
		if strings.TrimSpace(fileCfg.Server.DBPath) == "" {
			fileCfg.Server.DBPath = flags.DB
		}
		return fromConfig(fileCfg, "config"), nil
	}
	if strings.TrimSpace(envCfg.Server.DBPath) == "" {
		envCfg.Server.DBPath = flags.DB
	}
	return fromConfig(envCfg, "env"), nil
}

func fromConfig(c *Config, source string) EffectiveConfigResult {
	return EffectiveConfigResult{Config: c, Addr: c.Addr(), DBPath: c.Server.DBPath, Source: source}
}

// splits host:port; a missing or malformed port yields 0 so Addr() defaults it
func splitAddr(a string) (string, int) {
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return a, 0
	}
	pi, err := strconv.Atoi(p)
	if err != nil {
		return h, 0
	}
	return h, pi
}
