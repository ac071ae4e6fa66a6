package app

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"pulsehub/internal/outbox"
	"pulsehub/pkg/config"
	"pulsehub/pkg/events"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/gateway"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/messaging"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/presence"
	"pulsehub/pkg/readstate"
	"pulsehub/pkg/sensor"
	"pulsehub/pkg/session"
	"pulsehub/pkg/state"
	"pulsehub/pkg/store"
	"pulsehub/pkg/telemetry"
	"pulsehub/pkg/threads"
	"pulsehub/pkg/timeutil"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string
	state     string

	store      *store.Store
	notes      *notify.SQLiteStore
	dir        membership.Directory
	sessions   *session.Registry
	presence   *presence.Tracker
	threads    *threads.Router
	engine     *fanout.Engine
	reads      *readstate.Machine
	dispatcher *notify.Dispatcher
	messaging  *messaging.Service
	gateway    *gateway.Server
	hwSensor   *sensor.Sensor

	// sms side channel, nil when disabled
	sms        *notify.SMSQueue
	deadLetter *state.DeadLetterWriter
	outbox     *outbox.Manager

	client      *fasthttp.Client
	srvFast     *fasthttp.Server
	stopLimiter func()
	listen      func(addr string) (net.Listener, error)
}

// New sets up resources that don't need a running context (stores,
// membership, the realtime components). Call Run to start background loops
// and the http server.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config
	clock := timeutil.Real()

	telemetry.Init(cfg.Telemetry.SampleRate, cfg.Telemetry.SlowThreshold.Duration())

	paths := state.PathsFor(eff.DBPath)
	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		state:     "initializing",
		client: &fasthttp.Client{
			Name:                "pulsehub",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
		},
		listen: func(addr string) (net.Listener, error) { return net.Listen("tcp4", addr) },
	}

	st, err := store.Open(paths.Store, store.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", paths.Store, err)
	}
	a.store = st

	notes, err := notify.OpenSQLite(cfg.NotificationsPath())
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("failed to open notification db at %s: %w", cfg.NotificationsPath(), err)
	}
	a.notes = notes

	dir, err := a.openDirectory(cfg.Membership)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.dir = dir

	shards := cfg.Presence.Shards
	a.sessions = session.NewRegistry(session.Options{
		Shards:         shards,
		OutboundBuffer: cfg.Delivery.OutboundBuffer,
		Clock:          clock,
	})
	a.presence = presence.New(presence.Options{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval.Duration(),
		SweepInterval:     cfg.Presence.SweepInterval.Duration(),
		Shards:            shards,
		Clock:             clock,
		Sessions:          a.sessions,
		OnChange:          a.onPresenceChange,
	})
	a.sessions.SetListener(a.presence)

	a.threads = threads.NewRouter(st, dir, a.sessions, shards)
	a.engine = fanout.New(a.sessions, a.threads)
	a.reads = readstate.New(st, a.threads, a.engine, clock)

	smsCfg := cfg.Notifications.SMS
	notifyOpts := notify.Options{SMSTypes: smsCfg.Types, Clock: clock}
	if smsCfg.Enabled {
		a.deadLetter = state.NewDeadLetterWriter(paths.DeadLetter, clock)
		sender := notify.NewWebhookSender(smsCfg.Endpoint, smsCfg.Token, smsCfg.Timeout.Duration(), a.client)
		a.sms = notify.NewSMSQueue(sender, dir, st, notify.SMSOptions{
			Capacity:    smsCfg.QueueCapacity,
			Timeout:     smsCfg.Timeout.Duration(),
			MaxAttempts: smsCfg.MaxAttempts,
			Clock:       clock,
			DeadLetter:  a.deadLetter,
		})
		a.outbox, err = outbox.New(a.sms, outbox.Options{
			Cron:      smsCfg.OutboxCron,
			BatchSize: smsCfg.OutboxBatchSize,
			LockTTL:   smsCfg.LockTTL.Duration(),
			LockDir:   paths.Outbox,
			Clock:     clock,
		})
		if err != nil {
			a.closeStores()
			return nil, err
		}
		notifyOpts.SMS = a.sms
	}
	a.dispatcher = notify.NewDispatcher(notes, a.threads, a.engine, dir, notifyOpts)

	a.messaging = messaging.New(messaging.Deps{
		Store:        st,
		Router:       a.threads,
		Engine:       a.engine,
		Reads:        a.reads,
		Notify:       a.dispatcher,
		Presence:     a.presence,
		Sessions:     a.sessions,
		Directory:    dir,
		Clock:        clock,
		HistoryLimit: cfg.Delivery.HistoryLimit,
	})

	a.gateway = gateway.New(a.sessions, a.messaging, gateway.Options{
		WriteTimeout:   cfg.Delivery.WriteTimeout.Duration(),
		PingInterval:   cfg.Delivery.PingInterval.Duration(),
		MaxFrameBytes:  cfg.Delivery.MaxFrameBytes.Int64(),
		InboundRPS:     cfg.Delivery.InboundRPS,
		InboundBurst:   cfg.Delivery.InboundBurst,
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})

	a.hwSensor = sensor.NewSensor(sensor.MonitorConfig{
		Path:           eff.DBPath,
		PollInterval:   cfg.Sensor.PollInterval.Duration(),
		DiskHighPct:    cfg.Sensor.DiskHighPct,
		DiskLowPct:     cfg.Sensor.DiskLowPct,
		MemHighPct:     cfg.Sensor.MemHighPct,
		RecoveryWindow: cfg.Sensor.RecoveryWindow.Duration(),
		Clock:          clock,
	})

	a.logSummary()
	return a, nil
}

func (a *App) openDirectory(mc config.MembershipConfig) (membership.Directory, error) {
	switch mc.Mode {
	case "http":
		logger.Info("membership_directory", "mode", "http", "endpoint", mc.Endpoint)
		return membership.NewHTTP(mc.Endpoint, mc.Token, mc.Timeout.Duration(), a.client), nil
	default:
		if mc.File == "" {
			logger.Warn("membership_directory_empty", "msg", "no membership.file; scopes start empty")
			return membership.NewStatic(), nil
		}
		dir, err := membership.LoadStatic(mc.File)
		if err != nil {
			return nil, fmt.Errorf("load membership file %s: %w", mc.File, err)
		}
		logger.Info("membership_directory", "mode", "static", "file", mc.File)
		return dir, nil
	}
}

// onPresenceChange tells the scope's live members about a transition.
func (a *App) onPresenceChange(c presence.Change) {
	members := a.presence.LiveMembers(c.Scope)
	if len(members) == 0 {
		return
	}
	a.engine.PublishEphemeral(context.Background(), "", members, events.PresenceEvent(c.Scope, c.Identity, string(c.Status)))
}

// Run starts the background loops and the http server, and blocks until ctx
// is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	a.presence.Start(ctx)
	a.hwSensor.Start()
	if a.sms != nil {
		a.sms.Start(a.eff.Config.Notifications.SMS.Workers)
		a.outbox.Start(ctx)
	}
	a.registerGauges()

	errCh, err := a.startHTTP()
	if err != nil {
		return err
	}
	a.state = "running"

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) logSummary() {
	cfg := a.eff.Config
	items := []string{
		fmt.Sprintf("heartbeat_interval: %s (live window %s)", cfg.Presence.HeartbeatInterval.Duration(), 2*cfg.Presence.HeartbeatInterval.Duration()),
		fmt.Sprintf("outbound_buffer: %s events per connection", humanize.Comma(int64(cfg.Delivery.OutboundBuffer))),
		fmt.Sprintf("max_frame: %s", humanize.IBytes(uint64(cfg.Delivery.MaxFrameBytes.Int64()))),
		fmt.Sprintf("inbound_rate: %.0f/s burst %d", cfg.Delivery.InboundRPS, cfg.Delivery.InboundBurst),
		fmt.Sprintf("history_limit: %s", humanize.Comma(int64(cfg.Delivery.HistoryLimit))),
	}
	if sms := cfg.Notifications.SMS; sms.Enabled {
		items = append(items,
			fmt.Sprintf("sms_queue_capacity: %s", humanize.Comma(int64(sms.QueueCapacity))),
			fmt.Sprintf("sms_outbox_cron: %s (batch %d, max attempts %d)", sms.OutboxCron, sms.OutboxBatchSize, sms.MaxAttempts),
		)
	}
	logger.LogConfigSummary("config_delivery_summary", items)
}

func (a *App) closeStores() {
	if a.notes != nil {
		_ = a.notes.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
