package ctl

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pulsehub/internal/outbox"
	"pulsehub/pkg/config"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/state"
	"pulsehub/pkg/store"
	"pulsehub/pkg/timeutil"
)

func newOutboxCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the SMS outbox of a stopped server",
	}
	var serverConfig string
	cmd.PersistentFlags().StringVar(&serverConfig, "server-config", "./config.yaml", "pulsehub server config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Count parked SMS jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(serverConfig)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.StorePath(), store.Options{})
			if err != nil {
				return fmt.Errorf("open store (is the server still running?): %w", err)
			}
			defer st.Close()
			n, err := st.CountOutbox(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s parked\n", humanize.Comma(int64(n)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Retry every due SMS job now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(serverConfig)
			if err != nil {
				return err
			}
			res, err := drainOutbox(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "another process holds the drain lease")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s, failed %s in %d rounds\n",
				humanize.Comma(int64(res.Sent)), humanize.Comma(int64(res.Failed)), res.Rounds)
			return nil
		},
	})
	return cmd
}

func loadServerConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	eff := config.EffectiveConfigResult{Config: cfg, Addr: cfg.Addr(), DBPath: cfg.Server.DBPath, Source: "config"}
	if err := config.ValidateConfig(eff); err != nil {
		return nil, err
	}
	return cfg, nil
}

// drainOutbox runs one drain with the server's own SMS wiring.
func drainOutbox(ctx context.Context, cfg *config.Config) (outbox.Result, error) {
	sms := cfg.Notifications.SMS
	if !sms.Enabled {
		return outbox.Result{}, fmt.Errorf("notifications.sms is disabled in the server config")
	}
	if cfg.Membership.Mode != "static" {
		return outbox.Result{}, fmt.Errorf("outbox drain needs membership.mode=static to resolve contacts")
	}

	paths := state.PathsFor(cfg.Server.DBPath)
	if err := state.EnsureStateDirs(cfg.Server.DBPath); err != nil {
		return outbox.Result{}, err
	}
	st, err := store.Open(paths.Store, store.Options{})
	if err != nil {
		return outbox.Result{}, fmt.Errorf("open store (is the server still running?): %w", err)
	}
	defer st.Close()

	dir := membership.NewStatic()
	if cfg.Membership.File != "" {
		if dir, err = membership.LoadStatic(cfg.Membership.File); err != nil {
			return outbox.Result{}, err
		}
	}

	clock := timeutil.Real()
	dead := state.NewDeadLetterWriter(paths.DeadLetter, clock)
	defer dead.Close()

	q := notify.NewSMSQueue(
		notify.NewWebhookSender(sms.Endpoint, sms.Token, sms.Timeout.Duration(), nil),
		dir, st,
		notify.SMSOptions{Capacity: 1, Timeout: sms.Timeout.Duration(), MaxAttempts: sms.MaxAttempts, Clock: clock, DeadLetter: dead},
	)
	m, err := outbox.New(q, outbox.Options{
		Cron:      sms.OutboxCron,
		BatchSize: sms.OutboxBatchSize,
		LockTTL:   sms.LockTTL.Duration(),
		LockDir:   paths.Outbox,
		Clock:     clock,
	})
	if err != nil {
		return outbox.Result{}, err
	}
	return m.RunImmediate(ctx)
}
