package app

import (
	"context"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/state/shutdown"
)

// Shutdown stops intake first, then background loops, then the stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	steps := []shutdown.Step{
		{Name: "gateway", Fn: a.gateway.Shutdown},
		{Name: "http", Fn: a.shutdownHTTP},
		{Name: "presence", Fn: func(context.Context) error { a.presence.Stop(); return nil }},
		{Name: "sensor", Fn: func(context.Context) error { a.hwSensor.Stop(); return nil }},
	}
	if a.sms != nil {
		steps = append(steps,
			shutdown.Step{Name: "outbox", Fn: func(context.Context) error { a.outbox.Stop(); return nil }},
			// parks queued jobs, so the store must still be open
			shutdown.Step{Name: "sms", Fn: func(context.Context) error { a.sms.Stop(); return nil }},
			shutdown.Step{Name: "dead_letter", Fn: func(context.Context) error { return a.deadLetter.Close() }},
		)
	}
	steps = append(steps,
		shutdown.Step{Name: "notifications", Fn: func(context.Context) error { return a.notes.Close() }},
		shutdown.Step{Name: "store", Fn: func(context.Context) error { return a.store.Close() }},
	)

	err := shutdown.ShutdownApp(ctx, steps...)
	if err == nil {
		a.state = "stopped"
	}
	return err
}

func (a *App) shutdownHTTP(ctx context.Context) error {
	if a.stopLimiter != nil {
		a.stopLimiter()
	}
	if a.srvFast == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- a.srvFast.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Warn("http_shutdown_timeout", "error", ctx.Err())
		return ctx.Err()
	}
}
