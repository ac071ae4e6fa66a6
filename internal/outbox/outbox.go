// Package outbox schedules retries of parked SMS jobs on a cron expression.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/timeutil"
)

// ErrBusy is returned by RunImmediate while a scheduled run is in progress.
var ErrBusy = errors.New("outbox drain already running")

type Options struct {
	Cron      string
	BatchSize int
	LockTTL   time.Duration
	LockDir   string // directory of the drain lease file
	Clock     timeutil.Clock
}

// Manager runs Drainer on the cron schedule, one run at a time.
type Manager struct {
	drainer Drainer
	lease   *FileLease
	opts    Options
	clock   timeutil.Clock

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(d Drainer, opts Options) (*Manager, error) {
	if d == nil {
		return nil, fmt.Errorf("outbox: nil drainer")
	}
	if opts.Cron == "" || !gronx.New().IsValid(opts.Cron) {
		return nil, fmt.Errorf("outbox: invalid cron %q", opts.Cron)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}
	return &Manager{
		drainer: d,
		lease:   NewFileLease(opts.LockDir, opts.Clock),
		opts:    opts,
		clock:   opts.Clock,
	}, nil
}

// Start launches the schedule loop and returns its cancel func.
func (m *Manager) Start(ctx context.Context) context.CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return m.cancel
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	logger.Info("outbox_scheduler_started", "cron", m.opts.Cron, "batch", m.opts.BatchSize)
	go m.scheduleLoop(m.ctx, m.done)
	return m.cancel
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunImmediate drains now, outside the schedule.
func (m *Manager) RunImmediate(ctx context.Context) (Result, error) {
	if !m.begin() {
		return Result{}, ErrBusy
	}
	defer m.end()
	return m.runOnce(ctx)
}

func (m *Manager) scheduleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := m.clock.Now()
		next, err := gronx.NextTickAfter(m.opts.Cron, now, false)
		if err != nil {
			logger.Error("outbox_nexttick_failed", "cron", m.opts.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			m.runJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) runJob(ctx context.Context) {
	if !m.begin() {
		return
	}
	defer m.end()
	res, err := m.runOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.OutboxRuns.WithLabelValues("error").Inc()
			logger.Error("outbox_run_error", "error", err, "sent", res.Sent, "failed", res.Failed)
		}
		return
	}
	if res.Skipped {
		metrics.OutboxRuns.WithLabelValues("skipped").Inc()
		logger.Debug("outbox_lease_not_acquired")
	}
}

func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.running = true
	return true
}

func (m *Manager) end() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}
