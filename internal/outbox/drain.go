package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulsehub/pkg/logger"
	"pulsehub/pkg/metrics"
)

// Drainer retries one batch of parked SMS jobs.
type Drainer interface {
	DrainOutbox(ctx context.Context, batch int) (sent, failed int, err error)
}

// Result summarises one drain run.
type Result struct {
	Rounds  int
	Sent    int
	Failed  int
	Skipped bool
}

const (
	maxRoundsPerRun          = 50
	maxConsecutiveRenewFails = 3
)

var errLeaseLost = errors.New("outbox drain aborted: lease renewal failed")

// runOnce acquires the lease and drains batches until a round comes back
// short, the round cap is hit, or ctx ends.
func (m *Manager) runOnce(ctx context.Context) (Result, error) {
	var res Result
	owner := uuid.NewString()
	acq, err := m.lease.Acquire(owner, m.opts.LockTTL)
	if err != nil {
		return res, fmt.Errorf("lease acquire failed: %w", err)
	}
	if !acq {
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := m.lease.Release(owner); err != nil {
			logger.Error("outbox_lease_release_error", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancelCause(ctx)
	defer runCancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t := time.NewTicker(m.opts.LockTTL / 3)
		defer t.Stop()
		var failCount int
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				if err := m.lease.Renew(owner, m.opts.LockTTL); err != nil {
					failCount++
					logger.Error("outbox_lease_renew_failed", "error", err, "count", failCount)
					if failCount >= maxConsecutiveRenewFails {
						runCancel(errLeaseLost)
						return
					}
					continue
				}
				failCount = 0
			}
		}
	}()
	defer func() {
		runCancel(nil)
		<-hbDone
	}()

	runID := uuid.NewString()
	logger.Debug("outbox_run_start", "run_id", runID, "owner", owner)
	for res.Rounds < maxRoundsPerRun {
		if runCtx.Err() != nil {
			return res, context.Cause(runCtx)
		}
		sent, failed, err := m.drainer.DrainOutbox(runCtx, m.opts.BatchSize)
		res.Rounds++
		res.Sent += sent
		res.Failed += failed
		if err != nil {
			if cause := context.Cause(runCtx); cause != nil {
				return res, cause
			}
			return res, err
		}
		if sent+failed < m.opts.BatchSize {
			break
		}
	}
	metrics.OutboxRuns.WithLabelValues("ok").Inc()
	logger.Info("outbox_run_complete", "run_id", runID, "rounds", res.Rounds, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}
