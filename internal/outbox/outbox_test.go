package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/pkg/timeutil"
)

type fakeDrainer struct {
	mu      sync.Mutex
	pending int
	calls   int
	err     error
	block   chan struct{}
}

func (f *fakeDrainer) DrainOutbox(ctx context.Context, batch int) (int, int, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, 0, f.err
	}
	n := batch
	if f.pending < n {
		n = f.pending
	}
	f.pending -= n
	return n, 0, nil
}

func newManager(t *testing.T, d Drainer) *Manager {
	t.Helper()
	m, err := New(d, Options{Cron: "*/5 * * * *", BatchSize: 10, LockTTL: time.Minute, LockDir: t.TempDir()})
	require.NoError(t, err)
	return m
}

func TestNew_RejectsInvalidCron(t *testing.T) {
	_, err := New(&fakeDrainer{}, Options{Cron: "every now and then"})
	assert.Error(t, err)
}

func TestRunImmediate_DrainsUntilShortRound(t *testing.T) {
	d := &fakeDrainer{pending: 25}
	m := newManager(t, d)

	res, err := m.RunImmediate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 25, res.Sent)
	assert.False(t, res.Skipped)
	assert.NoFileExists(t, m.lease.Path())
}

func TestRunImmediate_SkipsWhenLeaseHeld(t *testing.T) {
	d := &fakeDrainer{pending: 5}
	m := newManager(t, d)

	ok, err := m.lease.Acquire("other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := m.RunImmediate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, d.calls)
}

func TestRunImmediate_PropagatesDrainError(t *testing.T) {
	d := &fakeDrainer{err: errors.New("pebble closed")}
	m := newManager(t, d)

	_, err := m.RunImmediate(context.Background())
	assert.ErrorContains(t, err, "pebble closed")
	assert.NoFileExists(t, m.lease.Path())
}

func TestRunImmediate_BusyWhileRunning(t *testing.T) {
	d := &fakeDrainer{pending: 1, block: make(chan struct{})}
	m := newManager(t, d)

	errc := make(chan error, 1)
	go func() {
		_, err := m.RunImmediate(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.running
	}, time.Second, 5*time.Millisecond)

	_, err := m.RunImmediate(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(d.block)
	require.NoError(t, <-errc)
}

func TestStartStop(t *testing.T) {
	m := newManager(t, &fakeDrainer{})
	cancel := m.Start(context.Background())
	assert.NotNil(t, cancel)
	m.Stop()
	m.Stop()
}

func TestFileLease_ExpiryAndOwnership(t *testing.T) {
	clock := timeutil.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewFileLease(t.TempDir(), clock)

	ok, err := l.Acquire("a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Renew("b", time.Minute), ErrNotOwner)
	require.NoError(t, l.Renew("a", time.Minute))

	clock.Advance(2 * time.Minute)
	ok, err = l.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, l.Release("a"), ErrNotOwner)
	require.NoError(t, l.Release("b"))
	assert.NoFileExists(t, l.Path())
}
