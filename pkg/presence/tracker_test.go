package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/session"
	"pulsehub/pkg/timeutil"
)

type changeLog struct {
	mu  sync.Mutex
	all []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	l.all = append(l.all, c)
	l.mu.Unlock()
}

func (l *changeLog) list() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.all...)
}

func newTracker(t *testing.T) (*Tracker, *timeutil.Fake, *session.Registry, *changeLog) {
	t.Helper()
	clock := timeutil.NewFake(time.Unix(10_000, 0))
	reg := session.NewRegistry(session.Options{Clock: clock, Shards: 4})
	log := &changeLog{}
	tr := New(Options{
		HeartbeatInterval: 10 * time.Second,
		Shards:            4,
		Clock:             clock,
		Sessions:          reg,
		OnChange:          log.add,
	})
	reg.SetListener(tr)
	return tr, clock, reg, log
}

func TestIsLive_WindowBoundary(t *testing.T) {
	tr, clock, _, _ := newTracker(t)
	require.NoError(t, tr.Heartbeat("alice", "s1"))

	clock.Advance(20*time.Second - time.Nanosecond)
	assert.True(t, tr.IsLive("alice", "s1"))

	clock.Advance(time.Nanosecond)
	assert.False(t, tr.IsLive("alice", "s1"))
}

func TestHeartbeat_Validation(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	assert.True(t, errs.Is(tr.Heartbeat("", "s1"), errs.KindUnauthorized))
	assert.True(t, errs.Is(tr.Heartbeat("alice", ""), errs.KindInvalid))
}

func TestHeartbeat_EmitsLiveOnlyOnTransition(t *testing.T) {
	tr, clock, _, log := newTracker(t)
	require.NoError(t, tr.Heartbeat("alice", "s1"))
	clock.Advance(5 * time.Second)
	require.NoError(t, tr.Heartbeat("alice", "s1"))
	assert.Len(t, log.list(), 1)

	clock.Advance(30 * time.Second)
	require.NoError(t, tr.Heartbeat("alice", "s1"))
	assert.Len(t, log.list(), 2)
}

func TestLiveMembersAndStatus(t *testing.T) {
	tr, clock, reg, _ := newTracker(t)
	_, err := reg.Register("bob", "c-bob", "web")
	require.NoError(t, err)

	require.NoError(t, tr.Heartbeat("carol", "s1"))
	require.NoError(t, tr.Heartbeat("alice", "s1"))
	require.NoError(t, tr.Heartbeat("bob", "s2"))
	assert.Equal(t, []string{"alice", "carol"}, tr.LiveMembers("s1"))

	assert.Equal(t, StatusLive, tr.Status("alice", "s1"))
	assert.Equal(t, StatusAway, tr.Status("bob", "s1"))
	assert.Equal(t, StatusOffline, tr.Status("dave", "s1"))

	clock.Advance(time.Minute)
	assert.Empty(t, tr.LiveMembers("s1"))
}

func TestLastDisconnectDropsAllScopes(t *testing.T) {
	tr, _, reg, log := newTracker(t)
	_, err := reg.Register("alice", "c1", "web")
	require.NoError(t, err)
	_, err = reg.Register("alice", "c2", "ios")
	require.NoError(t, err)
	require.NoError(t, tr.Heartbeat("alice", "s1"))
	require.NoError(t, tr.Heartbeat("alice", "s2"))

	reg.Unregister("c1")
	assert.True(t, tr.IsLive("alice", "s1"))

	reg.Unregister("c2")
	assert.False(t, tr.IsLive("alice", "s1"))
	assert.False(t, tr.IsLive("alice", "s2"))
	assert.Equal(t, 0, tr.LiveCount())

	offline := 0
	for _, c := range log.list() {
		if c.Status == StatusOffline {
			offline++
		}
	}
	assert.Equal(t, 2, offline)
}

// lateListener runs before on the first zero-count report, then forwards it.
type lateListener struct {
	tr     *Tracker
	before func()
}

func (l *lateListener) ConnectionsChanged(identity string, count int) {
	if count == 0 && l.before != nil {
		fn := l.before
		l.before = nil
		fn()
	}
	l.tr.ConnectionsChanged(identity, count)
}

func TestLateDisconnectReportKeepsReconnectedIdentity(t *testing.T) {
	tr, _, reg, _ := newTracker(t)
	_, err := reg.Register("alice", "old", "web")
	require.NoError(t, err)
	require.NoError(t, tr.Heartbeat("alice", "acme"))

	reg.SetListener(&lateListener{tr: tr, before: func() {
		_, err := reg.Register("alice", "new", "web")
		require.NoError(t, err)
		require.NoError(t, tr.Heartbeat("alice", "acme"))
	}})
	reg.Unregister("old")

	assert.True(t, reg.IsOnline("alice"))
	assert.True(t, tr.IsLive("alice", "acme"))
	assert.Equal(t, StatusLive, tr.Status("alice", "acme"))

	reg.Unregister("new")
	assert.False(t, tr.IsLive("alice", "acme"))
}

func TestSweep_ExpiresPairsAndEvictsStaleConnections(t *testing.T) {
	tr, clock, reg, log := newTracker(t)
	stale, err := reg.Register("alice", "c1", "web")
	require.NoError(t, err)
	fresh, err := reg.Register("bob", "c2", "web")
	require.NoError(t, err)
	require.NoError(t, tr.Heartbeat("alice", "s1"))

	clock.Advance(25 * time.Second)
	reg.Touch("c2", clock.Now())

	expired, evicted := tr.Sweep()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, evicted)
	assert.True(t, stale.Closed())
	assert.Equal(t, "heartbeat_timeout", stale.CloseReason())
	assert.False(t, fresh.Closed())

	changes := log.list()
	require.NotEmpty(t, changes)
	assert.Equal(t, StatusAway, changes[len(changes)-1].Status)
}

func TestStartStop(t *testing.T) {
	tr := New(Options{HeartbeatInterval: time.Millisecond, SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tr.Start(ctx)
	tr.Stop()
	tr.Stop()
}
