package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/timeutil"
)

type countRecorder struct {
	mu     sync.Mutex
	counts map[string][]int
}

func (c *countRecorder) ConnectionsChanged(identity string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string][]int)
	}
	c.counts[identity] = append(c.counts[identity], count)
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(Options{Shards: 4})

	_, err := r.Register("", "c1", "web")
	assert.True(t, errs.Is(err, errs.KindUnauthorized))

	_, err = r.Register("alice", "c1", "web")
	require.NoError(t, err)
	_, err = r.Register("bob", "c1", "web")
	assert.True(t, errs.Is(err, errs.KindConflict))
}

func TestRegisterUnregister_ReportsCounts(t *testing.T) {
	rec := &countRecorder{}
	r := NewRegistry(Options{Shards: 4})
	r.SetListener(rec)

	_, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)
	_, err = r.Register("alice", "c2", "ios")
	require.NoError(t, err)
	assert.True(t, r.IsOnline("alice"))
	assert.Len(t, r.ConnectionsFor("alice"), 2)

	r.Unregister("c1")
	r.Unregister("c1")
	r.Unregister("c2")
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, []int{1, 2, 1, 0}, rec.counts["alice"])
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Identities())
}

func TestUnregister_ClosesConn(t *testing.T) {
	r := NewRegistry(Options{})
	c, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)
	r.Unregister("c1")
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Push(NewEnvelope("t", "message", nil, nil)), ErrClosed)
}

func TestPush_SlowConsumerClosesConnection(t *testing.T) {
	r := NewRegistry(Options{OutboundBuffer: 2})
	c, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)

	require.NoError(t, c.Push(NewEnvelope("t", "message", []byte("1"), nil)))
	require.NoError(t, c.Push(NewEnvelope("t", "message", []byte("2"), nil)))
	assert.ErrorIs(t, c.Push(NewEnvelope("t", "message", []byte("3"), nil)), ErrSlowConsumer)
	assert.True(t, c.Closed())
	assert.Equal(t, "slow_consumer", c.CloseReason())
}

func TestOffer_DropsWithoutClosing(t *testing.T) {
	r := NewRegistry(Options{OutboundBuffer: 1})
	c, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)

	assert.True(t, c.Offer(NewEnvelope("t", "typing", nil, nil)))
	assert.False(t, c.Offer(NewEnvelope("t", "typing", nil, nil)))
	assert.False(t, c.Closed())
}

func TestPush_PreservesOrder(t *testing.T) {
	r := NewRegistry(Options{OutboundBuffer: 16})
	c, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Push(NewEnvelope("t", "message", []byte{byte(i)}, nil)))
	}
	for i := 0; i < 10; i++ {
		env := <-c.Outbound()
		assert.Equal(t, byte(i), env.Payload[0])
	}
}

func TestTouchAndStale(t *testing.T) {
	clock := timeutil.NewFake(time.Unix(1000, 0))
	r := NewRegistry(Options{Clock: clock})
	_, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)
	_, err = r.Register("bob", "c2", "web")
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	assert.True(t, r.Touch("c2", clock.Now()))
	assert.False(t, r.Touch("missing", clock.Now()))

	stale := r.Stale(clock.Now().Add(-10 * time.Second))
	require.Len(t, stale, 1)
	assert.Equal(t, "c1", stale[0].ID)
}

func TestJoinedSet(t *testing.T) {
	r := NewRegistry(Options{})
	c, err := r.Register("alice", "c1", "web")
	require.NoError(t, err)

	assert.True(t, c.Join("b"))
	assert.True(t, c.Join("a"))
	assert.False(t, c.Join("a"))
	assert.Equal(t, []string{"a", "b"}, c.JoinedThreads())
	assert.True(t, c.Leave("a"))
	assert.False(t, c.Leave("a"))
	assert.False(t, c.HasJoined("a"))
}

func TestEnvelopeAckCalled(t *testing.T) {
	var got error = errs.ErrConflict
	env := NewEnvelope("t", "message", nil, func(err error) { got = err })
	env.Ack(nil)
	assert.NoError(t, got)
}

func TestPush_RacingCloseStillAcks(t *testing.T) {
	for round := 0; round < 50; round++ {
		c := newConn("c1", "alice", "web", 64, time.Now())
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			acked    int
		)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				env := NewEnvelope("t1", "message", nil, func(error) {
					mu.Lock()
					acked++
					mu.Unlock()
				})
				if c.Push(env) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		c.Close("unregistered")
		c.Drain()
		wg.Wait()

		mu.Lock()
		assert.Equal(t, accepted, acked, "round %d", round)
		mu.Unlock()
	}
}

func TestPush_AfterDrainReturnsClosed(t *testing.T) {
	c := newConn("c1", "alice", "web", 4, time.Now())
	var got error
	require.NoError(t, c.Push(NewEnvelope("t1", "message", nil, func(err error) { got = err })))
	c.Close("unregistered")
	c.Drain()
	assert.ErrorIs(t, got, ErrClosed)
	assert.ErrorIs(t, c.Push(NewEnvelope("t1", "message", nil, nil)), ErrClosed)
	assert.Equal(t, 0, c.Pending())
}
