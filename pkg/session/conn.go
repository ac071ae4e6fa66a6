package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned when pushing to a connection that is gone.
	ErrClosed = errors.New("session: connection closed")
	// ErrSlowConsumer is returned when the outbound queue was full. The
	// connection is closed as a side effect.
	ErrSlowConsumer = errors.New("session: slow consumer")
)

// Envelope is one encoded outbound event waiting on a connection's queue.
type Envelope struct {
	Thread  string
	Kind    string
	Payload []byte
	ack     func(error)
}

// NewEnvelope builds an envelope; ack, when set, is called exactly once by
// the transport with the write outcome.
func NewEnvelope(thread, kind string, payload []byte, ack func(error)) Envelope {
	return Envelope{Thread: thread, Kind: kind, Payload: payload, ack: ack}
}

// Ack reports the write outcome back to the publisher.
func (e Envelope) Ack(err error) {
	if e.ack != nil {
		e.ack(err)
	}
}

// Conn is one live client connection. The transport drains Outbound and
// watches Done; everybody else only pushes.
type Conn struct {
	ID        string
	Identity  string
	Platform  string
	CreatedAt time.Time

	out       chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	reason    atomic.Value

	lastSeen atomic.Int64

	mu     sync.RWMutex
	joined map[string]struct{}
}

func newConn(id, identity, platform string, buffer int, now time.Time) *Conn {
	c := &Conn{
		ID:        id,
		Identity:  identity,
		Platform:  platform,
		CreatedAt: now,
		out:       make(chan Envelope, buffer),
		closed:    make(chan struct{}),
		joined:    make(map[string]struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Push enqueues env without blocking. A full queue closes the connection.
func (c *Conn) Push(env Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- env:
		// the writer may have drained and exited since the check above
		if c.Closed() {
			c.Drain()
		}
		return nil
	default:
		c.Close("slow_consumer")
		return ErrSlowConsumer
	}
}

// Offer enqueues env if there is room and silently drops it otherwise.
// Used for ephemeral events that must never cost a connection.
func (c *Conn) Offer(env Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- env:
		if c.Closed() {
			c.Drain()
		}
		return true
	default:
		return false
	}
}

// Drain fails every queued envelope with ErrClosed so publishers stop
// waiting. Called by the transport once its writer is done.
func (c *Conn) Drain() {
	for {
		select {
		case env := <-c.out:
			env.Ack(ErrClosed)
		default:
			return
		}
	}
}

// Outbound is the queue drained by the transport writer.
func (c *Conn) Outbound() <-chan Envelope { return c.out }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Close marks the connection closed. Only the first reason is kept.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.closed)
	})
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close.
func (c *Conn) CloseReason() string {
	if v, ok := c.reason.Load().(string); ok {
		return v
	}
	return ""
}

// Pending is the number of queued envelopes.
func (c *Conn) Pending() int { return len(c.out) }

// LastSeen is the time of the last heartbeat.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// Join adds threadID to the connection's joined set; false when already joined.
func (c *Conn) Join(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[threadID]; ok {
		return false
	}
	c.joined[threadID] = struct{}{}
	return true
}

// Leave removes threadID from the joined set; false when it was not joined.
func (c *Conn) Leave(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[threadID]; !ok {
		return false
	}
	delete(c.joined, threadID)
	return true
}

// HasJoined reports whether the connection currently views threadID.
func (c *Conn) HasJoined(threadID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.joined[threadID]
	return ok
}

// JoinedThreads returns the joined set, sorted.
func (c *Conn) JoinedThreads() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.joined))
	for t := range c.joined {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
