// Package session tracks the live connections of every identity.
package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/timeutil"
)

// Listener is told the new connection count of an identity after every
// register and unregister. It is called without registry locks held.
type Listener interface {
	ConnectionsChanged(identity string, count int)
}

// Options configures a Registry.
type Options struct {
	Shards         int
	OutboundBuffer int
	Clock          timeutil.Clock
}

type identityShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Conn // identity -> connection id -> conn
}

type idShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// Registry is the sharded map of live connections.
type Registry struct {
	byIdentity []*identityShard
	byID       []*idShard
	buffer     int
	clock      timeutil.Clock

	lmu      sync.RWMutex
	listener Listener
}

func NewRegistry(opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 128
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}
	r := &Registry{
		byIdentity: make([]*identityShard, opts.Shards),
		byID:       make([]*idShard, opts.Shards),
		buffer:     opts.OutboundBuffer,
		clock:      opts.Clock,
	}
	for i := range r.byIdentity {
		r.byIdentity[i] = &identityShard{conns: make(map[string]map[string]*Conn)}
		r.byID[i] = &idShard{conns: make(map[string]*Conn)}
	}
	return r
}

// SetListener installs the connection count listener.
func (r *Registry) SetListener(l Listener) {
	r.lmu.Lock()
	r.listener = l
	r.lmu.Unlock()
}

func (r *Registry) notify(identity string, count int) {
	r.lmu.RLock()
	l := r.listener
	r.lmu.RUnlock()
	if l != nil {
		l.ConnectionsChanged(identity, count)
	}
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) identityShard(identity string) *identityShard {
	return r.byIdentity[shardIndex(identity, len(r.byIdentity))]
}

func (r *Registry) idShard(id string) *idShard {
	return r.byID[shardIndex(id, len(r.byID))]
}

// Register creates the connection connectionID for identity.
func (r *Registry) Register(identity, connectionID, platform string) (*Conn, error) {
	const op = "session.register"
	if identity == "" {
		return nil, errs.Unauthorized(op, "missing identity")
	}
	if connectionID == "" {
		return nil, errs.Invalid(op, "missing connection id")
	}

	ids := r.idShard(connectionID)
	ids.mu.Lock()
	if _, ok := ids.conns[connectionID]; ok {
		ids.mu.Unlock()
		return nil, errs.Conflict(op, "connection id already registered")
	}
	c := newConn(connectionID, identity, platform, r.buffer, r.clock.Now())
	ids.conns[connectionID] = c
	ids.mu.Unlock()

	s := r.identityShard(identity)
	s.mu.Lock()
	m, ok := s.conns[identity]
	if !ok {
		m = make(map[string]*Conn)
		s.conns[identity] = m
	}
	m[connectionID] = c
	count := len(m)
	s.mu.Unlock()
	r.notify(identity, count)

	logger.Debug("connection_registered", "identity", identity, "conn", connectionID, "platform", platform, "count", count)
	return c, nil
}

// Unregister removes and closes the connection. Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) {
	ids := r.idShard(connectionID)
	ids.mu.Lock()
	c, ok := ids.conns[connectionID]
	if ok {
		delete(ids.conns, connectionID)
	}
	ids.mu.Unlock()
	if !ok {
		return
	}
	c.Close("unregistered")

	s := r.identityShard(c.Identity)
	s.mu.Lock()
	count := 0
	if m, ok := s.conns[c.Identity]; ok {
		delete(m, connectionID)
		count = len(m)
		if count == 0 {
			delete(s.conns, c.Identity)
		}
	}
	s.mu.Unlock()
	r.notify(c.Identity, count)

	logger.Debug("connection_unregistered", "identity", c.Identity, "conn", connectionID, "reason", c.CloseReason(), "count", count)
}

// Get returns the connection with the given id.
func (r *Registry) Get(connectionID string) (*Conn, bool) {
	ids := r.idShard(connectionID)
	ids.mu.RLock()
	defer ids.mu.RUnlock()
	c, ok := ids.conns[connectionID]
	return c, ok
}

// ConnectionsFor returns identity's live connections ordered by creation.
func (r *Registry) ConnectionsFor(identity string) []*Conn {
	s := r.identityShard(identity)
	s.mu.RLock()
	m := s.conns[identity]
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IsOnline reports whether identity holds at least one connection.
func (r *Registry) IsOnline(identity string) bool {
	s := r.identityShard(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[identity]) > 0
}

// Touch records a heartbeat on the connection.
func (r *Registry) Touch(connectionID string, now time.Time) bool {
	c, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	c.touch(now)
	return true
}

// Stale returns connections whose last heartbeat is at or before cutoff.
func (r *Registry) Stale(cutoff time.Time) []*Conn {
	var out []*Conn
	for _, s := range r.byID {
		s.mu.RLock()
		for _, c := range s.conns {
			if !c.LastSeen().After(cutoff) {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.byID {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Identities returns the number of identities with at least one connection.
func (r *Registry) Identities() int {
	n := 0
	for _, s := range r.byIdentity {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}
