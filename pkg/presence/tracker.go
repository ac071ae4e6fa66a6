// Package presence tracks which identities are live inside which community
// scope, driven by client heartbeats.
package presence

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/session"
	"pulsehub/pkg/timeutil"
)

// Status of an identity inside one scope.
type Status string

const (
	StatusLive    Status = "live"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Change is a status transition of one (identity, scope) pair.
type Change struct {
	Identity string `json:"identity"`
	Scope    string `json:"scope"`
	Status   Status `json:"status"`
}

// Sessions is the slice of the session registry presence needs.
type Sessions interface {
	IsOnline(identity string) bool
	Stale(cutoff time.Time) []*session.Conn
}

// Options configures a Tracker.
type Options struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	Shards            int
	Clock             timeutil.Clock
	Sessions          Sessions
	OnChange          func(Change)
}

type scopeShard struct {
	mu     sync.RWMutex
	scopes map[string]map[string]int64 // scope -> identity -> last heartbeat ns
}

type identityShard struct {
	mu     sync.Mutex
	scopes map[string]map[string]struct{} // identity -> scopes
}

// Tracker keeps the last heartbeat per (identity, scope).
type Tracker struct {
	interval time.Duration
	sweep    time.Duration
	clock    timeutil.Clock
	sessions Sessions
	onChange func(Change)

	scopes     []*scopeShard
	identities []*identityShard

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Tracker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.HeartbeatInterval
	}
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}
	t := &Tracker{
		interval:   opts.HeartbeatInterval,
		sweep:      opts.SweepInterval,
		clock:      opts.Clock,
		sessions:   opts.Sessions,
		onChange:   opts.OnChange,
		scopes:     make([]*scopeShard, opts.Shards),
		identities: make([]*identityShard, opts.Shards),
		stop:       make(chan struct{}),
	}
	for i := range t.scopes {
		t.scopes[i] = &scopeShard{scopes: make(map[string]map[string]int64)}
		t.identities[i] = &identityShard{scopes: make(map[string]map[string]struct{})}
	}
	return t
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (t *Tracker) scopeShard(scope string) *scopeShard {
	return t.scopes[shardIndex(scope, len(t.scopes))]
}

func (t *Tracker) identityShard(identity string) *identityShard {
	return t.identities[shardIndex(identity, len(t.identities))]
}

// Window is the liveness window, twice the heartbeat interval.
func (t *Tracker) Window() time.Duration { return 2 * t.interval }

func (t *Tracker) live(last, now int64) bool {
	return now-last < int64(t.Window())
}

// Heartbeat marks identity live in scope and resets its timer.
func (t *Tracker) Heartbeat(identity, scope string) error {
	const op = "presence.heartbeat"
	if identity == "" {
		return errs.Unauthorized(op, "missing identity")
	}
	if scope == "" {
		return errs.Invalid(op, "missing scope")
	}
	now := t.clock.Now().UnixNano()

	ss := t.scopeShard(scope)
	ss.mu.Lock()
	members, ok := ss.scopes[scope]
	if !ok {
		members = make(map[string]int64)
		ss.scopes[scope] = members
	}
	last, had := members[identity]
	members[identity] = now
	ss.mu.Unlock()

	is := t.identityShard(identity)
	is.mu.Lock()
	set, ok := is.scopes[identity]
	if !ok {
		set = make(map[string]struct{})
		is.scopes[identity] = set
	}
	set[scope] = struct{}{}
	is.mu.Unlock()

	if !had || !t.live(last, now) {
		t.emit(Change{Identity: identity, Scope: scope, Status: StatusLive})
	}
	return nil
}

// IsLive reports whether identity heartbeated in scope within the window.
func (t *Tracker) IsLive(identity, scope string) bool {
	ss := t.scopeShard(scope)
	ss.mu.RLock()
	last, ok := ss.scopes[scope][identity]
	ss.mu.RUnlock()
	return ok && t.live(last, t.clock.Now().UnixNano())
}

// LiveMembers returns the identities live in scope, sorted.
func (t *Tracker) LiveMembers(scope string) []string {
	now := t.clock.Now().UnixNano()
	ss := t.scopeShard(scope)
	ss.mu.RLock()
	out := make([]string, 0, len(ss.scopes[scope]))
	for id, last := range ss.scopes[scope] {
		if t.live(last, now) {
			out = append(out, id)
		}
	}
	ss.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Status returns live, away (connected but not live in scope) or offline.
func (t *Tracker) Status(identity, scope string) Status {
	if t.IsLive(identity, scope) {
		return StatusLive
	}
	if t.sessions != nil && t.sessions.IsOnline(identity) {
		return StatusAway
	}
	return StatusOffline
}

// ConnectionsChanged drops every scope of identity once its last connection
// is gone. Reports are delivered outside registry locks and may arrive late,
// so a zero count is checked against the registry before dropping.
func (t *Tracker) ConnectionsChanged(identity string, count int) {
	if count != 0 {
		return
	}
	if t.sessions != nil && t.sessions.IsOnline(identity) {
		logger.Debug("presence_drop_skipped", "identity", identity, "reason", "reconnected")
		return
	}
	t.DropIdentity(identity)
}

// DropIdentity forgets identity in every scope at once.
func (t *Tracker) DropIdentity(identity string) {
	is := t.identityShard(identity)
	is.mu.Lock()
	set := is.scopes[identity]
	delete(is.scopes, identity)
	is.mu.Unlock()

	now := t.clock.Now().UnixNano()
	var changes []Change
	for scope := range set {
		ss := t.scopeShard(scope)
		ss.mu.Lock()
		if last, ok := ss.scopes[scope][identity]; ok {
			delete(ss.scopes[scope], identity)
			if len(ss.scopes[scope]) == 0 {
				delete(ss.scopes, scope)
			}
			if t.live(last, now) {
				changes = append(changes, Change{Identity: identity, Scope: scope, Status: StatusOffline})
			}
		}
		ss.mu.Unlock()
	}
	for _, c := range changes {
		t.emit(c)
	}
}

// Sweep removes expired pairs and closes connections whose heartbeats
// stopped. It returns the number of pairs and connections evicted.
func (t *Tracker) Sweep() (int, int) {
	now := t.clock.Now()
	nowNs := now.UnixNano()

	type pair struct{ identity, scope string }
	var expired []pair
	for _, ss := range t.scopes {
		ss.mu.Lock()
		for scope, members := range ss.scopes {
			for id, last := range members {
				if !t.live(last, nowNs) {
					delete(members, id)
					expired = append(expired, pair{id, scope})
				}
			}
			if len(members) == 0 {
				delete(ss.scopes, scope)
			}
		}
		ss.mu.Unlock()
	}
	for _, p := range expired {
		is := t.identityShard(p.identity)
		is.mu.Lock()
		if set, ok := is.scopes[p.identity]; ok {
			delete(set, p.scope)
			if len(set) == 0 {
				delete(is.scopes, p.identity)
			}
		}
		is.mu.Unlock()
	}

	evicted := 0
	if t.sessions != nil {
		for _, c := range t.sessions.Stale(now.Add(-t.Window())) {
			c.Close("heartbeat_timeout")
			evicted++
		}
	}

	for _, p := range expired {
		t.emit(Change{Identity: p.identity, Scope: p.scope, Status: t.Status(p.identity, p.scope)})
	}
	if len(expired) > 0 || evicted > 0 {
		logger.Debug("presence_sweep", "expired", len(expired), "evicted", evicted)
	}
	return len(expired), evicted
}

// LiveCount returns the number of live (identity, scope) pairs.
func (t *Tracker) LiveCount() int {
	now := t.clock.Now().UnixNano()
	n := 0
	for _, ss := range t.scopes {
		ss.mu.RLock()
		for _, members := range ss.scopes {
			for _, last := range members {
				if t.live(last, now) {
					n++
				}
			}
		}
		ss.mu.RUnlock()
	}
	return n
}

func (t *Tracker) emit(c Change) {
	if t.onChange == nil {
		return
	}
	t.onChange(c)
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.sweep)
		defer ticker.Stop()
		logger.Info("presence_sweeper_started", "interval", t.sweep.String(), "window", t.Window().String())
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}
