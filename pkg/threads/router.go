// Package threads authorizes senders, resolves thread audiences and keeps
// track of which connections are viewing which thread.
package threads

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/models"
	"pulsehub/pkg/session"
	"pulsehub/pkg/timeutil"
)

// Store is the persistence the router delegates thread records to.
type Store interface {
	CreateThread(ctx context.Context, t models.Thread) (models.Thread, error)
	GetThread(ctx context.Context, threadID string) (models.Thread, error)
	ThreadsFor(ctx context.Context, identity string) ([]models.Thread, error)
}

// Sessions is the slice of the session registry the router needs.
type Sessions interface {
	Get(connectionID string) (*session.Conn, bool)
	ConnectionsFor(identity string) []*session.Conn
}

type joinShard struct {
	mu      sync.RWMutex
	threads map[string]map[string]*session.Conn // thread -> connection id -> conn
}

// Router owns thread authorization and the joined-connection index.
type Router struct {
	store    Store
	dir      membership.Directory
	sessions Sessions
	clock    timeutil.Clock

	joins []*joinShard
}

func NewRouter(store Store, dir membership.Directory, sessions Sessions, shards int) *Router {
	if shards <= 0 {
		shards = 32
	}
	r := &Router{
		store:    store,
		dir:      dir,
		sessions: sessions,
		clock:    timeutil.Real(),
		joins:    make([]*joinShard, shards),
	}
	for i := range r.joins {
		r.joins[i] = &joinShard{threads: make(map[string]map[string]*session.Conn)}
	}
	return r
}

func (r *Router) shard(threadID string) *joinShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	return r.joins[h.Sum32()%uint32(len(r.joins))]
}

// Thread loads a thread record.
func (r *Router) Thread(ctx context.Context, threadID string) (models.Thread, error) {
	return r.store.GetThread(ctx, threadID)
}

// ThreadsFor lists the threads identity takes part in.
func (r *Router) ThreadsFor(ctx context.Context, identity string) ([]models.Thread, error) {
	return r.store.ThreadsFor(ctx, identity)
}

// CreateRequest describes a new thread. Pair threads ignore ID and derive
// it from the participants.
type CreateRequest struct {
	ID           string               `json:"id"`
	Kind         models.ThreadKind    `json:"kind"`
	Scope        string               `json:"scope"`
	Title        string               `json:"title"`
	Participants []string             `json:"participants"`
	Policy       models.ChannelPolicy `json:"policy"`
}

// CreateThread validates and persists a thread. Creating an existing pair
// thread returns the stored one without error.
func (r *Router) CreateThread(ctx context.Context, req CreateRequest) (models.Thread, error) {
	const op = "threads.create"
	if !req.Kind.Valid() {
		return models.Thread{}, errs.Invalid(op, fmt.Sprintf("unknown thread kind %q", req.Kind))
	}
	if req.Scope == "" {
		return models.Thread{}, errs.Invalid(op, "scope is required")
	}
	t := models.Thread{
		ID:        req.ID,
		Kind:      req.Kind,
		Scope:     req.Scope,
		Title:     req.Title,
		CreatedTS: r.clock.Now().UnixNano(),
	}
	switch req.Kind {
	case models.KindDM, models.KindLiveChat:
		if len(req.Participants) != 2 || req.Participants[0] == "" || req.Participants[1] == "" || req.Participants[0] == req.Participants[1] {
			return models.Thread{}, errs.Invalid(op, "pair threads need two distinct participants")
		}
		pair := append([]string(nil), req.Participants...)
		sort.Strings(pair)
		t.Participants = pair
		t.ID = models.PairThreadID(req.Kind, req.Scope, pair[0], pair[1])
	case models.KindChannel:
		if req.ID == "" {
			return models.Thread{}, errs.Invalid(op, "channel id is required")
		}
		if len(req.Participants) > 0 {
			return models.Thread{}, errs.Invalid(op, "channels have no stored participants")
		}
		switch req.Policy {
		case "":
			t.Policy = models.PolicyOpen
		case models.PolicyOpen, models.PolicyWaitlistOnly, models.PolicyLocked:
			t.Policy = req.Policy
		default:
			return models.Thread{}, errs.Invalid(op, fmt.Sprintf("unknown channel policy %q", req.Policy))
		}
	}

	created, err := r.store.CreateThread(ctx, t)
	if errs.Is(err, errs.KindConflict) && t.Kind != models.KindChannel {
		return created, nil
	}
	return created, err
}

// ResolveAudience returns every identity that receives events of thread.
// Channel audiences are read from membership on every call.
func (r *Router) ResolveAudience(ctx context.Context, thread models.Thread) ([]string, error) {
	if thread.Kind != models.KindChannel {
		return append([]string(nil), thread.Participants...), nil
	}
	members, err := r.dir.Members(ctx, thread.Scope)
	if err != nil {
		return nil, upstream("threads.resolve_audience", err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		switch m.Role {
		case membership.RoleApproved, membership.RoleFounder:
			out = append(out, m.Identity)
		case membership.RolePending:
			if thread.Policy == models.PolicyWaitlistOnly {
				out = append(out, m.Identity)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// InAudience reports whether identity may read thread.
func (r *Router) InAudience(ctx context.Context, identity string, thread models.Thread) (bool, error) {
	if thread.Kind != models.KindChannel {
		return thread.HasParticipant(identity), nil
	}
	role, err := r.dir.Role(ctx, identity, thread.Scope)
	if err != nil {
		return false, upstream("threads.in_audience", err)
	}
	switch role {
	case membership.RoleApproved, membership.RoleFounder:
		return true, nil
	case membership.RolePending:
		return thread.Policy == models.PolicyWaitlistOnly, nil
	}
	return false, nil
}

// AuthorizeSend decides whether identity may post into thread.
func (r *Router) AuthorizeSend(ctx context.Context, identity string, thread models.Thread) error {
	const op = "threads.authorize_send"
	if identity == "" {
		return errs.Unauthorized(op, "missing identity")
	}
	role, err := r.dir.Role(ctx, identity, thread.Scope)
	if err != nil {
		return upstream(op, err)
	}

	switch thread.Kind {
	case models.KindDM, models.KindLiveChat:
		if !thread.HasParticipant(identity) {
			return errs.Forbidden(op, "not a participant of this thread")
		}
		switch role {
		case membership.RoleFounder, membership.RoleApproved:
		case membership.RolePending:
			if thread.Kind == models.KindDM {
				return errs.Forbidden(op, "pending members cannot send direct messages")
			}
		default:
			return errs.Forbidden(op, "not a member of this community")
		}
		if thread.Kind == models.KindDM {
			blocked, err := r.dir.Blocks(ctx, thread.Counterpart(identity), identity)
			if err != nil {
				return upstream(op, err)
			}
			if blocked {
				return errs.Forbidden(op, "recipient does not accept messages from sender")
			}
		}
		return nil

	case models.KindChannel:
		switch role {
		case membership.RoleFounder:
			return nil
		case membership.RoleApproved:
			if thread.Policy == models.PolicyLocked {
				return errs.Forbidden(op, "channel is locked")
			}
			return nil
		case membership.RolePending:
			if thread.Policy == models.PolicyWaitlistOnly {
				return nil
			}
			return errs.Forbidden(op, "pending members cannot post in this channel")
		default:
			return errs.Forbidden(op, "not a member of this community")
		}
	}
	return errs.Invalid(op, "unknown thread kind")
}

// JoinThread registers connectionID of identity as viewing threadID.
func (r *Router) JoinThread(ctx context.Context, identity, connectionID, threadID string) (models.Thread, error) {
	const op = "threads.join"
	c, err := r.ownedConn(op, identity, connectionID)
	if err != nil {
		return models.Thread{}, err
	}
	t, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	ok, err := r.InAudience(ctx, identity, t)
	if err != nil {
		return models.Thread{}, err
	}
	if !ok {
		return models.Thread{}, errs.Forbidden(op, "not in the audience of this thread")
	}

	s := r.shard(threadID)
	s.mu.Lock()
	m, found := s.threads[threadID]
	if !found {
		m = make(map[string]*session.Conn)
		s.threads[threadID] = m
	}
	m[connectionID] = c
	s.mu.Unlock()
	c.Join(threadID)

	logger.Debug("thread_joined", "identity", identity, "conn", connectionID, "thread", threadID)
	return t, nil
}

// LeaveThread stops connectionID from viewing threadID. Leaving a thread that
// was never joined is a no-op.
func (r *Router) LeaveThread(ctx context.Context, identity, connectionID, threadID string) error {
	const op = "threads.leave"
	c, err := r.ownedConn(op, identity, connectionID)
	if err != nil {
		return err
	}
	if _, err := r.store.GetThread(ctx, threadID); err != nil {
		return err
	}
	r.unjoin(c, threadID)
	return nil
}

// LeaveAll drops every join of a connection, used on disconnect.
func (r *Router) LeaveAll(c *session.Conn) {
	for _, t := range c.JoinedThreads() {
		r.unjoin(c, t)
	}
}

func (r *Router) unjoin(c *session.Conn, threadID string) {
	s := r.shard(threadID)
	s.mu.Lock()
	if m, ok := s.threads[threadID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(s.threads, threadID)
		}
	}
	s.mu.Unlock()
	c.Leave(threadID)
}

func (r *Router) ownedConn(op, identity, connectionID string) (*session.Conn, error) {
	if identity == "" {
		return nil, errs.Unauthorized(op, "missing identity")
	}
	c, ok := r.sessions.Get(connectionID)
	if !ok || c.Identity != identity {
		return nil, errs.Unauthorized(op, "connection does not belong to identity")
	}
	return c, nil
}

// IsJoined reports whether any connection of identity views threadID.
func (r *Router) IsJoined(identity, threadID string) bool {
	for _, c := range r.sessions.ConnectionsFor(identity) {
		if c.HasJoined(threadID) {
			return true
		}
	}
	return false
}

// JoinedConnections returns the connections viewing threadID.
func (r *Router) JoinedConnections(threadID string) []*session.Conn {
	s := r.shard(threadID)
	s.mu.RLock()
	out := make([]*session.Conn, 0, len(s.threads[threadID]))
	for _, c := range s.threads[threadID] {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func upstream(op string, err error) error {
	if errs.KindOf(err) == errs.KindUnknown {
		return errs.Upstream(op, err)
	}
	return err
}
