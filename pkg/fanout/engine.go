// Package fanout pushes events to every live connection of a thread's
// audience and hands offline identities to a fallback.
package fanout

import (
	"context"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/models"
	"pulsehub/pkg/session"
	"pulsehub/pkg/store/locks"
)

// Audience resolves who receives a thread's events.
type Audience interface {
	ResolveAudience(ctx context.Context, thread models.Thread) ([]string, error)
}

// Sessions returns live connections.
type Sessions interface {
	ConnectionsFor(identity string) []*session.Conn
}

// Fallback receives identities of a message audience that have no live
// connection.
type Fallback interface {
	Offline(ctx context.Context, thread models.Thread, identity string, ev events.Outbound)
}

// Ack is the write outcome of one accepted push.
type Ack struct {
	ConnectionID string
	Identity     string
	Err          error
}

// Report describes one publish. Accepted counts pushes accepted for
// delivery; Acks receives exactly one Ack per accepted push once the
// transport wrote (or failed to write) it.
type Report struct {
	Accepted int
	Failed   int
	Offline  []string
	Acks     <-chan Ack
}

// Wait collects write confirmations until all accepted pushes are acked or
// ctx ends. It returns the number of successful writes.
func (r Report) Wait(ctx context.Context) (int, error) {
	ok := 0
	for i := 0; i < r.Accepted; i++ {
		select {
		case a := <-r.Acks:
			if a.Err == nil {
				ok++
			}
		case <-ctx.Done():
			return ok, ctx.Err()
		}
	}
	return ok, nil
}

// Engine is the delivery fan-out engine.
type Engine struct {
	sessions Sessions
	audience Audience
	fallback Fallback
	lanes    *locks.Keyed
}

func New(sessions Sessions, audience Audience) *Engine {
	return &Engine{sessions: sessions, audience: audience, lanes: locks.NewKeyed()}
}

// SetFallback installs the offline handler.
func (e *Engine) SetFallback(f Fallback) { e.fallback = f }

// Ordered enters the per-thread lane and returns its release func. Callers
// hold the lane across the authoritative write and the publish so every
// connection sees a thread's events in persistence order.
func (e *Engine) Ordered(threadID string) func() {
	return e.lanes.Lock("lane:" + threadID)
}

// Publish resolves the audience of thread and pushes ev to it.
func (e *Engine) Publish(ctx context.Context, thread models.Thread, ev events.Outbound) (Report, error) {
	audience, err := e.audience.ResolveAudience(ctx, thread)
	if err != nil {
		return Report{Acks: closedAcks()}, err
	}
	return e.PublishAudience(ctx, thread, audience, ev)
}

// PublishAudience pushes ev to every live connection of audience. Message
// events for identities without connections go to the fallback, except for
// the identity that caused the event.
func (e *Engine) PublishAudience(ctx context.Context, thread models.Thread, audience []string, ev events.Outbound) (Report, error) {
	payload, err := events.Encode(ev)
	if err != nil {
		return Report{Acks: closedAcks()}, err
	}

	seen := make(map[string]struct{}, len(audience))
	type target struct {
		identity string
		conns    []*session.Conn
	}
	targets := make([]target, 0, len(audience))
	total := 0
	var offline []string
	for _, id := range audience {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		conns := e.sessions.ConnectionsFor(id)
		if len(conns) == 0 {
			if id != ev.Origin {
				offline = append(offline, id)
			}
			continue
		}
		targets = append(targets, target{id, conns})
		total += len(conns)
	}

	acks := make(chan Ack, total)
	rep := Report{Offline: offline, Acks: acks}
	for _, t := range targets {
		for _, c := range t.conns {
			if e.push(c, thread.ID, ev.Type, payload, acks) {
				rep.Accepted++
			} else {
				rep.Failed++
			}
		}
	}

	if ev.Type == events.OutMessage && e.fallback != nil {
		for _, id := range offline {
			e.fallback.Offline(ctx, thread, id, ev)
		}
	}
	return rep, nil
}

// PublishTo pushes ev to every connection of one identity. No fallback.
func (e *Engine) PublishTo(ctx context.Context, identity string, ev events.Outbound) (Report, error) {
	payload, err := events.Encode(ev)
	if err != nil {
		return Report{Acks: closedAcks()}, err
	}
	conns := e.sessions.ConnectionsFor(identity)
	acks := make(chan Ack, len(conns))
	rep := Report{Acks: acks}
	if len(conns) == 0 {
		rep.Offline = []string{identity}
		return rep, nil
	}
	for _, c := range conns {
		if e.push(c, "", ev.Type, payload, acks) {
			rep.Accepted++
		} else {
			rep.Failed++
		}
	}
	return rep, nil
}

// PublishEphemeral offers ev to audience without ordering, acks or retry.
// Full queues drop the event and the origin's own connections are skipped.
func (e *Engine) PublishEphemeral(ctx context.Context, threadID string, audience []string, ev events.Outbound) int {
	payload, err := events.Encode(ev)
	if err != nil {
		logger.Warn("ephemeral_encode_failed", "type", ev.Type, "error", err)
		return 0
	}
	sent := 0
	for _, id := range audience {
		if id == ev.Origin {
			continue
		}
		for _, c := range e.sessions.ConnectionsFor(id) {
			if c.Offer(session.NewEnvelope(threadID, string(ev.Type), payload, nil)) {
				sent++
				metrics.Pushes.WithLabelValues(string(ev.Type), "accepted").Inc()
			} else {
				metrics.Pushes.WithLabelValues(string(ev.Type), "dropped").Inc()
			}
		}
	}
	return sent
}

// PublishTyping resolves thread's audience and offers a typing event.
func (e *Engine) PublishTyping(ctx context.Context, thread models.Thread, identity string) (int, error) {
	audience, err := e.audience.ResolveAudience(ctx, thread)
	if err != nil {
		return 0, err
	}
	return e.PublishEphemeral(ctx, thread.ID, audience, events.TypingEvent(thread.ID, identity)), nil
}

func (e *Engine) push(c *session.Conn, threadID string, kind events.OutboundType, payload []byte, acks chan<- Ack) bool {
	identity, connID := c.Identity, c.ID
	env := session.NewEnvelope(threadID, string(kind), payload, func(err error) {
		acks <- Ack{ConnectionID: connID, Identity: identity, Err: err}
	})
	if err := c.Push(env); err != nil {
		terr := errs.Transient("fanout.push", err)
		logger.Warn("push_failed", "identity", identity, "conn", connID, "thread", threadID, "type", kind, "error", terr)
		metrics.Pushes.WithLabelValues(string(kind), "failed").Inc()
		return false
	}
	metrics.Pushes.WithLabelValues(string(kind), "accepted").Inc()
	return true
}

func closedAcks() <-chan Ack {
	ch := make(chan Ack)
	close(ch)
	return ch
}
