// Package messaging is the single implementation behind the websocket and
// REST paths: it authorizes, persists, fans out and then updates read state
// and notifications, in that order.
package messaging

import (
	"context"
	"encoding/json"
	"regexp"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/models"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/presence"
	"pulsehub/pkg/readstate"
	"pulsehub/pkg/session"
	"pulsehub/pkg/telemetry"
	"pulsehub/pkg/threads"
	"pulsehub/pkg/timeutil"
)

const (
	DefaultHistoryLimit = 100
	previewLength       = 140
)

// Store is the message log.
type Store interface {
	AppendMessage(ctx context.Context, threadID, sender, body, ref string, ts int64) (models.Message, models.Thread, error)
	ListMessages(ctx context.Context, threadID string, afterSeq uint64, limit int) ([]models.Message, error)
}

// Deps are the components a Service drives.
type Deps struct {
	Store     Store
	Router    *threads.Router
	Engine    *fanout.Engine
	Reads     *readstate.Machine
	Notify    *notify.Dispatcher
	Presence  *presence.Tracker
	Sessions  *session.Registry
	Directory membership.Directory
	Clock     timeutil.Clock

	// HistoryLimit caps one History page.
	HistoryLimit int
}

// Service is the messaging service.
type Service struct {
	store    Store
	router   *threads.Router
	engine   *fanout.Engine
	reads    *readstate.Machine
	notify   *notify.Dispatcher
	presence *presence.Tracker
	sessions *session.Registry
	dir      membership.Directory
	clock    timeutil.Clock

	historyLimit int
}

// New builds a Service and installs it as the engine's offline fallback.
func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = timeutil.Real()
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = DefaultHistoryLimit
	}
	s := &Service{
		store:        d.Store,
		router:       d.Router,
		engine:       d.Engine,
		reads:        d.Reads,
		notify:       d.Notify,
		presence:     d.Presence,
		sessions:     d.Sessions,
		dir:          d.Directory,
		clock:        d.Clock,
		historyLimit: d.HistoryLimit,
	}
	d.Engine.SetFallback(s)
	return s
}

// Send persists body as the next message of threadID and delivers it. The
// message is pushed only after the write succeeded; an upstream failure
// aborts before any fan-out.
func (s *Service) Send(ctx context.Context, sender, threadID, body, ref string) (models.Message, error) {
	const op = "messaging.send"
	if sender == "" {
		return models.Message{}, errs.Unauthorized(op, "missing identity")
	}
	if err := events.ValidateBody(body); err != nil {
		return models.Message{}, err
	}
	if len(ref) > events.MaxRefLength {
		return models.Message{}, errs.Invalid(op, "ref too long")
	}

	tr := telemetry.Track(op)
	defer tr.Finish()

	thread, err := s.router.Thread(ctx, threadID)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.router.AuthorizeSend(ctx, sender, thread); err != nil {
		return models.Message{}, err
	}
	audience, err := s.router.ResolveAudience(ctx, thread)
	if err != nil {
		return models.Message{}, err
	}
	tr.Mark("authorize")

	release := s.engine.Ordered(threadID)
	msg, updated, err := s.store.AppendMessage(ctx, threadID, sender, body, ref, s.clock.Now().UnixNano())
	if err != nil {
		release()
		logger.Warn("message_append_failed", "thread", threadID, "sender", sender, "error", err)
		return models.Message{}, err
	}
	tr.Mark("append")

	rep, perr := s.engine.PublishAudience(ctx, updated, audience, events.MessageEvent(msg))
	if perr != nil {
		logger.Error("message_publish_failed", "thread", threadID, "seq", msg.Seq, "error", perr)
	}
	// read state is applied in seq order, so it stays inside the lane
	if err := s.reads.OnMessage(ctx, updated, msg, audience); err != nil {
		logger.Warn("message_readstate_partial", "thread", threadID, "seq", msg.Seq, "error", err)
	}
	release()
	tr.Mark("fanout")

	metrics.Messages.WithLabelValues(string(thread.Kind)).Inc()

	offline := make(map[string]struct{}, len(rep.Offline))
	for _, id := range rep.Offline {
		offline[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(audience))
	for _, id := range audience {
		if id == sender {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, off := offline[id]; off {
			continue
		}
		// live somewhere but possibly not viewing; the dispatcher drops joined recipients
		s.notifyMessage(ctx, updated, msg, id)
	}
	logger.Debug("message_sent", "thread", threadID, "seq", msg.Seq, "sender", sender, "accepted", rep.Accepted, "offline", len(rep.Offline))
	return msg, nil
}

// Offline receives message events for audience members without a live
// connection.
func (s *Service) Offline(ctx context.Context, thread models.Thread, identity string, ev events.Outbound) {
	msg, ok := ev.Data.(models.Message)
	if !ok {
		return
	}
	s.notifyMessage(ctx, thread, msg, identity)
}

func (s *Service) notifyMessage(ctx context.Context, thread models.Thread, msg models.Message, recipient string) {
	if s.notify == nil {
		return
	}
	typ := models.MessageNotificationType(thread.Kind)
	if thread.Kind == models.KindChannel && mentions(msg.Body, recipient) {
		typ = models.NotifyMention
	}
	payload, err := json.Marshal(messagePayload{
		Thread:  thread.ID,
		Scope:   thread.Scope,
		Seq:     msg.Seq,
		Sender:  msg.Sender,
		Preview: preview(msg.Body),
	})
	if err != nil {
		return
	}
	if _, err := s.notify.Dispatch(ctx, notify.Request{Recipient: recipient, Type: typ, ThreadID: thread.ID, Payload: payload}); err != nil {
		logger.Warn("message_notification_failed", "thread", thread.ID, "seq", msg.Seq, "recipient", recipient, "error", err)
	}
}

type messagePayload struct {
	Thread  string `json:"thread"`
	Scope   string `json:"scope"`
	Seq     uint64 `json:"seq"`
	Sender  string `json:"sender"`
	Preview string `json:"preview"`
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.\-]+)`)

// mentions reports whether body contains @identity.
func mentions(body, identity string) bool {
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		if m[1] == identity {
			return true
		}
	}
	return false
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLength {
		return body
	}
	return string(r[:previewLength]) + "…"
}

// History returns up to limit messages of threadID after afterSeq.
func (s *Service) History(ctx context.Context, identity, threadID string, afterSeq uint64, limit int) ([]models.Message, error) {
	const op = "messaging.history"
	thread, err := s.readable(ctx, op, identity, threadID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	out, err := s.store.ListMessages(ctx, thread.ID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

// Join makes c a viewer of threadID and marks the thread read for its
// identity. Existing notifications keep their read flag.
func (s *Service) Join(ctx context.Context, c *session.Conn, threadID string) (models.ReadState, error) {
	if _, err := s.router.JoinThread(ctx, c.Identity, c.ID, threadID); err != nil {
		return models.ReadState{}, err
	}
	return s.reads.MarkRead(ctx, c.Identity, threadID)
}

func (s *Service) Leave(ctx context.Context, c *session.Conn, threadID string) error {
	return s.router.LeaveThread(ctx, c.Identity, c.ID, threadID)
}

// MarkRead marks the whole thread read, or up to seq when given.
func (s *Service) MarkRead(ctx context.Context, identity, threadID string, seq *uint64) (models.ReadState, error) {
	if seq == nil {
		return s.reads.MarkRead(ctx, identity, threadID)
	}
	return s.reads.MarkReadUpTo(ctx, identity, threadID, *seq)
}

// Typing offers a typing indicator to the rest of the thread's audience.
func (s *Service) Typing(ctx context.Context, identity, threadID string) (int, error) {
	thread, err := s.readable(ctx, "messaging.typing", identity, threadID)
	if err != nil {
		return 0, err
	}
	return s.engine.PublishTyping(ctx, thread, identity)
}

// Heartbeat refreshes the connection and marks its identity live in scope.
func (s *Service) Heartbeat(ctx context.Context, c *session.Conn, scope string) error {
	const op = "messaging.heartbeat"
	if scope == "" {
		return errs.Invalid(op, "scope is required")
	}
	role, err := s.dir.Role(ctx, c.Identity, scope)
	if err != nil {
		return errs.Upstream(op, err)
	}
	if role == membership.RoleNone {
		return errs.Forbidden(op, "not a member of this community")
	}
	s.sessions.Touch(c.ID, s.clock.Now())
	return s.presence.Heartbeat(c.Identity, scope)
}

// Delivered relays a client's delivery confirmation of seq to the sender of
// that message.
func (s *Service) Delivered(ctx context.Context, identity, threadID string, seq uint64) error {
	const op = "messaging.delivered"
	thread, err := s.readable(ctx, op, identity, threadID)
	if err != nil {
		return err
	}
	if seq == 0 || seq > thread.LastSeq {
		return errs.NotFound(op, "message not found")
	}
	msgs, err := s.store.ListMessages(ctx, thread.ID, seq-1, 1)
	if err != nil {
		return err
	}
	if len(msgs) == 0 || msgs[0].Seq != seq {
		return errs.NotFound(op, "message not found")
	}
	if msgs[0].Sender == identity {
		return nil
	}
	_, err = s.engine.PublishTo(ctx, msgs[0].Sender, events.DeliveredEvent(thread.ID, seq, identity))
	return err
}

func (s *Service) NotificationDelivered(ctx context.Context, identity, notificationID string) error {
	return s.notify.MarkDelivered(ctx, identity, notificationID)
}

// Disconnect drops every join of c and removes it from the registry.
func (s *Service) Disconnect(c *session.Conn, reason string) {
	s.router.LeaveAll(c)
	s.sessions.Unregister(c.ID)
	metrics.Disconnects.WithLabelValues(reason).Inc()
	logger.Debug("connection_closed", "identity", c.Identity, "conn", c.ID, "reason", reason)
}

func (s *Service) readable(ctx context.Context, op, identity, threadID string) (models.Thread, error) {
	if identity == "" {
		return models.Thread{}, errs.Unauthorized(op, "missing identity")
	}
	thread, err := s.router.Thread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	ok, err := s.router.InAudience(ctx, identity, thread)
	if err != nil {
		return models.Thread{}, err
	}
	if !ok {
		return models.Thread{}, errs.Forbidden(op, "not in the audience of this thread")
	}
	return thread, nil
}
