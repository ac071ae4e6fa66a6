// Package notify persists notification records, pushes them to live
// recipients and mirrors selected types to SMS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/models"
	"pulsehub/pkg/timeutil"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	MaxAnnouncement  = 1024
)

// Repository is the notification record store.
type Repository interface {
	Insert(ctx context.Context, n models.Notification) error
	Get(ctx context.Context, recipient, id string) (models.Notification, error)
	List(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, recipient, id string) error
	MarkAllRead(ctx context.Context, recipient string) (int64, error)
	MarkDelivered(ctx context.Context, recipient, id string, ts int64) error
	UnreadCount(ctx context.Context, recipient string) (int, error)
}

// Joins answers whether an identity is currently viewing a thread.
type Joins interface {
	IsJoined(identity, threadID string) bool
}

// Pusher delivers an event to one identity's live connections.
type Pusher interface {
	PublishTo(ctx context.Context, identity string, ev events.Outbound) (fanout.Report, error)
}

// SMSEnqueuer accepts SMS jobs without blocking.
type SMSEnqueuer interface {
	Enqueue(j Job) bool
}

// Request asks for one notification.
type Request struct {
	Recipient string                  `json:"recipient"`
	Type      models.NotificationType `json:"type"`
	ThreadID  string                  `json:"thread_id,omitempty"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
}

// Options configures a Dispatcher.
type Options struct {
	SMS      SMSEnqueuer
	SMSTypes []string
	Clock    timeutil.Clock
}

// Dispatcher is the notification dispatcher.
type Dispatcher struct {
	repo     Repository
	joins    Joins
	push     Pusher
	dir      membership.Directory
	sms      SMSEnqueuer
	smsTypes map[models.NotificationType]struct{}
	clock    timeutil.Clock
}

func NewDispatcher(repo Repository, joins Joins, push Pusher, dir membership.Directory, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = timeutil.Real()
	}
	d := &Dispatcher{
		repo:     repo,
		joins:    joins,
		push:     push,
		dir:      dir,
		sms:      opts.SMS,
		smsTypes: make(map[models.NotificationType]struct{}),
		clock:    opts.Clock,
	}
	for _, t := range opts.SMSTypes {
		d.smsTypes[models.NotificationType(t)] = struct{}{}
	}
	return d
}

// Dispatch records and pushes one notification. When the recipient is
// viewing req.ThreadID nothing happens and the returned id is empty.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	const op = "notify.dispatch"
	if req.Recipient == "" {
		return "", errs.Invalid(op, "recipient is required")
	}
	if !req.Type.Valid() {
		return "", errs.Invalid(op, fmt.Sprintf("unknown notification type %q", req.Type))
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", errs.Invalid(op, "payload is not valid JSON")
	}
	if req.ThreadID != "" && d.joins != nil && d.joins.IsJoined(req.Recipient, req.ThreadID) {
		metrics.Notifications.WithLabelValues(string(req.Type), "suppressed").Inc()
		return "", nil
	}

	n := models.Notification{
		ID:        uuid.NewString(),
		Recipient: req.Recipient,
		Type:      req.Type,
		Thread:    req.ThreadID,
		Payload:   req.Payload,
		CreatedTS: d.clock.Now().UnixNano(),
	}
	if err := d.repo.Insert(ctx, n); err != nil {
		metrics.Notifications.WithLabelValues(string(req.Type), "failed").Inc()
		return "", err
	}
	metrics.Notifications.WithLabelValues(string(req.Type), "stored").Inc()

	if d.push != nil {
		if _, err := d.push.PublishTo(ctx, n.Recipient, events.NotificationEvent(n)); err != nil {
			logger.Warn("notification_push_failed", "id", n.ID, "recipient", n.Recipient, "error", err)
		}
	}
	if _, ok := d.smsTypes[n.Type]; ok && d.sms != nil {
		d.sms.Enqueue(Job{ID: n.ID, Recipient: n.Recipient, Type: n.Type, Text: smsText(n)})
	}
	logger.Debug("notification_dispatched", "id", n.ID, "recipient", n.Recipient, "type", n.Type)
	return n.ID, nil
}

// Announce sends an announcement notification from the founder of scope to
// every approved member. It returns how many notifications were stored.
func (d *Dispatcher) Announce(ctx context.Context, scope, from, text string) (int, error) {
	const op = "notify.announce"
	if from == "" {
		return 0, errs.Unauthorized(op, "missing identity")
	}
	text = strings.TrimSpace(text)
	if text == "" || len(text) > MaxAnnouncement {
		return 0, errs.Invalid(op, "announcement text must be 1-1024 bytes")
	}
	role, err := d.dir.Role(ctx, from, scope)
	if err != nil {
		return 0, errs.Upstream(op, err)
	}
	if role != membership.RoleFounder {
		return 0, errs.Forbidden(op, "only the founder can announce")
	}
	members, err := d.dir.Members(ctx, scope)
	if err != nil {
		return 0, errs.Upstream(op, err)
	}
	payload, err := json.Marshal(map[string]string{"scope": scope, "from": from, "text": text})
	if err != nil {
		return 0, err
	}

	sent := 0
	var errList []error
	for _, m := range members {
		if m.Role != membership.RoleApproved || m.Identity == from {
			continue
		}
		if _, err := d.Dispatch(ctx, Request{Recipient: m.Identity, Type: models.NotifyAnnouncement, Payload: payload}); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", m.Identity, err))
			continue
		}
		sent++
	}
	logger.Info("announcement_sent", "scope", scope, "from", from, "recipients", sent, "failed", len(errList))
	return sent, errors.Join(errList...)
}

// List returns recipient's notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if recipient == "" {
		return nil, errs.Unauthorized("notify.list", "missing identity")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	out, err := d.repo.List(ctx, recipient, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Notification{}
	}
	return out, nil
}

func (d *Dispatcher) MarkAsRead(ctx context.Context, recipient, id string) error {
	if recipient == "" {
		return errs.Unauthorized("notify.mark_read", "missing identity")
	}
	return d.repo.MarkRead(ctx, recipient, id)
}

func (d *Dispatcher) MarkAllAsRead(ctx context.Context, recipient string) (int64, error) {
	if recipient == "" {
		return 0, errs.Unauthorized("notify.mark_all_read", "missing identity")
	}
	return d.repo.MarkAllRead(ctx, recipient)
}

// MarkDelivered records a client delivery confirmation.
func (d *Dispatcher) MarkDelivered(ctx context.Context, recipient, id string) error {
	if recipient == "" {
		return errs.Unauthorized("notify.mark_delivered", "missing identity")
	}
	return d.repo.MarkDelivered(ctx, recipient, id, d.clock.Now().UnixNano())
}

func (d *Dispatcher) UnreadCount(ctx context.Context, recipient string) (int, error) {
	if recipient == "" {
		return 0, errs.Unauthorized("notify.unread_count", "missing identity")
	}
	return d.repo.UnreadCount(ctx, recipient)
}

// smsText picks the payload's "text" field or a generic line.
func smsText(n models.Notification) string {
	var body struct {
		Text string `json:"text"`
	}
	if len(n.Payload) > 0 && json.Unmarshal(n.Payload, &body) == nil && body.Text != "" {
		return body.Text
	}
	switch n.Type {
	case models.NotifyWaitlistApproved:
		return "You're in! Your waitlist request was approved."
	case models.NotifyWaitlistRejected:
		return "Your waitlist request was not approved."
	case models.NotifyAnnouncement:
		return "There is a new announcement in your community."
	default:
		return fmt.Sprintf("You have a new %s notification.", strings.ReplaceAll(string(n.Type), "_", " "))
	}
}
