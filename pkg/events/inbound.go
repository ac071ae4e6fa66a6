// Package events is the client protocol: a closed set of inbound events
// decoded from flat JSON frames and the tagged outbound events pushed back.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"pulsehub/pkg/errs"
)

// InboundType discriminates inbound frames.
type InboundType string

const (
	InHeartbeat             InboundType = "heartbeat"
	InJoinThread            InboundType = "join-thread"
	InLeaveThread           InboundType = "leave-thread"
	InSendMessage           InboundType = "send-message"
	InTyping                InboundType = "typing"
	InMarkRead              InboundType = "mark-read"
	InMessageDelivered      InboundType = "message-delivered"
	InNotificationDelivered InboundType = "notification-delivered"
)

const (
	MaxBodyLength = 8 * 1024
	MaxRefLength  = 128
)

// Inbound is implemented only by the event types of this package.
type Inbound interface {
	Type() InboundType
	isInbound()
}

type Heartbeat struct{ Scope string }
type JoinThread struct{ Thread string }
type LeaveThread struct{ Thread string }
type SendMessage struct {
	Thread string
	Body   string
	Ref    string
}
type Typing struct{ Thread string }

// MarkRead without Seq marks the whole thread read.
type MarkRead struct {
	Thread string
	Seq    *uint64
}
type MessageDelivered struct {
	Thread string
	Seq    uint64
}
type NotificationDelivered struct{ NotificationID string }

func (Heartbeat) Type() InboundType             { return InHeartbeat }
func (JoinThread) Type() InboundType            { return InJoinThread }
func (LeaveThread) Type() InboundType           { return InLeaveThread }
func (SendMessage) Type() InboundType           { return InSendMessage }
func (Typing) Type() InboundType                { return InTyping }
func (MarkRead) Type() InboundType              { return InMarkRead }
func (MessageDelivered) Type() InboundType      { return InMessageDelivered }
func (NotificationDelivered) Type() InboundType { return InNotificationDelivered }

func (Heartbeat) isInbound()             {}
func (JoinThread) isInbound()            {}
func (LeaveThread) isInbound()           {}
func (SendMessage) isInbound()           {}
func (Typing) isInbound()                {}
func (MarkRead) isInbound()              {}
func (MessageDelivered) isInbound()      {}
func (NotificationDelivered) isInbound() {}

// Request is a decoded frame: the optional client correlation id echoed in
// acks and errors, plus the event.
type Request struct {
	ID    string
	Event Inbound
}

type wireInbound struct {
	Type           InboundType `json:"type"`
	ID             string      `json:"id"`
	Scope          string      `json:"scope"`
	Thread         string      `json:"thread"`
	Body           string      `json:"body"`
	Ref            string      `json:"ref"`
	Seq            *uint64     `json:"seq"`
	NotificationID string      `json:"notification_id"`
}

// DecodeInbound parses and validates one client frame. The correlation id is
// returned even when validation fails so the error can be addressed.
func DecodeInbound(data []byte) (Request, error) {
	const op = "events.decode"
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return Request{}, errs.Invalid(op, "malformed frame")
	}
	req := Request{ID: w.ID}
	need := func(field, v string) error {
		if strings.TrimSpace(v) == "" {
			return errs.Invalid(op, fmt.Sprintf("%s requires %s", w.Type, field))
		}
		return nil
	}

	switch w.Type {
	case InHeartbeat:
		if err := need("scope", w.Scope); err != nil {
			return req, err
		}
		req.Event = Heartbeat{Scope: w.Scope}
	case InJoinThread:
		if err := need("thread", w.Thread); err != nil {
			return req, err
		}
		req.Event = JoinThread{Thread: w.Thread}
	case InLeaveThread:
		if err := need("thread", w.Thread); err != nil {
			return req, err
		}
		req.Event = LeaveThread{Thread: w.Thread}
	case InSendMessage:
		if err := need("thread", w.Thread); err != nil {
			return req, err
		}
		if err := ValidateBody(w.Body); err != nil {
			return req, err
		}
		if len(w.Ref) > MaxRefLength {
			return req, errs.Invalid(op, "ref too long")
		}
		req.Event = SendMessage{Thread: w.Thread, Body: w.Body, Ref: w.Ref}
	case InTyping:
		if err := need("thread", w.Thread); err != nil {
			return req, err
		}
		req.Event = Typing{Thread: w.Thread}
	case InMarkRead:
		if err := need("thread", w.Thread); err != nil {
			return req, err
		}
		req.Event = MarkRead{Thread: w.Thread, Seq: w.Seq}
	case InMessageDelivered:
		if err := need("thread", w.Thread); err != nil {
			return req, err
		}
		if w.Seq == nil || *w.Seq == 0 {
			return req, errs.Invalid(op, "message-delivered requires seq")
		}
		req.Event = MessageDelivered{Thread: w.Thread, Seq: *w.Seq}
	case InNotificationDelivered:
		if err := need("notification_id", w.NotificationID); err != nil {
			return req, err
		}
		req.Event = NotificationDelivered{NotificationID: w.NotificationID}
	case "":
		return req, errs.Invalid(op, "missing type")
	default:
		return req, errs.Invalid(op, fmt.Sprintf("unknown type %q", w.Type))
	}
	return req, nil
}

// ValidateBody checks a message body for both transports.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errs.Invalid("events.validate_body", "body is empty")
	}
	if len(body) > MaxBodyLength {
		return errs.Invalid("events.validate_body", "body too long")
	}
	return nil
}
