package messaging

import (
	"context"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/session"
)

// Handle runs one decoded client event for c and returns the reply frame:
// an ack on success, an error frame otherwise. send-message is never retried
// here; a retryable error tells the client it may resend.
func (s *Service) Handle(ctx context.Context, c *session.Conn, req events.Request) events.Outbound {
	if req.Event == nil {
		return events.ErrorEvent(req.ID, errs.Invalid("messaging.handle", "missing event"))
	}
	typ := req.Event.Type()
	ack := events.AckData{ID: req.ID, For: string(typ)}
	var err error

	switch ev := req.Event.(type) {
	case events.Heartbeat:
		err = s.Heartbeat(ctx, c, ev.Scope)
	case events.JoinThread:
		ack.Thread = ev.Thread
		rs, jerr := s.Join(ctx, c, ev.Thread)
		err = jerr
		if err == nil {
			ack.Seq = rs.LastReadSeq
			ack.Unread = &rs.Unread
		}
	case events.LeaveThread:
		ack.Thread = ev.Thread
		err = s.Leave(ctx, c, ev.Thread)
	case events.SendMessage:
		ack.Thread, ack.Ref = ev.Thread, ev.Ref
		msg, serr := s.Send(ctx, c.Identity, ev.Thread, ev.Body, ev.Ref)
		err = serr
		if err == nil {
			ack.Seq = msg.Seq
		}
	case events.Typing:
		ack.Thread = ev.Thread
		_, err = s.Typing(ctx, c.Identity, ev.Thread)
	case events.MarkRead:
		ack.Thread = ev.Thread
		rs, merr := s.MarkRead(ctx, c.Identity, ev.Thread, ev.Seq)
		err = merr
		if err == nil {
			ack.Seq = rs.LastReadSeq
			ack.Unread = &rs.Unread
		}
	case events.MessageDelivered:
		ack.Thread, ack.Seq = ev.Thread, ev.Seq
		err = s.Delivered(ctx, c.Identity, ev.Thread, ev.Seq)
	case events.NotificationDelivered:
		err = s.NotificationDelivered(ctx, c.Identity, ev.NotificationID)
	default:
		err = errs.Invalid("messaging.handle", "unsupported event")
	}

	if err != nil {
		metrics.InboundFrames.WithLabelValues(string(typ), string(errs.KindOf(err))).Inc()
		logger.Debug("inbound_rejected", "identity", c.Identity, "conn", c.ID, "type", typ, "error", err)
		out := events.ErrorEvent(req.ID, err)
		if sm, ok := req.Event.(events.SendMessage); ok {
			data := out.Data.(events.ErrorData)
			data.Ref = sm.Ref
			out.Data = data
		}
		return out
	}
	metrics.InboundFrames.WithLabelValues(string(typ), "ok").Inc()
	return events.AckEvent(ack)
}
