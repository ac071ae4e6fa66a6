package events

import (
	"encoding/json"

	"github.com/valyala/bytebufferpool"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/models"
)

// OutboundType tags outbound frames.
type OutboundType string

const (
	OutMessage      OutboundType = "message"
	OutTyping       OutboundType = "typing"
	OutRead         OutboundType = "read"
	OutDelivered    OutboundType = "delivered"
	OutNotification OutboundType = "notification"
	OutPresence     OutboundType = "presence"
	OutAck          OutboundType = "ack"
	OutError        OutboundType = "error"
)

// Outbound is one server event. Origin is the identity that caused it and
// is never sent.
type Outbound struct {
	Type   OutboundType `json:"type"`
	Data   any          `json:"data"`
	Origin string       `json:"-"`
}

type TypingData struct {
	Thread   string `json:"thread"`
	Identity string `json:"identity"`
}

type ReadData struct {
	Thread string `json:"thread"`
	Reader string `json:"reader"`
	Seq    uint64 `json:"seq"`
}

type DeliveredData struct {
	Thread string `json:"thread"`
	Seq    uint64 `json:"seq"`
	By     string `json:"by"`
}

type PresenceData struct {
	Scope    string `json:"scope"`
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

// AckData confirms a client request. Seq and Thread are set for sends.
type AckData struct {
	ID     string  `json:"id,omitempty"`
	For    string  `json:"for"`
	Thread string  `json:"thread,omitempty"`
	Seq    uint64  `json:"seq,omitempty"`
	Ref    string  `json:"ref,omitempty"`
	Unread *uint64 `json:"unread,omitempty"`
}

type ErrorData struct {
	ID string `json:"id,omitempty"`
	errs.Body
}

func MessageEvent(m models.Message) Outbound {
	return Outbound{Type: OutMessage, Data: m, Origin: m.Sender}
}

func TypingEvent(thread, identity string) Outbound {
	return Outbound{Type: OutTyping, Data: TypingData{Thread: thread, Identity: identity}, Origin: identity}
}

func ReadEvent(thread, reader string, seq uint64) Outbound {
	return Outbound{Type: OutRead, Data: ReadData{Thread: thread, Reader: reader, Seq: seq}, Origin: reader}
}

func DeliveredEvent(thread string, seq uint64, by string) Outbound {
	return Outbound{Type: OutDelivered, Data: DeliveredData{Thread: thread, Seq: seq, By: by}, Origin: by}
}

func NotificationEvent(n models.Notification) Outbound {
	return Outbound{Type: OutNotification, Data: n}
}

func PresenceEvent(scope, identity, status string) Outbound {
	return Outbound{Type: OutPresence, Data: PresenceData{Scope: scope, Identity: identity, Status: status}, Origin: identity}
}

func AckEvent(a AckData) Outbound {
	return Outbound{Type: OutAck, Data: a}
}

// ErrorEvent renders err with the same body the REST surface uses.
func ErrorEvent(id string, err error) Outbound {
	return Outbound{Type: OutError, Data: ErrorData{ID: id, Body: errs.ToBody(err)}}
}

// Encode renders o as one JSON frame.
func Encode(o Outbound) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := json.NewEncoder(buf).Encode(o); err != nil {
		return nil, err
	}
	b := buf.B
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
