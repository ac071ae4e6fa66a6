// Package readstate keeps per (reader, thread) read pointers and unread
// counters consistent for both the live push path and the REST poll path.
package readstate

import (
	"context"
	"errors"
	"fmt"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/models"
	"pulsehub/pkg/timeutil"
)

// Store is the persistence behind the machine.
type Store interface {
	GetThread(ctx context.Context, threadID string) (models.Thread, error)
	GetReadState(ctx context.Context, reader, threadID string) (models.ReadState, error)
	UpdateReadState(ctx context.Context, reader, threadID string, fn func(rs *models.ReadState) (bool, error)) (models.ReadState, error)
	ListReadStates(ctx context.Context, reader string) ([]models.ReadState, error)
	CountUnreadAfter(ctx context.Context, reader, threadID string, afterSeq uint64) (uint64, uint64, error)
}

// Router is the slice of the thread router the machine uses.
type Router interface {
	ResolveAudience(ctx context.Context, thread models.Thread) ([]string, error)
	InAudience(ctx context.Context, identity string, thread models.Thread) (bool, error)
	IsJoined(identity, threadID string) bool
}

// Publisher fans out read receipts.
type Publisher interface {
	PublishAudience(ctx context.Context, thread models.Thread, audience []string, ev events.Outbound) (fanout.Report, error)
}

// Summary is the unread overview of one reader.
type Summary struct {
	Reader      string             `json:"reader"`
	TotalUnread uint64             `json:"total_unread"`
	Threads     []models.ReadState `json:"threads"`
}

// Machine is the unread/read-receipt state machine.
type Machine struct {
	store  Store
	router Router
	pub    Publisher
	clock  timeutil.Clock
}

func New(store Store, router Router, pub Publisher, clock timeutil.Clock) *Machine {
	if clock == nil {
		clock = timeutil.Real()
	}
	return &Machine{store: store, router: router, pub: pub, clock: clock}
}

// OnMessage applies a freshly persisted message to every reader of audience
// except its sender. Readers viewing the thread have their pointer advanced,
// everybody else gets one more unread, once per seq.
func (m *Machine) OnMessage(ctx context.Context, thread models.Thread, msg models.Message, audience []string) error {
	var errList []error
	for _, reader := range audience {
		if reader == msg.Sender {
			continue
		}
		var err error
		if m.router.IsJoined(reader, thread.ID) {
			err = m.advanceJoined(ctx, reader, thread.ID, msg.Seq)
		} else {
			err = m.increment(ctx, reader, thread.ID, msg.Seq)
		}
		if err != nil {
			logger.Error("readstate_update_failed", "reader", reader, "thread", thread.ID, "seq", msg.Seq, "error", err)
			errList = append(errList, fmt.Errorf("%s: %w", reader, err))
		}
	}
	return errors.Join(errList...)
}

func (m *Machine) increment(ctx context.Context, reader, threadID string, seq uint64) error {
	now := m.clock.Now().UnixNano()
	_, err := m.store.UpdateReadState(ctx, reader, threadID, func(rs *models.ReadState) (bool, error) {
		if seq <= rs.CountedSeq || seq <= rs.LastReadSeq {
			return false, nil
		}
		rs.Unread++
		rs.CountedSeq = seq
		rs.UpdatedTS = now
		return true, nil
	})
	return err
}

func (m *Machine) advanceJoined(ctx context.Context, reader, threadID string, seq uint64) error {
	now := m.clock.Now().UnixNano()
	_, err := m.store.UpdateReadState(ctx, reader, threadID, func(rs *models.ReadState) (bool, error) {
		if seq <= rs.LastReadSeq {
			return false, nil
		}
		rs.LastReadSeq = seq
		if seq >= rs.CountedSeq {
			rs.Unread = 0
			rs.CountedSeq = seq
		} else {
			n, _, err := m.store.CountUnreadAfter(ctx, reader, threadID, seq)
			if err != nil {
				return false, err
			}
			rs.Unread = n
		}
		rs.UpdatedTS = now
		return true, nil
	})
	return err
}

// MarkRead moves reader's pointer to the thread's last seq and zeroes the
// unread counter. Idempotent.
func (m *Machine) MarkRead(ctx context.Context, reader, threadID string) (models.ReadState, error) {
	thread, err := m.authorize(ctx, "readstate.mark_read", reader, threadID)
	if err != nil {
		return models.ReadState{}, err
	}
	now := m.clock.Now().UnixNano()
	moved := false
	rs, err := m.store.UpdateReadState(ctx, reader, threadID, func(rs *models.ReadState) (bool, error) {
		if rs.LastReadSeq >= thread.LastSeq && rs.Unread == 0 {
			return false, nil
		}
		moved = rs.LastReadSeq < thread.LastSeq
		if moved {
			rs.LastReadSeq = thread.LastSeq
		}
		if rs.CountedSeq > thread.LastSeq {
			// messages counted after thread was loaded stay unread
			n, maxSeen, err := m.store.CountUnreadAfter(ctx, reader, threadID, rs.LastReadSeq)
			if err != nil {
				return false, err
			}
			rs.Unread = n
			rs.CountedSeq = max(rs.CountedSeq, maxSeen)
		} else {
			rs.Unread = 0
			rs.CountedSeq = thread.LastSeq
		}
		rs.UpdatedTS = now
		return true, nil
	})
	if err != nil {
		return models.ReadState{}, err
	}
	if moved {
		m.broadcastRead(ctx, thread, reader, rs.LastReadSeq)
	}
	return rs, nil
}

// MarkReadUpTo moves reader's pointer to seq. A seq behind the current
// pointer is a Conflict and leaves state untouched; a seq past the thread's
// last message is clamped. Unread is recounted from persisted messages.
func (m *Machine) MarkReadUpTo(ctx context.Context, reader, threadID string, seq uint64) (models.ReadState, error) {
	const op = "readstate.mark_read_up_to"
	thread, err := m.authorize(ctx, op, reader, threadID)
	if err != nil {
		return models.ReadState{}, err
	}
	if seq > thread.LastSeq {
		seq = thread.LastSeq
	}
	now := m.clock.Now().UnixNano()
	moved := false
	rs, err := m.store.UpdateReadState(ctx, reader, threadID, func(rs *models.ReadState) (bool, error) {
		if seq < rs.LastReadSeq {
			return false, errs.Conflict(op, fmt.Sprintf("read pointer is already at %d", rs.LastReadSeq))
		}
		n, maxSeen, err := m.store.CountUnreadAfter(ctx, reader, threadID, seq)
		if err != nil {
			return false, err
		}
		moved = seq > rs.LastReadSeq
		rs.LastReadSeq = seq
		rs.Unread = n
		rs.CountedSeq = max(rs.CountedSeq, seq, maxSeen)
		rs.UpdatedTS = now
		return true, nil
	})
	if err != nil {
		return rs, err
	}
	if moved {
		m.broadcastRead(ctx, thread, reader, rs.LastReadSeq)
	}
	return rs, nil
}

// State returns reader's state in thread.
func (m *Machine) State(ctx context.Context, reader, threadID string) (models.ReadState, error) {
	if _, err := m.authorize(ctx, "readstate.state", reader, threadID); err != nil {
		return models.ReadState{}, err
	}
	return m.store.GetReadState(ctx, reader, threadID)
}

// Summary returns every thread state of reader with the total unread.
func (m *Machine) Summary(ctx context.Context, reader string) (Summary, error) {
	if reader == "" {
		return Summary{}, errs.Unauthorized("readstate.summary", "missing identity")
	}
	states, err := m.store.ListReadStates(ctx, reader)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Reader: reader, Threads: states}
	for _, rs := range states {
		s.TotalUnread += rs.Unread
	}
	if s.Threads == nil {
		s.Threads = []models.ReadState{}
	}
	return s, nil
}

func (m *Machine) authorize(ctx context.Context, op, reader, threadID string) (models.Thread, error) {
	if reader == "" {
		return models.Thread{}, errs.Unauthorized(op, "missing identity")
	}
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	ok, err := m.router.InAudience(ctx, reader, thread)
	if err != nil {
		return models.Thread{}, err
	}
	if !ok {
		return models.Thread{}, errs.Forbidden(op, "not in the audience of this thread")
	}
	return thread, nil
}

func (m *Machine) broadcastRead(ctx context.Context, thread models.Thread, reader string, seq uint64) {
	if m.pub == nil {
		return
	}
	audience, err := m.router.ResolveAudience(ctx, thread)
	if err != nil {
		logger.Warn("read_receipt_audience_failed", "thread", thread.ID, "error", err)
		return
	}
	others := make([]string, 0, len(audience))
	for _, id := range audience {
		if id != reader {
			others = append(others, id)
		}
	}
	if _, err := m.pub.PublishAudience(ctx, thread, others, events.ReadEvent(thread.ID, reader, seq)); err != nil {
		logger.Warn("read_receipt_publish_failed", "thread", thread.ID, "error", err)
	}
}
