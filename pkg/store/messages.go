package store

import (
	"context"
	"encoding/json"
	"fmt"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/models"
	"pulsehub/pkg/store/keys"
)

// AppendMessage is the authoritative write of a message: it assigns the next
// seq of the thread and commits message and thread metadata in one batch.
// The returned thread carries the updated LastSeq.
func (s *Store) AppendMessage(ctx context.Context, threadID, sender, body, ref string, ts int64) (models.Message, models.Thread, error) {
	const op = "store.append_message"
	if err := ctx.Err(); err != nil {
		return models.Message{}, models.Thread{}, errs.Upstream(op, err)
	}
	tk := keys.GenThreadKey(threadID)
	unlock := s.locks.Lock(tk)
	defer unlock()

	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return models.Message{}, models.Thread{}, err
	}

	msg := models.Message{
		Thread:    threadID,
		Seq:       t.LastSeq + 1,
		Sender:    sender,
		Body:      body,
		CreatedTS: ts,
		Ref:       ref,
	}
	t.LastSeq = msg.Seq
	t.LastMessageTS = ts

	md, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, models.Thread{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	td, err := json.Marshal(t)
	if err != nil {
		return models.Message{}, models.Thread{}, fmt.Errorf("failed to marshal thread: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keys.GenMessageKey(threadID, msg.Seq)), md, nil); err != nil {
		return models.Message{}, models.Thread{}, upstream(op, err)
	}
	if err := b.Set([]byte(tk), td, nil); err != nil {
		return models.Message{}, models.Thread{}, upstream(op, err)
	}
	if err := b.Set([]byte(keys.GenRelUserThread(sender, threadID)), []byte("1"), nil); err != nil {
		return models.Message{}, models.Thread{}, upstream(op, err)
	}
	if err := s.commit(op, b); err != nil {
		return models.Message{}, models.Thread{}, err
	}
	logger.Debug("message_appended", "thread", threadID, "seq", msg.Seq, "sender", sender)
	return msg, t, nil
}

// ListMessages returns up to limit messages with seq > afterSeq in seq order.
func (s *Store) ListMessages(ctx context.Context, threadID string, afterSeq uint64, limit int) ([]models.Message, error) {
	const op = "store.list_messages"
	if limit <= 0 {
		return nil, nil
	}
	out := make([]models.Message, 0, min(limit, 64))
	lower := []byte(keys.GenMessageKey(threadID, afterSeq+1))
	err := s.scan(ctx, keys.MessagePrefix(threadID), lower, func(_, v []byte) (bool, error) {
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return false, err
		}
		out = append(out, m)
		return len(out) < limit, nil
	})
	if err != nil {
		return nil, upstream(op, err)
	}
	return out, nil
}

// CountUnreadAfter counts messages with seq > afterSeq not sent by reader.
// It also returns the highest seq it saw, which callers use as the counted
// marker.
func (s *Store) CountUnreadAfter(ctx context.Context, reader, threadID string, afterSeq uint64) (uint64, uint64, error) {
	const op = "store.count_unread"
	var n, maxSeq uint64
	lower := []byte(keys.GenMessageKey(threadID, afterSeq+1))
	err := s.scan(ctx, keys.MessagePrefix(threadID), lower, func(_, v []byte) (bool, error) {
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return false, err
		}
		if m.Sender != reader {
			n++
		}
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
		return true, nil
	})
	if err != nil {
		return 0, 0, upstream(op, err)
	}
	return n, maxSeq, nil
}
