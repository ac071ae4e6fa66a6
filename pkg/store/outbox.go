package store

import (
	"context"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/models"
	"pulsehub/pkg/store/keys"
)

// PutOutbox parks an SMS for the outbox runner.
func (s *Store) PutOutbox(ctx context.Context, e models.OutboxEntry) error {
	const op = "store.put_outbox"
	if e.ID == "" {
		return errs.Invalid(op, "outbox entry without id")
	}
	if !s.Ready() {
		return errs.Upstream(op, ErrNotOpen)
	}
	data, err := marshalRecord(e)
	if err != nil {
		return upstream(op, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keys.GenOutboxKey(e.NextAttemptTS, e.ID)), data, nil); err != nil {
		return upstream(op, err)
	}
	return s.commit(op, b)
}

// DueOutbox returns up to limit entries whose next attempt is at or before now,
// oldest first.
func (s *Store) DueOutbox(ctx context.Context, now int64, limit int) ([]models.OutboxEntry, error) {
	const op = "store.due_outbox"
	if limit <= 0 {
		limit = 100
	}
	var out []models.OutboxEntry
	err := s.scan(ctx, keys.OutboxPrefix, nil, func(k, v []byte) (bool, error) {
		due, _, perr := keys.ParseOutboxKey(string(k))
		if perr != nil {
			return true, nil
		}
		if due > now {
			return false, nil
		}
		var e models.OutboxEntry
		if err := unmarshalRecord(v, &e); err != nil {
			return false, err
		}
		out = append(out, e)
		return len(out) < limit, nil
	})
	if err != nil {
		return nil, upstream(op, err)
	}
	return out, nil
}

// CountOutbox returns the number of parked entries.
func (s *Store) CountOutbox(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, keys.OutboxPrefix, nil, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, upstream("store.count_outbox", err)
}

// DeleteOutbox removes e after a successful send or a final failure.
func (s *Store) DeleteOutbox(ctx context.Context, e models.OutboxEntry) error {
	const op = "store.delete_outbox"
	if !s.Ready() {
		return errs.Upstream(op, ErrNotOpen)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(keys.GenOutboxKey(e.NextAttemptTS, e.ID)), nil); err != nil {
		return upstream(op, err)
	}
	return s.commit(op, b)
}

// RescheduleOutbox moves e to next, bumping its attempt count.
func (s *Store) RescheduleOutbox(ctx context.Context, e models.OutboxEntry, next int64, lastErr string) (models.OutboxEntry, error) {
	const op = "store.reschedule_outbox"
	if !s.Ready() {
		return e, errs.Upstream(op, ErrNotOpen)
	}
	moved := e
	moved.Attempts++
	moved.NextAttemptTS = next
	moved.LastError = lastErr
	data, err := marshalRecord(moved)
	if err != nil {
		return e, upstream(op, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(keys.GenOutboxKey(e.NextAttemptTS, e.ID)), nil); err != nil {
		return e, upstream(op, err)
	}
	if err := b.Set([]byte(keys.GenOutboxKey(next, e.ID)), data, nil); err != nil {
		return e, upstream(op, err)
	}
	if err := s.commit(op, b); err != nil {
		return e, err
	}
	return moved, nil
}
