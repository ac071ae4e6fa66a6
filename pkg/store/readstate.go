package store

import (
	"context"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/models"
	"pulsehub/pkg/store/keys"
)

// GetReadState returns the read state of reader in thread. A reader that has
// never been counted gets a zero state, not NotFound.
func (s *Store) GetReadState(ctx context.Context, reader, threadID string) (models.ReadState, error) {
	const op = "store.get_read_state"
	v, err := s.get(keys.GenReadStateKey(reader, threadID))
	if err != nil {
		return models.ReadState{}, upstream(op, err)
	}
	rs := models.ReadState{Reader: reader, Thread: threadID}
	if v == nil {
		return rs, nil
	}
	if err := unmarshalRecord(v, &rs); err != nil {
		return models.ReadState{}, upstream(op, err)
	}
	return rs, nil
}

// UpdateReadState runs fn on the current read state of (reader, thread)
// under the pair's lock and persists the result. fn returning an error
// aborts without writing; fn returning false skips the write.
func (s *Store) UpdateReadState(ctx context.Context, reader, threadID string, fn func(rs *models.ReadState) (bool, error)) (models.ReadState, error) {
	const op = "store.update_read_state"
	if err := keys.ValidateID(reader); err != nil {
		return models.ReadState{}, errs.Invalid(op, "invalid reader id")
	}
	k := keys.GenReadStateKey(reader, threadID)
	unlock := s.locks.Lock(k)
	defer unlock()

	rs, err := s.GetReadState(ctx, reader, threadID)
	if err != nil {
		return models.ReadState{}, err
	}
	before := rs
	changed, err := fn(&rs)
	if err != nil {
		return before, err
	}
	if !changed {
		return rs, nil
	}
	data, err := marshalRecord(rs)
	if err != nil {
		return before, upstream(op, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(k), data, nil); err != nil {
		return before, upstream(op, err)
	}
	if err := b.Set([]byte(keys.GenRelUserThread(reader, threadID)), []byte("1"), nil); err != nil {
		return before, upstream(op, err)
	}
	if err := s.commit(op, b); err != nil {
		return before, err
	}
	return rs, nil
}

// ListReadStates returns every read state held by reader.
func (s *Store) ListReadStates(ctx context.Context, reader string) ([]models.ReadState, error) {
	const op = "store.list_read_states"
	var out []models.ReadState
	err := s.scan(ctx, keys.ReadStatePrefix(reader), nil, func(_, v []byte) (bool, error) {
		var rs models.ReadState
		if err := unmarshalRecord(v, &rs); err != nil {
			return false, err
		}
		out = append(out, rs)
		return true, nil
	})
	if err != nil {
		return nil, upstream(op, err)
	}
	return out, nil
}
