package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/models"
	"pulsehub/pkg/store/keys"
)

// CreateThread persists t. An existing thread with the same id yields
// Conflict and the stored thread, so pair threads can be created idempotently.
func (s *Store) CreateThread(ctx context.Context, t models.Thread) (models.Thread, error) {
	const op = "store.create_thread"
	if err := keys.ValidateID(t.ID); err != nil {
		return models.Thread{}, errs.Invalid(op, fmt.Sprintf("invalid thread id: %v", err))
	}
	for _, p := range t.Participants {
		if err := keys.ValidateID(p); err != nil {
			return models.Thread{}, errs.Invalid(op, fmt.Sprintf("invalid participant: %v", err))
		}
	}
	tk := keys.GenThreadKey(t.ID)
	unlock := s.locks.Lock(tk)
	defer unlock()

	existing, err := s.get(tk)
	if err != nil {
		return models.Thread{}, upstream(op, err)
	}
	if existing != nil {
		var cur models.Thread
		if err := json.Unmarshal(existing, &cur); err != nil {
			return models.Thread{}, upstream(op, err)
		}
		return cur, errs.Conflict(op, "thread already exists")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return models.Thread{}, fmt.Errorf("failed to marshal thread: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(tk), data, nil); err != nil {
		return models.Thread{}, upstream(op, err)
	}
	for _, p := range t.Participants {
		if err := b.Set([]byte(keys.GenRelUserThread(p, t.ID)), []byte("1"), nil); err != nil {
			return models.Thread{}, upstream(op, err)
		}
	}
	if err := s.commit(op, b); err != nil {
		return models.Thread{}, err
	}
	logger.Info("thread_created", "thread", t.ID, "kind", t.Kind, "scope", t.Scope)
	return t, nil
}

// GetThread loads a thread or returns NotFound.
func (s *Store) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	const op = "store.get_thread"
	if err := keys.ValidateID(threadID); err != nil {
		return models.Thread{}, errs.NotFound(op, "thread not found")
	}
	v, err := s.get(keys.GenThreadKey(threadID))
	if err != nil {
		return models.Thread{}, upstream(op, err)
	}
	if v == nil {
		return models.Thread{}, errs.NotFound(op, "thread not found")
	}
	var t models.Thread
	if err := json.Unmarshal(v, &t); err != nil {
		return models.Thread{}, upstream(op, err)
	}
	return t, nil
}

// ThreadsFor lists the threads identity participates in or has read state
// for, newest activity first.
func (s *Store) ThreadsFor(ctx context.Context, identity string) ([]models.Thread, error) {
	const op = "store.threads_for"
	ids := make(map[string]struct{})
	err := s.scan(ctx, keys.RelUserPrefix(identity), nil, func(k, _ []byte) (bool, error) {
		_, tid, perr := keys.ParseRelUserThread(string(k))
		if perr != nil {
			logger.Warn("invalid_relation_key", "key", string(k), "error", perr)
			return true, nil
		}
		ids[tid] = struct{}{}
		return true, nil
	})
	if err != nil {
		return nil, upstream(op, err)
	}
	out := make([]models.Thread, 0, len(ids))
	for id := range ids {
		t, err := s.GetThread(ctx, id)
		if errs.Is(err, errs.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTS != out[j].LastMessageTS {
			return out[i].LastMessageTS > out[j].LastMessageTS
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
