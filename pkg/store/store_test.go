package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateThread_ConflictReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := models.Thread{ID: "dm.s1.a.b", Kind: models.KindDM, Scope: "s1", Participants: []string{"a", "b"}, CreatedTS: 1}
	_, err := s.CreateThread(ctx, th)
	require.NoError(t, err)

	got, err := s.CreateThread(ctx, models.Thread{ID: "dm.s1.a.b", Kind: models.KindDM, Scope: "s1", Participants: []string{"a", "b"}, CreatedTS: 2})
	assert.True(t, errs.Is(err, errs.KindConflict))
	assert.Equal(t, int64(1), got.CreatedTS)

	_, err = s.GetThread(ctx, "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCreateThread_RejectsReservedCharacters(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateThread(context.Background(), models.Thread{ID: "bad:id", Kind: models.KindChannel})
	assert.True(t, errs.Is(err, errs.KindInvalid))
}

func TestAppendMessage_AssignsGapFreeSeqs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateThread(ctx, models.Thread{ID: "general", Kind: models.KindChannel, Scope: "s1"})
	require.NoError(t, err)

	const writers, per = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_, _, err := s.AppendMessage(ctx, "general", "u", "hi", "", int64(i))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, "general", 0, 1000)
	require.NoError(t, err)
	require.Len(t, msgs, writers*per)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
	th, err := s.GetThread(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*per), th.LastSeq)
}

func TestAppendMessage_UnknownThread(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.AppendMessage(context.Background(), "nope", "u", "x", "", 1)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestAppendMessage_ClosedStoreIsUpstream(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	_, _, err := s.AppendMessage(context.Background(), "general", "u", "x", "", 1)
	assert.True(t, errs.Is(err, errs.KindUpstreamUnavailable))
	assert.True(t, errs.Retryable(err))
}

func TestListMessages_AfterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateThread(ctx, models.Thread{ID: "c", Kind: models.KindChannel, Scope: "s"})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, _, err := s.AppendMessage(ctx, "c", "u", "m", "", int64(i))
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "c", 9, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(10), msgs[0].Seq)

	msgs, err = s.ListMessages(ctx, "c", 0, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[1].Seq)
}

func TestCountUnreadAfter_SkipsOwnMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateThread(ctx, models.Thread{ID: "c", Kind: models.KindChannel, Scope: "s"})
	require.NoError(t, err)
	for _, sender := range []string{"a", "b", "a", "b", "b"} {
		_, _, err := s.AppendMessage(ctx, "c", sender, "m", "", 1)
		require.NoError(t, err)
	}
	n, maxSeq, err := s.CountUnreadAfter(ctx, "a", "c", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Equal(t, uint64(5), maxSeq)
}

func TestUpdateReadState_SkipAndPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rs, err := s.GetReadState(ctx, "a", "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rs.LastReadSeq)

	_, err = s.UpdateReadState(ctx, "a", "c", func(rs *models.ReadState) (bool, error) {
		rs.LastReadSeq = 4
		rs.Unread = 2
		return true, nil
	})
	require.NoError(t, err)

	_, err = s.UpdateReadState(ctx, "a", "c", func(rs *models.ReadState) (bool, error) {
		return false, errs.Conflict("test", "behind")
	})
	assert.True(t, errs.Is(err, errs.KindConflict))

	rs, err = s.GetReadState(ctx, "a", "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rs.LastReadSeq)
	assert.Equal(t, uint64(2), rs.Unread)

	all, err := s.ListReadStates(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestThreadsFor_ParticipantsAndReaders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateThread(ctx, models.Thread{ID: "dm.s.a.b", Kind: models.KindDM, Scope: "s", Participants: []string{"a", "b"}})
	require.NoError(t, err)
	_, err = s.CreateThread(ctx, models.Thread{ID: "general", Kind: models.KindChannel, Scope: "s"})
	require.NoError(t, err)
	_, err = s.UpdateReadState(ctx, "a", "general", func(rs *models.ReadState) (bool, error) {
		rs.Unread = 1
		return true, nil
	})
	require.NoError(t, err)

	ts, err := s.ThreadsFor(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, ts, 2)

	ts, err = s.ThreadsFor(ctx, "b")
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, "dm.s.a.b", ts[0].ID)
}

func TestOutbox_DueRescheduleDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOutbox(ctx, models.OutboxEntry{ID: "1", Phone: "+1", Text: "a", NextAttemptTS: 100}))
	require.NoError(t, s.PutOutbox(ctx, models.OutboxEntry{ID: "2", Phone: "+1", Text: "b", NextAttemptTS: 300}))

	due, err := s.DueOutbox(ctx, 200, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "1", due[0].ID)

	moved, err := s.RescheduleOutbox(ctx, due[0], 400, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Attempts)

	due, err = s.DueOutbox(ctx, 350, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "2", due[0].ID)

	require.NoError(t, s.DeleteOutbox(ctx, due[0]))
	n, err := s.CountOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
