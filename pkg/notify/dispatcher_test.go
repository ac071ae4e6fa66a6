package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/models"
)

type joinSet map[string]bool

func (j joinSet) IsJoined(identity, threadID string) bool { return j[identity+"/"+threadID] }

type recordingPusher struct {
	mu     sync.Mutex
	pushed map[string][]events.Outbound
}

func (p *recordingPusher) PublishTo(_ context.Context, identity string, ev events.Outbound) (fanout.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushed == nil {
		p.pushed = make(map[string][]events.Outbound)
	}
	p.pushed[identity] = append(p.pushed[identity], ev)
	return fanout.Report{}, nil
}

type recordingSMS struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recordingSMS) Enqueue(j Job) bool {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
	return true
}

type dispatcherFixture struct {
	d      *Dispatcher
	repo   *SQLiteStore
	pusher *recordingPusher
	sms    *recordingSMS
	dir    *membership.StaticDirectory
	joins  joinSet
}

func newDispatcherFixture(t *testing.T) dispatcherFixture {
	t.Helper()
	f := dispatcherFixture{
		repo:   newTestSQLite(t),
		pusher: &recordingPusher{},
		sms:    &recordingSMS{},
		dir:    membership.NewStatic(),
		joins:  joinSet{},
	}
	require.NoError(t, f.dir.Apply(membership.Seed{Scopes: map[string]membership.ScopeSeed{
		"acme": {Founder: "f1", Members: map[string]membership.Role{
			"m1": membership.RoleApproved,
			"m2": membership.RoleApproved,
			"p1": membership.RolePending,
		}},
	}}))
	f.d = NewDispatcher(f.repo, f.joins, f.pusher, f.dir, Options{SMS: f.sms, SMSTypes: []string{"announcement"}})
	return f
}

func TestDispatch_StoresAndPushes(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	id, err := f.d.Dispatch(ctx, Request{Recipient: "bob", Type: models.NotifyDM, ThreadID: "dm.acme.alice.bob", Payload: json.RawMessage(`{"seq":3}`)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := f.repo.Get(ctx, "bob", id)
	require.NoError(t, err)
	assert.Equal(t, models.NotifyDM, got.Type)
	assert.Equal(t, "dm.acme.alice.bob", got.Thread)

	require.Len(t, f.pusher.pushed["bob"], 1)
	assert.Equal(t, events.OutNotification, f.pusher.pushed["bob"][0].Type)
	assert.Empty(t, f.sms.jobs, "dm is not an sms type")
}

func TestDispatch_SuppressedWhileJoined(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	f.joins["bob/dm.acme.alice.bob"] = true

	id, err := f.d.Dispatch(ctx, Request{Recipient: "bob", Type: models.NotifyDM, ThreadID: "dm.acme.alice.bob"})
	require.NoError(t, err)
	assert.Empty(t, id)

	n, err := f.d.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.pusher.pushed["bob"])
}

func TestDispatch_Validation(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, Request{Type: models.NotifyDM})
	assert.True(t, errs.Is(err, errs.KindInvalid))
	_, err = f.d.Dispatch(ctx, Request{Recipient: "bob", Type: "nope"})
	assert.True(t, errs.Is(err, errs.KindInvalid))
	_, err = f.d.Dispatch(ctx, Request{Recipient: "bob", Type: models.NotifyBadge, Payload: json.RawMessage(`{`)})
	assert.True(t, errs.Is(err, errs.KindInvalid))
}

func TestAnnounce_FounderOnly(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	_, err := f.d.Announce(ctx, "acme", "m1", "hello")
	assert.True(t, errs.Is(err, errs.KindForbidden))

	sent, err := f.d.Announce(ctx, "acme", "f1", "launch day")
	require.NoError(t, err)
	assert.Equal(t, 2, sent, "approved members only")

	for _, id := range []string{"m1", "m2"} {
		list, err := f.d.List(ctx, id, true, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.NotifyAnnouncement, list[0].Type)
	}
	list, err := f.d.List(ctx, "p1", false, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.Len(t, f.sms.jobs, 2)
	assert.Equal(t, "launch day", f.sms.jobs[0].Text)
}

func TestMarkAsRead_ScopedToRecipient(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	id, err := f.d.Dispatch(ctx, Request{Recipient: "bob", Type: models.NotifyBadge})
	require.NoError(t, err)

	assert.True(t, errs.Is(f.d.MarkAsRead(ctx, "mallory", id), errs.KindNotFound))
	assert.True(t, errs.Is(f.d.MarkAsRead(ctx, "", id), errs.KindUnauthorized))
	require.NoError(t, f.d.MarkAsRead(ctx, "bob", id))
	require.NoError(t, f.d.MarkDelivered(ctx, "bob", id))

	n, err := f.d.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSMSText(t *testing.T) {
	assert.Equal(t, "hi", smsText(models.Notification{Type: models.NotifyBadge, Payload: json.RawMessage(`{"text":"hi"}`)}))
	assert.Equal(t, "You have a new live chat message notification.", smsText(models.Notification{Type: models.NotifyLiveChatMessage}))
}
