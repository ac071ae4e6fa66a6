// Package common holds what the REST handlers share: their collaborators
// and the request helpers built on them.
package common

import (
	"context"
	"sort"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/auth"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/messaging"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/presence"
	"pulsehub/pkg/readstate"
	"pulsehub/pkg/session"
	"pulsehub/pkg/telemetry"
	"pulsehub/pkg/threads"
)

// OutboxCounter reports pending SMS outbox entries.
type OutboxCounter interface {
	CountOutbox(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the REST surface.
type Deps struct {
	Messaging *messaging.Service
	Threads   *threads.Router
	Reads     *readstate.Machine
	Notify    *notify.Dispatcher
	Presence  *presence.Tracker
	Sessions  *session.Registry
	Directory membership.Directory
	Outbox    OutboxCounter

	// SigningKeys sign identities for /v1/sign.
	SigningKeys map[string]struct{}
}

// SigningKey returns the lowest configured key so signatures are stable
// across restarts.
func (d *Deps) SigningKey() (string, bool) {
	keys := make([]string, 0, len(d.SigningKeys))
	for k := range d.SigningKeys {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return keys[0], true
}

// SetupIdentityHandler starts a trace and resolves the caller identity,
// writing the error response when there is none.
func SetupIdentityHandler(ctx *fasthttp.RequestCtx, operationName string) (string, *telemetry.Trace, bool) {
	tr := router.SetupHandler(ctx, operationName)
	identity, err := auth.ResolveIdentity(ctx)
	if err != nil {
		router.WriteError(ctx, err)
		tr.Finish()
		return "", nil, false
	}
	return identity, tr, true
}
