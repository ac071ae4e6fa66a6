// Package gateway serves the live websocket transport. Each socket gets a
// registry connection, one reader and one writer goroutine.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/utils"
	"pulsehub/pkg/auth"
	"pulsehub/pkg/errs"
	"pulsehub/pkg/events"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/session"
)

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 25 * time.Second
	defaultMaxFrameBytes   = 64 * 1024
	defaultInboundRPS      = 20
	defaultInboundBurst    = 40
	defaultInflightTimeout = 10 * time.Second
	maxPlatformLength      = 32
)

// Handler runs decoded client events; messaging.Service implements it.
type Handler interface {
	Handle(ctx context.Context, c *session.Conn, req events.Request) events.Outbound
	Disconnect(c *session.Conn, reason string)
}

type Options struct {
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
	InboundRPS    float64
	InboundBurst  int
	// InflightTimeout bounds one inbound event. It derives from the server
	// lifetime, not the socket, so a disconnect never aborts an accepted write.
	InflightTimeout time.Duration
	AllowedOrigins  []string
}

func (o *Options) defaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	if o.InboundRPS <= 0 {
		o.InboundRPS = defaultInboundRPS
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = defaultInboundBurst
	}
	if o.InflightTimeout <= 0 {
		o.InflightTimeout = defaultInflightTimeout
	}
}

// pong deadline: two missed pings
func (o Options) readWait() time.Duration { return 2*o.PingInterval + o.WriteTimeout }

type Server struct {
	sessions *session.Registry
	handler  Handler
	opts     Options
	upgrader websocket.FastHTTPUpgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sessions *session.Registry, handler Handler, opts Options) *Server {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{sessions: sessions, handler: handler, opts: opts, ctx: ctx, cancel: cancel}
	s.upgrader = websocket.FastHTTPUpgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// non-browser clients send no Origin; keys gate them
func (s *Server) checkOrigin(ctx *fasthttp.RequestCtx) bool {
	origin := utils.GetHeader(ctx, "Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, a := range s.opts.AllowedOrigins {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// Serve upgrades GET /v1/live for the authenticated identity.
func (s *Server) Serve(ctx *fasthttp.RequestCtx) {
	identity, err := auth.ResolveIdentity(ctx)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	if s.ctx.Err() != nil {
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "shutting down")
		return
	}
	platform := utils.GetQuery(ctx, "platform")
	if platform == "" {
		platform = "web"
	}
	if len(platform) > maxPlatformLength {
		router.WriteError(ctx, errs.Invalid("gateway.serve", "platform too long"))
		return
	}

	c, err := s.sessions.Register(identity, uuid.NewString(), platform)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}

	s.wg.Add(1)
	err = s.upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
		defer s.wg.Done()
		s.run(c, ws)
	})
	if err != nil {
		s.wg.Done()
		logger.Warn("ws_upgrade_failed", "identity", identity, "error", err)
		s.handler.Disconnect(c, "upgrade_failed")
		return
	}
	logger.Debug("ws_upgraded", "identity", identity, "conn", c.ID, "platform", platform)
}

// run owns the socket until either side closes it.
func (s *Server) run(c *session.Conn, ws *websocket.Conn) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c, ws)
	}()

	reason := s.readLoop(c, ws)
	c.Close(reason)
	<-writerDone
	_ = ws.Close()
	s.handler.Disconnect(c, c.CloseReason())
}

func (s *Server) readLoop(c *session.Conn, ws *websocket.Conn) string {
	wait := s.opts.readWait()
	ws.SetReadLimit(s.opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
	limiter := rate.NewLimiter(rate.Limit(s.opts.InboundRPS), s.opts.InboundBurst)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return closeReason(c, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		req, err := events.DecodeInbound(data)
		if err != nil {
			s.reply(c, events.ErrorEvent(req.ID, err))
			continue
		}
		if !limiter.Allow() {
			s.reply(c, events.ErrorEvent(req.ID, errs.E(errs.KindTransientDelivery, "gateway.read", "rate limit exceeded")))
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.opts.InflightTimeout)
		out := s.handler.Handle(ctx, c, req)
		cancel()
		s.reply(c, out)
	}
}

func closeReason(c *session.Conn, err error) string {
	if c.Closed() {
		return c.CloseReason()
	}
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return "client_closed"
	case errors.Is(err, websocket.ErrReadLimit):
		return "frame_too_large"
	case isTimeout(err):
		return "read_timeout"
	}
	return "read_error"
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// reply queues a frame for this connection behind any pending pushes.
func (s *Server) reply(c *session.Conn, out events.Outbound) {
	b, err := events.Encode(out)
	if err != nil {
		logger.Error("reply_encode_failed", "conn", c.ID, "type", out.Type, "error", err)
		return
	}
	if err := c.Push(session.NewEnvelope("", string(out.Type), b, nil)); err != nil {
		logger.Debug("reply_dropped", "conn", c.ID, "type", out.Type, "error", err)
	}
}

func (s *Server) writeLoop(c *session.Conn, ws *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer c.Drain()

	for {
		select {
		case env := <-c.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := ws.WriteMessage(websocket.TextMessage, env.Payload)
			if err != nil {
				env.Ack(errs.Transient("gateway.write", err))
				c.Close("write_error")
				_ = ws.Close()
				return
			}
			env.Ack(nil)
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				c.Close("ping_failed")
				_ = ws.Close()
				return
			}
		case <-c.Done():
			s.sendClose(ws, c.CloseReason())
			return
		case <-s.ctx.Done():
			c.Close("shutdown")
			s.sendClose(ws, "shutdown")
			return
		}
	}
}

// sendClose tells the client why and unblocks the reader.
func (s *Server) sendClose(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(closeCode(reason), reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
	_ = ws.Close()
}

// Shutdown closes every socket and waits for their goroutines until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeCode(reason string) int {
	switch reason {
	case "shutdown":
		return websocket.CloseGoingAway
	case "slow_consumer", "heartbeat_timeout":
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseNormalClosure
}
