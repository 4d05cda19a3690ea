// Package gateway owns the WebSocket surface of the relay: it upgrades
// connections, walks them through authentication, and fans published
// messages out to channel subscribers.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamrelay/streamrelay/internal/entity"
	"github.com/streamrelay/streamrelay/internal/observability"
	"github.com/streamrelay/streamrelay/internal/quota"
	"github.com/streamrelay/streamrelay/internal/ratelimit"
	"github.com/streamrelay/streamrelay/internal/token"
	"github.com/streamrelay/streamrelay/internal/usage"
)

// Sentinel errors shared with the HTTP publish endpoint.
var (
	ErrInvalidCredentials = errors.New("gateway: invalid credentials")
	ErrServiceDisabled    = errors.New("gateway: service disabled")
	ErrMessageTooLarge    = errors.New("gateway: message too large")
	ErrInvalidParams      = errors.New("gateway: invalid parameters")
)

// Client-visible rejection strings. Credential failures share one message so
// callers cannot probe which part was wrong.
const (
	msgInvalidCredentials = "Invalid credentials"
	msgTooManyRequests    = "Too many requests"
	msgServiceDisabled    = "Service disabled"
	msgConnectionLimit    = "Connection limit exceeded"
	msgMessageTooLarge    = "Message too large"
	msgInvalidParams      = "Invalid parameters"
	msgInvalidFormat      = "Invalid message format"
)

const accountingTimeout = 5 * time.Second

// Config tunes per-connection behavior.
type Config struct {
	// MaxFrameBytes caps one inbound frame; larger frames close the socket.
	MaxFrameBytes int64
	// IdleTimeout closes sockets with no inbound traffic (pongs included).
	IdleTimeout time.Duration
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
}

// Gateway terminates WebSocket connections and routes their frames.
type Gateway struct {
	cfg      Config
	region   string
	store    *entity.Store
	ledger   *usage.Ledger
	agg      *usage.Aggregator
	enforcer *quota.Enforcer
	disabled *quota.DisabledSet
	limiter  *ratelimit.FailureLimiter
	verifier token.Verifier
	router   *Router
	logger   *slog.Logger
	metrics  *observability.Metrics

	upgrader websocket.Upgrader
}

// New wires a gateway. The router is created internally and reachable via
// Router() for tests.
func New(
	cfg Config,
	region string,
	store *entity.Store,
	ledger *usage.Ledger,
	agg *usage.Aggregator,
	enforcer *quota.Enforcer,
	disabled *quota.DisabledSet,
	limiter *ratelimit.FailureLimiter,
	verifier token.Verifier,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Gateway {
	return &Gateway{
		cfg:      cfg,
		region:   region,
		store:    store,
		ledger:   ledger,
		agg:      agg,
		enforcer: enforcer,
		disabled: disabled,
		limiter:  limiter,
		verifier: verifier,
		router:   NewRouter(),
		logger:   logger.With("component", "gateway"),
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from tenant domains the relay cannot
			// enumerate; tokens carry the actual trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router exposes the fan-out router.
func (g *Gateway) Router() *Router { return g.router }

// ServeHTTP upgrades the request and runs the connection to completion.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newConn(uuid.NewString(), ws, remoteHost(r.RemoteAddr), r.URL.Query().Get("id"), g.cfg.SendBuffer)
	g.metrics.IncSocketsOpen()
	defer g.metrics.DecSocketsOpen()

	go c.writePump()

	// The connection id is the first thing a client sees; challenge-scheme
	// tokens are signed over it.
	c.trySend(connectionIDFrame(c.ID))

	g.readLoop(c)
	g.teardown(c)
}

func (g *Gateway) readLoop(c *Conn) {
	c.ws.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.trySend(errorFrame(msgInvalidFormat))
			continue
		}

		switch f.Type {
		case frameServerAuthenticate:
			g.handleServerAuthenticate(c, f)
		case frameAuthenticate:
			g.handleAuthenticate(c, f)
		case frameEmit:
			g.handleEmit(c, f)
		default:
			c.trySend(errorFrame(msgInvalidFormat))
		}
	}
}

// teardown releases the connection and, for authenticated subscribers,
// reverses the connection accounting exactly once.
func (g *Gateway) teardown(c *Conn) {
	c.close(func() {
		if !c.authenticated {
			return
		}
		g.router.Unsubscribe(c.server.ID, c.channel, c)
		g.metrics.DecActiveConnections()

		if !c.counted {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
		defer cancel()
		if err := g.ledger.RemoveConnection(ctx, c.server.ID); err != nil {
			g.logger.Error("connection accounting failed", "server", c.server.ID, "error", err)
		}
	})
}

// handleServerAuthenticate authenticates a publisher with the server's own
// password.
func (g *Gateway) handleServerAuthenticate(c *Conn, f frame) {
	if g.limiter.Blocked(c.remoteAddr) {
		g.metrics.IncRateLimited()
		c.trySend(errorFrame(msgTooManyRequests))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()

	srv, err := g.store.Server(ctx, f.ServerID)
	if err != nil || subtle.ConstantTimeCompare([]byte(f.Password), []byte(srv.Password)) != 1 {
		g.authFailure(c)
		return
	}

	owner, err := g.store.User(ctx, srv.Owner)
	if err != nil {
		g.authFailure(c)
		return
	}

	if g.disabled.Disabled(srv.Owner) {
		c.trySend(authErrorFrame(msgServiceDisabled))
		return
	}

	c.server = srv
	c.owner = owner
	c.publisher = true
	c.trySend(serverAuthenticatedFrame())
}

// handleAuthenticate authenticates a subscriber with a tenant-minted token
// and joins it to the token's channel.
func (g *Gateway) handleAuthenticate(c *Conn, f frame) {
	if c.authenticated {
		c.trySend(errorFrame(msgInvalidParams))
		return
	}
	if g.limiter.Blocked(c.remoteAddr) {
		g.metrics.IncRateLimited()
		c.trySend(errorFrame(msgTooManyRequests))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), accountingTimeout)
	defer cancel()

	// The tenant id rides the upgrade query; older clients put it in the
	// frame instead.
	serverID := c.serverID
	if serverID == "" {
		serverID = f.ServerID
	}
	srv, err := g.store.Server(ctx, serverID)
	if err != nil {
		g.authFailure(c)
		return
	}

	// Clients must talk to the region that homes their server; counters for
	// a server live only in its home region. The rejection reads as a
	// credential failure so the socket cannot be used to map server ids to
	// regions.
	if srv.Region != g.region {
		g.logger.Info("cross-region authenticate refused",
			"server", srv.ID, "home", srv.Region, "local", g.region)
		g.authFailure(c)
		return
	}

	claims, err := g.verifier.Verify(f.Token, srv, c.ID)
	if err != nil {
		g.authFailure(c)
		return
	}

	owner, err := g.store.User(ctx, srv.Owner)
	if err != nil {
		g.authFailure(c)
		return
	}

	if g.disabled.Disabled(owner.Email) {
		c.trySend(authErrorFrame(msgServiceDisabled))
		return
	}

	limits := usage.LimitsFor(owner.Plan)
	if total := g.agg.Total(ctx, owner, usage.FieldConnections); total >= limits.Connections {
		g.enforcer.DisableOwner(owner.Email)
		c.trySend(authErrorFrame(msgConnectionLimit))
		return
	}

	if err := g.ledger.AddConnection(ctx, srv.ID); err != nil {
		g.logger.Error("connection accounting failed", "server", srv.ID, "error", err)
	} else {
		c.counted = true
	}

	c.server = srv
	c.owner = owner
	c.channel = claims.Channel
	c.authenticated = true
	g.router.Subscribe(srv.ID, claims.Channel, c)
	g.metrics.IncActiveConnections()
	g.metrics.IncConnectionsTotal()
}

// handleEmit relays a publisher's message to the channel's subscribers, then
// queues the metering.
func (g *Gateway) handleEmit(c *Conn, f frame) {
	if !c.publisher {
		c.trySend(errorFrame(msgInvalidCredentials))
		return
	}
	if f.Channel == "" || f.Event == "" {
		c.trySend(errorFrame(msgInvalidParams))
		return
	}

	if err := g.publish(c.server, c.owner, f.Channel, f.Event, f.Message, c.notify); err != nil {
		switch {
		case errors.Is(err, ErrServiceDisabled):
			c.trySend(errorFrame(msgServiceDisabled))
		case errors.Is(err, ErrMessageTooLarge):
			c.trySend(errorFrame(msgMessageTooLarge))
		default:
			c.trySend(errorFrame(msgInvalidParams))
		}
	}
}

// notify is the quota callback path back to a publisher connection.
func (c *Conn) notify(reason string) {
	c.trySend(errorFrame(reason))
}

// Emit publishes on behalf of the HTTP endpoint. The caller authenticates
// with the server password.
func (g *Gateway) Emit(ctx context.Context, serverID, password, channel, event string, message json.RawMessage) (int, error) {
	if channel == "" || event == "" {
		return 0, ErrInvalidParams
	}

	srv, err := g.store.Server(ctx, serverID)
	if err != nil || subtle.ConstantTimeCompare([]byte(password), []byte(srv.Password)) != 1 {
		return 0, ErrInvalidCredentials
	}
	owner, err := g.store.User(ctx, srv.Owner)
	if err != nil {
		return 0, ErrInvalidCredentials
	}

	n := g.router.Subscribers(serverID, channel)
	if err := g.publish(srv, owner, channel, event, message, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// publish is the shared relay path: deliver first, meter after.
func (g *Gateway) publish(srv *entity.Server, owner *entity.User, channel, event string, message json.RawMessage, notify quota.NotifyFunc) error {
	if g.disabled.Disabled(owner.Email) {
		return ErrServiceDisabled
	}

	size := int64(len(message))
	if size > usage.LimitsFor(owner.Plan).MessageSize {
		return ErrMessageTooLarge
	}

	n := g.router.Publish(srv.ID, channel, messageFrame(event, message))
	g.metrics.IncMessages()
	g.metrics.ObserveFanout(n)

	g.enforcer.RecordMessage(srv, owner, size, notify)
	return nil
}

// remoteHost strips the ephemeral port so failure throttling keys on the
// client address rather than one connection.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// authFailure records a failed credential check and answers the client.
// Crossing the failure ceiling flips the response to a throttle message.
func (g *Gateway) authFailure(c *Conn) {
	g.metrics.IncAuthFailures()
	if g.limiter.Fail(c.remoteAddr) {
		g.metrics.IncRateLimited()
		c.trySend(errorFrame(msgTooManyRequests))
		return
	}
	c.trySend(authErrorFrame(msgInvalidCredentials))
}
