package chatserver

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cyberinferno/go-chat-server/delivery"
	"github.com/cyberinferno/go-chat-server/idgenerator"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/cyberinferno/go-chat-server/protocol"
	"github.com/cyberinferno/go-chat-server/safemap"
	"github.com/gorilla/websocket"
)

// Handshake rejection bodies, sent as plain text.
const (
	reasonEmptyName     = "empty user name"
	reasonReservedName  = "reserved user name"
	reasonNameTooLong   = "user name too long"
	reasonAlreadyInUse  = "user already connected"
	reasonTooManyTries  = "too many connection attempts"
	reasonShuttingDown  = "server shutting down"
	nameQueryParameter  = "name"
	defaultSendQueue    = 256
	connectionDrainTime = 5 * time.Second
)

// GatewayConfig tunes a Gateway.
type GatewayConfig struct {
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int
	// HandshakeLimit is the number of upgrade attempts allowed per remote
	// host within HandshakeWindow. Zero disables the throttle.
	HandshakeLimit  int
	HandshakeWindow time.Duration
}

// Gateway accepts WebSocket upgrades, validates the requested display name
// and runs one connection handler per accepted peer.
type Gateway struct {
	engine    *delivery.Engine
	logger    logger.Logger
	upgrader  websocket.Upgrader
	throttle  *throttle
	queueSize int

	// Connections holds every live connection by id.
	Connections *safemap.SafeMap[uint64, *Conn]
	ids         idgenerator.Generator
	wg          sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// NewGateway returns a Gateway that registers peers through engine.
func NewGateway(engine *delivery.Engine, cfg GatewayConfig, log logger.Logger) *Gateway {
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}

	return &Gateway{
		engine: engine,
		logger: log.With(logger.Field{Key: "component", Value: "gateway"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		throttle:    newThrottle(cfg.HandshakeLimit, cfg.HandshakeWindow),
		queueSize:   queueSize,
		Connections: safemap.NewSafeMap[uint64, *Conn](),
	}
}

// ServeHTTP implements http.Handler. Requests are accepted on any path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr
	if g.isClosing() {
		g.reject(w, http.StatusServiceUnavailable, reasonShuttingDown, "", remote)
		return
	}

	if !g.throttle.Allow(remoteHost(remote)) {
		g.reject(w, http.StatusTooManyRequests, reasonTooManyTries, "", remote)
		return
	}

	name := r.URL.Query().Get(nameQueryParameter)
	if reason := validateName(name); reason != "" {
		g.reject(w, http.StatusBadRequest, reason, name, remote)
		return
	}

	if g.engine.Registry().IsConnected(name) {
		g.reject(w, http.StatusBadRequest, reasonAlreadyInUse, name, remote)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed",
			logger.Field{Key: "remote_addr", Value: remote},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}

	id := g.ids.Next()
	connLog := g.logger.With(
		logger.Field{Key: "conn_id", Value: id},
		logger.Field{Key: "user", Value: name},
		logger.Field{Key: "remote_addr", Value: remote})
	transport := newWSTransport(ws, g.queueSize, connLog)

	c := &Conn{
		id:         id,
		name:       name,
		remoteAddr: remote,
		ws:         ws,
		transport:  transport,
		engine:     g.engine,
		logger:     connLog,
	}

	if !g.track(c) {
		connLog.Info("connection closed during shutdown")
		transport.closeWithReason(websocket.CloseGoingAway, reasonShuttingDown)
		transport.wait()
		return
	}
	defer g.untrack(c)

	// The registry is the authority on uniqueness; the check above only
	// avoids upgrading requests that are certain to fail.
	reconnected, err := g.engine.Join(name, transport, remote)
	if err != nil {
		connLog.Info("connection rejected after upgrade", logger.Field{Key: "error", Value: err.Error()})
		transport.closeWithReason(websocket.ClosePolicyViolation, reasonAlreadyInUse)
		transport.wait()
		return
	}

	connLog.Info("user connected", logger.Field{Key: "reconnected", Value: reconnected})

	c.serve()
}

// CloseAll disconnects every session and waits up to a few seconds for the
// connection handlers to finish. Later handshakes are refused with 503.
//
// Returns:
//   - The names that were disconnected
func (g *Gateway) CloseAll() []string {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	names := g.engine.DisconnectAll()

	// A handler that joins after DisconnectAll still owns a tracked
	// transport; closing it ends the read loop and the session.
	for _, c := range g.Connections.Values() {
		_ = c.transport.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(connectionDrainTime):
		g.logger.Warn("connections still open after shutdown",
			logger.Field{Key: "count", Value: g.Connections.Len()})
	}

	return names
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// track adds c to the connection table unless CloseAll has started.
func (g *Gateway) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closing {
		return false
	}

	g.Connections.Store(c.id, c)
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *Conn) {
	g.Connections.Delete(c.id)
	g.wg.Done()
}

func (g *Gateway) reject(w http.ResponseWriter, status int, reason, name, remote string) {
	g.logger.Info("connection rejected",
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "user", Value: name},
		logger.Field{Key: "remote_addr", Value: remote})
	http.Error(w, reason, status)
}

func validateName(name string) string {
	switch {
	case name == "":
		return reasonEmptyName
	case name == protocol.GeneralChannel:
		return reasonReservedName
	case len(name) > protocol.MaxFieldLength:
		return reasonNameTooLong
	default:
		return ""
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}
