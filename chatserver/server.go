// Package chatserver exposes the chat core over WebSocket: the handshake
// gateway, per-connection transports and handlers, and the Server that ties
// them to a listener and the inactivity sweeper.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-chat-server/config"
	"github.com/cyberinferno/go-chat-server/delivery"
	"github.com/cyberinferno/go-chat-server/history"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/cyberinferno/go-chat-server/registry"
	"github.com/cyberinferno/go-chat-server/sweeper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Server accepts chat connections on Addr and runs the inactivity sweeper.
type Server struct {
	Logger   logger.Logger
	Name     string
	Addr     string
	Listener net.Listener
	Running  atomic.Bool
	Engine   *delivery.Engine
	Gateway  *Gateway
	Sweeper  *sweeper.Sweeper

	httpServer *http.Server
}

// Option adjusts the components New builds.
type Option func(*options)

type options struct {
	clock registry.Clock
}

// WithClock makes the registry read time from c.
func WithClock(c registry.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// New wires a registry, general channel, delivery engine, gateway and
// sweeper from cfg. The server listens on cfg.Addr() unless Addr is changed
// before Start.
func New(cfg config.Config, log logger.Logger, opts ...Option) *Server {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	regOpts := []registry.Option{registry.WithHistoryCapacity(cfg.PeerHistoryCap)}
	if o.clock != nil {
		regOpts = append(regOpts, registry.WithClock(o.clock))
	}

	reg := registry.New(regOpts...)
	engine := delivery.New(reg, history.NewChannel(cfg.GeneralHistoryCap), log,
		delivery.WithMaxContentLength(cfg.MaxContentLength))

	return &Server{
		Logger: log,
		Name:   cfg.ServiceName,
		Addr:   cfg.Addr(),
		Engine: engine,
		Gateway: NewGateway(engine, GatewayConfig{
			SendQueueSize:   cfg.SendQueueSize,
			HandshakeLimit:  cfg.HandshakeLimit,
			HandshakeWindow: cfg.HandshakeWindow,
		}, log),
		Sweeper: sweeper.New(engine, cfg.SweepInterval, cfg.IdleTimeout, log),
	}
}

// Start binds Addr. Connections are served once Run is called.
//
// Returns:
//   - An error if the server is already running or the listen fails
func (s *Server) Start() error {
	if s.Running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Run serves connections and sweeps idle users until ctx is cancelled or
// serving fails, then stops the server. It calls Start if needed.
func (s *Server) Run(ctx context.Context) error {
	if !s.Running.Load() {
		if err := s.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.httpServer.Serve(s.Listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serve: %w", err)
	})

	g.Go(func() error {
		return s.Sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		return nil
	})

	return g.Wait()
}

// Stop closes the listener, disconnects every session and waits briefly for
// the connection handlers to exit. It is safe to call when not running.
func (s *Server) Stop() {
	if !s.Running.CompareAndSwap(true, false) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Warn("http shutdown", logger.Field{Key: "error", Value: err.Error()})
	}

	// Shutdown only closes listeners that reached Serve.
	_ = s.Listener.Close()

	names := s.Gateway.CloseAll()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name), logger.Field{Key: "disconnected", Value: len(names)})
}

// ListenAddr returns the bound address, or "" before Start.
func (s *Server) ListenAddr() string {
	if s.Listener == nil {
		return ""
	}

	return s.Listener.Addr().String()
}
