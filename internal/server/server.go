// Package server binds the listener, runs the gated accept loop and wires
// the core together: codec, framer, hub, scheduler, session registry, plus
// the optional metrics endpoint, WebSocket gateway and NATS bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/hakiKhuva/pumpduler/internal/bridge"
	"github.com/hakiKhuva/pumpduler/internal/codec"
	"github.com/hakiKhuva/pumpduler/internal/config"
	"github.com/hakiKhuva/pumpduler/internal/hub"
	"github.com/hakiKhuva/pumpduler/internal/metrics"
	"github.com/hakiKhuva/pumpduler/internal/sched"
	"github.com/hakiKhuva/pumpduler/internal/session"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// Server is the assembled pub/sub daemon.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	framer   *wire.Framer
	hub      *hub.Registry
	sched    *sched.Scheduler
	registry *session.Registry
	gate     *session.Gate

	listener   net.Listener
	metricsSrv *metrics.Server
	gateway    *gateway
	bridge     *bridge.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires the core from cfg. The codec was validated at config load, but
// lookup errors still surface here for callers constructing configs by
// hand.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	c, err := codec.Get(cfg.MessageParserClass)
	if err != nil {
		return nil, err
	}
	framer := wire.NewFramer(c)
	h := hub.NewRegistry(framer, log)
	sc := sched.New(h.Broadcast, log)
	gate := session.NewGate()
	registry := session.NewRegistry(h, sc, framer, gate, session.Options{
		MaxClients:  cfg.MaxClients,
		ReadSize:    cfg.ReadSize,
		ActionRate:  cfg.MaxActionRate,
		ActionBurst: cfg.ActionBurst,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		framer:   framer,
		hub:      h,
		sched:    sc,
		registry: registry,
		gate:     gate,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Registry returns the session registry, for tests and the info surface.
func (s *Server) Registry() *session.Registry { return s.registry }

// Hub returns the channel registry.
func (s *Server) Hub() *hub.Registry { return s.hub }

// Scheduler returns the time-event scheduler.
func (s *Server) Scheduler() *sched.Scheduler { return s.sched }

// Addr returns the bound listener address, or nil before Start/Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GatewayAddr returns the WebSocket gateway address, or nil when disabled.
func (s *Server) GatewayAddr() net.Addr {
	if s.gateway == nil {
		return nil
	}
	return s.gateway.addr
}

// bind opens the configured listener: TCP when HOST and PORT are set (IP
// takes precedence), the unix domain socket otherwise.
func (s *Server) bind() (net.Listener, error) {
	if s.cfg.TCPBind() {
		addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("bind tcp %s: %w", addr, err)
		}
		return l, nil
	}
	if s.cfg.UnixSocketPath != "" {
		l, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			return nil, fmt.Errorf("bind unix %s: %w", s.cfg.UnixSocketPath, err)
		}
		return l, nil
	}
	return nil, errors.New("no bind target configured")
}

// Start binds per config, starts the optional surfaces and runs the accept
// loop in the background. Bind failures are fatal to the caller.
func (s *Server) Start() error {
	l, err := s.bind()
	if err != nil {
		return err
	}

	if s.cfg.MetricsAddr != "" {
		ms, err := metrics.Serve(s.cfg.MetricsAddr, s.cfg.MonitorInterval, s.log)
		if err != nil {
			l.Close()
			return err
		}
		s.metricsSrv = ms
	}
	if s.cfg.WSAddr != "" {
		gw, err := newGateway(s.cfg.WSAddr, s.registry, s.gate, s.log)
		if err != nil {
			l.Close()
			return err
		}
		s.gateway = gw
	}
	if s.cfg.NATSUrl != "" {
		br, err := bridge.New(bridge.Options{
			URL:           s.cfg.NATSUrl,
			SubjectPrefix: s.cfg.NATSSubjectPrefix,
		}, s.hub, s.framer.Codec(), s.log)
		if err != nil {
			l.Close()
			return err
		}
		s.bridge = br
	}

	s.listener = l
	go func() {
		if err := s.Serve(l); err != nil {
			s.log.Error().Err(err).Msg("Accept loop failed")
		}
	}()
	return nil
}

// Serve runs the accept loop on l until the listener closes or the server
// shuts down. Exposed so tests can bind ephemeral listeners.
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	defer close(s.done)
	s.log.Info().Str("addr", l.Addr().String()).Msg("Listening, waiting for clients")
	for {
		if err := s.gate.Wait(s.ctx); err != nil {
			return nil
		}
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := s.registry.Add(conn); err != nil {
			// Another admission path won the last slot between the
			// gate wait and this accept.
			s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Connection refused")
			_ = conn.Close()
		}
	}
}

// Shutdown stops accepting, tears down the optional surfaces, drops pending
// time events and closes every session, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	if s.gateway != nil {
		s.gateway.shutdown(ctx)
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.sched.Stop()
	err := s.registry.CloseAll(ctx)
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	s.log.Info().Msg("Server stopped")
	return err
}
