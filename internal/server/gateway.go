package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/hakiKhuva/pumpduler/internal/session"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// gateway is the optional WebSocket front door. Each upgraded connection is
// wrapped in a net.Conn adapter and admitted through the same registry as a
// TCP client: same verbs, same replies, same cleanup. One WebSocket text
// message carries one frame.
type gateway struct {
	srv      *http.Server
	addr     net.Addr
	registry *session.Registry
	gate     *session.Gate
	log      zerolog.Logger
}

func newGateway(addr string, registry *session.Registry, gate *session.Gate, log zerolog.Logger) (*gateway, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gw := &gateway{
		addr:     l.Addr(),
		registry: registry,
		gate:     gate,
		log:      log.With().Str("component", "gateway").Logger(),
	}
	gw.srv = &http.Server{Handler: http.HandlerFunc(gw.handle)}
	go func() {
		if err := gw.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gw.log.Error().Err(err).Msg("Gateway server failed")
		}
	}()
	gw.log.Info().Str("addr", l.Addr().String()).Msg("WebSocket gateway listening")
	return gw, nil
}

// handle upgrades one request. At capacity the gateway answers 503 instead
// of parking the HTTP handler on the gate. The gate check is only a fast
// path; the registry re-checks the cap under its own mutex, so a concurrent
// admission that takes the last slot turns this upgrade into a rejection.
func (g *gateway) handle(w http.ResponseWriter, r *http.Request) {
	if !g.gate.IsSet() {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if _, err := g.registry.Add(&wsConn{conn: conn}); err != nil {
		g.log.Warn().Err(err).Msg("WebSocket connection refused")
		_ = conn.Close()
	}
}

func (g *gateway) shutdown(ctx context.Context) {
	if err := g.srv.Shutdown(ctx); err != nil {
		g.log.Warn().Err(err).Msg("Gateway shutdown failed")
	}
}

// wsConn adapts a WebSocket connection to the stream interface the session
// read loop expects. Reads surface one message at a time with the frame
// terminator appended when the client omitted it; writes strip the
// terminator and send one text message per frame.
type wsConn struct {
	conn net.Conn
	rbuf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.rbuf) == 0 {
		data, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			return 0, err
		}
		if len(data) == 0 || data[len(data)-1] != wire.Terminator {
			data = append(data, wire.Terminator)
		}
		c.rbuf = data
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	payload := bytes.TrimSuffix(p, []byte{wire.Terminator})
	if err := wsutil.WriteServerText(c.conn, payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
