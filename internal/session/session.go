// Package session owns the per-client read loops and the client registry
// with its admission gate.
package session

import (
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hakiKhuva/pumpduler/internal/hub"
	"github.com/hakiKhuva/pumpduler/internal/metrics"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// Session owns one client socket: it runs the read loop, reassembles
// frames, dispatches action verbs and writes replies.
type Session struct {
	id        int64
	conn      net.Conn
	registry  *Registry
	log       zerolog.Logger
	connected float64 // seconds since epoch
	limiter   *rate.Limiter

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	closeOnce sync.Once
}

// SessionID identifies the session in logs.
func (s *Session) SessionID() int64 { return s.id }

// Connected returns the accept timestamp in seconds since epoch.
func (s *Session) Connected() float64 { return s.connected }

// BytesSent returns the cumulative bytes written to the socket.
func (s *Session) BytesSent() int64 { return s.bytesSent.Load() }

// BytesReceived returns the cumulative bytes read from the socket.
func (s *Session) BytesReceived() int64 { return s.bytesReceived.Load() }

// SendFrame writes one already-framed message to the socket. A single Write
// of a whole frame is relied on for atomicity with respect to concurrent
// broadcasts; there is no per-session send mutex.
func (s *Session) SendFrame(frame []byte) error {
	n, err := s.conn.Write(frame)
	if n > 0 {
		s.bytesSent.Add(int64(n))
		metrics.AddBytesSent(n)
	}
	return err
}

// sendMessage frames and sends one {type, data} envelope. Send errors are
// logged only; the read loop notices a dead peer on its own.
func (s *Session) sendMessage(msgType string, data any) {
	frame, err := s.registry.framer.EncodeMessage(msgType, data)
	if err != nil {
		s.log.Error().Err(err).Str("type", msgType).Msg("Reply encode failed")
		return
	}
	if err := s.SendFrame(frame); err != nil {
		s.log.Warn().Err(err).Str("type", msgType).Msg("Reply send failed")
	}
}

// close shuts the socket down. Idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// readLoop reads chunks of up to readSize bytes, splits them into frames
// and dispatches each decoded request. A zero-length read or a connection
// error ends the session; removal from the registry is the deferred last
// act.
func (s *Session) readLoop() {
	defer s.registry.Remove(s)

	buf := make([]byte, s.registry.opts.ReadSize)
	var residual []byte
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.bytesReceived.Add(int64(n))
			metrics.AddBytesReceived(n)
			var payloads [][]byte
			payloads, residual = wire.SplitStream(residual, buf[:n])
			for _, payload := range payloads {
				s.handlePayload(payload)
			}
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("Session read ended")
			return
		}
	}
}

// handlePayload decodes one frame and dispatches it. Malformed frames are
// logged and dropped; the session continues.
func (s *Session) handlePayload(payload []byte) {
	v, err := s.registry.framer.DecodeFrame(payload)
	if err != nil {
		metrics.IncFramesDropped("decode")
		s.log.Warn().Err(err).Msg("Frame dropped: decode failed")
		return
	}
	req, ok := v.(map[string]any)
	if !ok {
		metrics.IncFramesDropped("shape")
		s.log.Warn().Msg("Frame dropped: request is not an object")
		return
	}
	action, ok := req["action"].(string)
	if !ok {
		metrics.IncFramesDropped("shape")
		s.log.Warn().Msg("Frame dropped: missing action")
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		metrics.IncFramesDropped("rate")
		s.log.Warn().Str("action", action).Msg("Request dropped: rate limit")
		s.sendMessage(wire.TypeErrorMessage, map[string]any{"message": "Rate limit exceeded"})
		return
	}

	metrics.IncAction(action)
	switch action {
	case wire.ActionPing:
		s.sendMessage(wire.TypeMessage, "PONG")
	case wire.ActionSubscribe:
		name, ok := stringField(req, "channel_name")
		if !ok {
			s.dropMalformed(action)
			return
		}
		s.registry.hub.Subscribe(name, s)
	case wire.ActionUnsubscribe:
		name, ok := stringField(req, "channel_name")
		if !ok {
			s.dropMalformed(action)
			return
		}
		if err := s.registry.hub.Unsubscribe(name, s); err != nil {
			s.log.Warn().Err(err).Str("channel", name).Msg("Unsubscribe failed")
		}
	case wire.ActionInfo:
		s.sendMessage(wire.TypeMessage, s.registry.info())
	case wire.ActionPublish:
		name, ok := stringField(req, "channel_name")
		data, hasData := req["data"]
		if !ok || !hasData {
			s.dropMalformed(action)
			return
		}
		if err := s.registry.hub.Broadcast([]string{name}, wire.TypePublishedEvent, data); err != nil {
			s.log.Error().Err(err).Str("channel", name).Msg("Publish broadcast failed")
		}
	case wire.ActionAddTimeEvent:
		name, ok := stringField(req, "channel_name")
		execAt, okTS := numberField(req, "exec_timestamp")
		data, hasData := req["data"]
		if !ok || !okTS || !hasData {
			s.dropMalformed(action)
			return
		}
		s.registry.sched.Add(name, data, execAt)
	default:
		s.log.Info().Str("action", action).Msg("Unknown action requested")
		s.sendMessage(wire.TypeErrorMessage, map[string]any{"message": "Unknown action: " + action})
	}
}

func (s *Session) dropMalformed(action string) {
	metrics.IncFramesDropped("fields")
	s.log.Warn().Str("action", action).Msg("Frame dropped: missing required fields")
}

func stringField(req map[string]any, key string) (string, bool) {
	v, ok := req[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// numberField accepts the numeric types the codecs produce: float64 from
// JSON, the integer widths from msgpack.
func numberField(req map[string]any, key string) (float64, bool) {
	switch n := req[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func epochSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func round4(f float64) float64 { return math.Round(f*1e4) / 1e4 }

var _ hub.Subscriber = (*Session)(nil)
