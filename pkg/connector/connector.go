// Package connector is the Go client for a pumpduler server. It speaks the
// terminator-framed wire protocol over TCP or unix sockets.
//
// The protocol carries no correlation ids, so the request/response helpers
// (Ping, Info) are only safe when no subscription traffic is interleaved on
// the same connection.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hakiKhuva/pumpduler/internal/codec"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// ErrClosed reports use of a closed connection.
var ErrClosed = errors.New("connector: connection closed")

// Message is one server-to-client envelope.
type Message struct {
	Type string
	Data any
}

// Option configures Dial.
type Option func(*options)

type options struct {
	codecName   string
	readSize    int
	dialTimeout time.Duration
}

// WithCodec selects the wire codec; it must match the server's.
func WithCodec(name string) Option { return func(o *options) { o.codecName = name } }

// WithReadSize caps the bytes read per socket read.
func WithReadSize(n int) Option { return func(o *options) { o.readSize = n } }

// WithDialTimeout bounds the connect.
func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// Conn is one client connection.
type Conn struct {
	conn   net.Conn
	framer *wire.Framer

	readMu   sync.Mutex
	buf      []byte
	residual []byte
	pending  [][]byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a pumpduler server. Network is "tcp" or "unix".
func Dial(network, addr string, opts ...Option) (*Conn, error) {
	o := options{codecName: codec.Default, readSize: 10240, dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	cod, err := codec.Get(o.codecName)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout(network, addr, o.dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn:   conn,
		framer: wire.NewFramer(cod),
		buf:    make([]byte, o.readSize),
		closed: make(chan struct{}),
	}, nil
}

// Close shuts the connection down. Idempotent; later calls return ErrClosed.
func (c *Conn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send frames and writes one request object.
func (c *Conn) send(req map[string]any) error {
	if c.isClosed() {
		return ErrClosed
	}
	frame, err := c.framer.EncodeFrame(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

// Subscribe joins a channel.
func (c *Conn) Subscribe(channel string) error {
	return c.send(map[string]any{"action": wire.ActionSubscribe, "channel_name": channel})
}

// Unsubscribe leaves a channel.
func (c *Conn) Unsubscribe(channel string) error {
	return c.send(map[string]any{"action": wire.ActionUnsubscribe, "channel_name": channel})
}

// Publish broadcasts data to a channel's subscribers.
func (c *Conn) Publish(channel string, data any) error {
	return c.send(map[string]any{"action": wire.ActionPublish, "channel_name": channel, "data": data})
}

// AddTimeEvent schedules data for broadcast on channel at execAt.
func (c *Conn) AddTimeEvent(channel string, execAt time.Time, data any) error {
	return c.AddTimeEventUnix(channel, float64(execAt.UnixNano())/1e9, data)
}

// AddTimeEventUnix is AddTimeEvent with a raw epoch-seconds timestamp.
func (c *Conn) AddTimeEventUnix(channel string, ts float64, data any) error {
	return c.send(map[string]any{
		"action":         wire.ActionAddTimeEvent,
		"channel_name":   channel,
		"exec_timestamp": ts,
		"data":           data,
	})
}

// Ping round-trips with the server: it sends a ping and reads messages
// until the PONG reply arrives.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.send(map[string]any{"action": wire.ActionPing}); err != nil {
		return err
	}
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if msg.Type == wire.TypeMessage {
			if s, ok := msg.Data.(string); ok && s == "PONG" {
				return nil
			}
		}
	}
}

// Info requests the server stats record and reads messages until the reply
// arrives.
func (c *Conn) Info(ctx context.Context) (map[string]any, error) {
	if err := c.send(map[string]any{"action": wire.ActionInfo}); err != nil {
		return nil, err
	}
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Type == wire.TypeMessage {
			if rec, ok := msg.Data.(map[string]any); ok {
				return rec, nil
			}
		}
	}
}

// Next blocks for the next server message. The ctx deadline is honored via
// read deadlines; expiry surfaces as ctx.Err().
func (c *Conn) Next(ctx context.Context) (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if len(c.pending) > 0 {
			payload := c.pending[0]
			c.pending = c.pending[1:]
			return c.parse(payload)
		}
		if c.isClosed() {
			return Message{}, ErrClosed
		}

		deadline, hasDeadline := ctx.Deadline()
		if hasDeadline {
			if err := c.conn.SetReadDeadline(deadline); err != nil {
				return Message{}, err
			}
		} else if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			return Message{}, err
		}

		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.pending, c.residual = appendPayloads(c.pending, c.residual, c.buf[:n])
		}
		if err != nil {
			if c.isClosed() {
				return Message{}, ErrClosed
			}
			if hasDeadline && errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			if n == 0 {
				return Message{}, err
			}
		}
	}
}

// Listen loops over Next, handing each message to fn, until ctx ends, the
// connection drops or fn returns an error.
func (c *Conn) Listen(ctx context.Context, fn func(Message) error) error {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func (c *Conn) parse(payload []byte) (Message, error) {
	v, err := c.framer.DecodeFrame(payload)
	if err != nil {
		return Message{}, err
	}
	msgType, data, err := wire.ParseEnvelope(v)
	if err != nil {
		return Message{}, fmt.Errorf("connector: %w", err)
	}
	return Message{Type: msgType, Data: data}, nil
}

func appendPayloads(pending [][]byte, residual, chunk []byte) ([][]byte, []byte) {
	payloads, rest := wire.SplitStream(residual, chunk)
	return append(pending, payloads...), rest
}
