// Package bridge ingests broker messages and fans them out through the hub:
// a NATS subject under the configured prefix maps to a channel, and each
// message is broadcast to it as a published_event.
package bridge

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hakiKhuva/pumpduler/internal/codec"
	"github.com/hakiKhuva/pumpduler/internal/hub"
	"github.com/hakiKhuva/pumpduler/internal/wire"
)

// Options configures the bridge connection.
type Options struct {
	URL           string
	SubjectPrefix string
}

// Bridge holds the NATS connection and its wildcard subscription.
type Bridge struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	opts Options
	hub  *hub.Registry
	cod  codec.Codec
	log  zerolog.Logger
}

// New connects to NATS and subscribes to "<prefix>.>". Message payloads are
// decoded with the server codec; decode failures are logged and dropped.
// Broadcasts run on the NATS delivery goroutine.
func New(opts Options, h *hub.Registry, c codec.Codec, log zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		opts: opts,
		hub:  h,
		cod:  c,
		log:  log.With().Str("component", "bridge").Logger(),
	}

	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	b.nc = nc

	sub, err := nc.Subscribe(opts.SubjectPrefix+".>", b.handle)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.sub = sub

	b.log.Info().Str("url", opts.URL).Str("prefix", opts.SubjectPrefix).Msg("NATS bridge connected")
	return b, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	channel := ChannelFromSubject(b.opts.SubjectPrefix, msg.Subject)
	if channel == "" {
		return
	}
	v, err := b.cod.Decode(msg.Data)
	if err != nil {
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Bridge message dropped: decode failed")
		return
	}
	if err := b.hub.Broadcast([]string{channel}, wire.TypePublishedEvent, v); err != nil {
		b.log.Error().Err(err).Str("channel", channel).Msg("Bridge broadcast failed")
	}
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Close()
}

// ChannelFromSubject maps a broker subject to a channel name by stripping
// the "<prefix>." lead. Subjects outside the prefix, or with an empty
// remainder, map to "".
func ChannelFromSubject(prefix, subject string) string {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return ""
	}
	return rest
}
