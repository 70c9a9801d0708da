// Package wire implements terminator framing on top of a codec: one encoded
// payload followed by a single 0x0A byte.
package wire

import (
	"bytes"
	"fmt"

	"github.com/hakiKhuva/pumpduler/internal/codec"
)

// Terminator ends every frame. Codecs guarantee it never appears inside an
// encoded payload.
const Terminator byte = '\n'

// Message types sent by the server.
const (
	TypeMessage        = "message"
	TypePublishedEvent = "published_event"
	TypeTimeEvent      = "time_event"
	TypeErrorMessage   = "error_message"
)

// Action verbs accepted from clients.
const (
	ActionPing         = "ping"
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionInfo         = "info"
	ActionPublish      = "publish"
	ActionAddTimeEvent = "add_time_event"
)

// CodecError wraps an encode or decode failure.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("codec %s: %v", e.Op, e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

// Envelope is the shape of every server-to-client message.
type Envelope struct {
	Type string `json:"type" msgpack:"type"`
	Data any    `json:"data" msgpack:"data"`
}

// Framer frames codec-encoded payloads.
type Framer struct {
	codec codec.Codec
}

func NewFramer(c codec.Codec) *Framer { return &Framer{codec: c} }

// Codec returns the underlying codec.
func (f *Framer) Codec() codec.Codec { return f.codec }

// EncodeFrame encodes v and appends the terminator.
func (f *Framer) EncodeFrame(v any) ([]byte, error) {
	b, err := f.codec.Encode(v)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	return append(b, Terminator), nil
}

// DecodeFrame decodes one payload. The terminator is already stripped by
// SplitStream.
func (f *Framer) DecodeFrame(payload []byte) (any, error) {
	v, err := f.codec.Decode(payload)
	if err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	return v, nil
}

// EncodeMessage frames the {"type": msgType, "data": data} envelope.
func (f *Framer) EncodeMessage(msgType string, data any) ([]byte, error) {
	return f.EncodeFrame(Envelope{Type: msgType, Data: data})
}

// ParseEnvelope pulls type and data out of a decoded server message.
func ParseEnvelope(v any) (msgType string, data any, err error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("envelope: not an object but %T", v)
	}
	msgType, ok = m["type"].(string)
	if !ok {
		return "", nil, fmt.Errorf("envelope: missing type")
	}
	return msgType, m["data"], nil
}

// SplitStream appends chunk to buffer and splits out complete payloads.
// Bytes after the last terminator are returned as the residual for the next
// call; a stream holding no terminator yields no payloads. Payloads are
// copied, so the caller may reuse chunk.
func SplitStream(buffer, chunk []byte) (payloads [][]byte, residual []byte) {
	buffer = append(buffer, chunk...)
	for {
		i := bytes.IndexByte(buffer, Terminator)
		if i < 0 {
			return payloads, buffer
		}
		payload := make([]byte, i)
		copy(payload, buffer[:i])
		payloads = append(payloads, payload)
		buffer = buffer[i+1:]
	}
}
