// Package codec holds the payload codecs used on the wire.
//
// Every codec must produce output that never contains the frame terminator
// byte 0x0A; the framer in internal/wire relies on that to split streams.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Default is the codec used when MESSAGE_PARSER_CLASS is unset.
const Default = "json"

// Codec serializes values to line-safe bytes and back.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

var registry = map[string]Codec{
	"json":    jsonCodec{},
	"msgpack": msgpackCodec{},
}

// Get returns the codec registered under name (case-insensitive).
// An empty name selects the default.
func Get(name string) (Codec, error) {
	if name == "" {
		name = Default
	}
	c, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return c, nil
}

// Names returns the registered codec names, for error messages and docs.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// msgpackCodec wraps msgpack in standard base64. Raw msgpack output can
// contain 0x0A (the integer 10 encodes to that very byte), which would
// collide with the frame terminator; base64 text cannot.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

func (msgpackCodec) Decode(b []byte) (any, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(raw, b)
	if err != nil {
		return nil, err
	}
	var v any
	if err := msgpack.Unmarshal(raw[:n], &v); err != nil {
		return nil, err
	}
	return v, nil
}
