// Package codec implements the Envelope wire format described in spec.md
// §4.1/§6.1: a protobuf-compatible schema with fixed field numbers, a
// type_url-tagged Any for the payload, and a Buffer wrapper for raw bytes.
//
// Encoding/decoding is done directly against protobuf's wire format via
// google.golang.org/protobuf/encoding/protowire rather than through
// generated message types, since no .proto file exists to run protoc
// against — the wire contract is fully specified by the fixed field
// numbers in spec.md §6.1.
package codec

import (
	"fmt"
	"reflect"
)

// Schema registers one structured payload type for a single Extension
// instance: how to marshal a Go value of this type onto the wire under
// TypeURL, and how to unmarshal the bytes back.
type Schema struct {
	TypeURL   string
	Marshal   func(v interface{}) ([]byte, error)
	Unmarshal func([]byte) (interface{}, error)
}

// Codec carries the union of schemas registered for one Extension, plus
// the always-present raw-bytes Buffer fallback (spec.md §4.1).
type Codec struct {
	byGoType map[reflect.Type]Schema
	byURL    map[string]Schema
}

// New builds a Codec. schemas may be empty — in that case every payload is
// treated as raw bytes via the Buffer wrapper (raw-buffer mode).
func New(schemas ...Schema) *Codec {
	c := &Codec{
		byGoType: make(map[reflect.Type]Schema),
		byURL:    make(map[string]Schema),
	}
	buffer := Schema{
		TypeURL: TypeURLBuffer,
		Marshal: func(v interface{}) ([]byte, error) {
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("codec: %T is not []byte", v)
			}
			return marshalBuffer(b), nil
		},
		Unmarshal: func(b []byte) (interface{}, error) {
			return unmarshalBuffer(b)
		},
	}
	c.byGoType[reflect.TypeOf([]byte(nil))] = buffer
	c.byURL[TypeURLBuffer] = buffer

	for _, s := range schemas {
		c.Register(s)
	}
	return c
}

// Register adds or replaces a schema after construction.
func (c *Codec) Register(s Schema) {
	// byGoType is populated lazily from Marshal's first successful call site
	// is not possible without a sample value, so callers that want Send to
	// auto-detect their struct type should pass one through RegisterType.
	c.byURL[s.TypeURL] = s
}

// RegisterType is like Register but also binds s to the Go type of sample,
// so Encode can dispatch on the dynamic type of an outgoing payload.
func (c *Codec) RegisterType(sample interface{}, s Schema) {
	c.byGoType[reflect.TypeOf(sample)] = s
	c.byURL[s.TypeURL] = s
}

// Encode serializes an Envelope carrying payload (a []byte, or a value
// registered via RegisterType) plus id/oneway/wireErr onto the wire.
func (c *Codec) Encode(id [32]byte, payload interface{}, oneway bool, wireErr *WireError) ([]byte, error) {
	any, err := c.encodeAny(payload)
	if err != nil {
		return nil, err
	}
	env := Envelope{ID: id, Data: any, Options: WireOptions{Oneway: oneway}, Error: wireErr}
	return marshalEnvelope(env), nil
}

func (c *Codec) encodeAny(payload interface{}) (Any, error) {
	if payload == nil {
		return Any{TypeURL: TypeURLBuffer}, nil
	}
	schema, ok := c.byGoType[reflect.TypeOf(payload)]
	if !ok {
		if b, isBytes := payload.([]byte); isBytes {
			return Any{TypeURL: TypeURLBuffer, Value: marshalBuffer(b)}, nil
		}
		return Any{}, fmt.Errorf("codec: no schema registered for %T", payload)
	}
	value, err := schema.Marshal(payload)
	if err != nil {
		return Any{}, fmt.Errorf("codec: marshal %s: %w", schema.TypeURL, err)
	}
	return Any{TypeURL: schema.TypeURL, Value: value}, nil
}

// Decoded is the result of a Decode call.
type Decoded struct {
	ID      [32]byte
	Payload interface{}
	Oneway  bool
	Err     *WireError
	// DecodeErr is set when the envelope itself parsed but its Any payload
	// carried an unregistered type_url or malformed value bytes (spec.md
	// §9: "unknown tags yield an error response with code==ERR_SYSTEM").
	// ID and Oneway are still valid in this case so the caller can reply.
	DecodeErr error
}

// Decode parses b into a Decoded value. Per spec.md §4.1, bytes that do
// not even parse as an Envelope decode to an empty, zero-value Decoded
// with ok=false rather than an error — callers (Extension.onMessage)
// treat that as an unsolicited unparseable frame and drop it with a
// logged warning. Bytes that parse as an Envelope but carry an
// unrecognized payload type_url return ok=true with DecodeErr set.
func (c *Codec) Decode(b []byte) (Decoded, bool) {
	env, err := unmarshalEnvelope(b)
	if err != nil {
		return Decoded{}, false
	}
	d := Decoded{ID: env.ID, Oneway: env.Options.Oneway, Err: env.Error}
	payload, err := c.decodeAny(env.Data)
	if err != nil {
		d.DecodeErr = err
		return d, true
	}
	d.Payload = payload
	return d, true
}

func (c *Codec) decodeAny(any Any) (interface{}, error) {
	schema, ok := c.byURL[any.TypeURL]
	if !ok {
		return nil, fmt.Errorf("codec: unknown type_url %q", any.TypeURL)
	}
	return schema.Unmarshal(any.Value)
}
