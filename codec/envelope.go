package codec

import "google.golang.org/protobuf/encoding/protowire"

// Envelope is the on-wire message every Extension exchanges (spec.md §3, §6.1).
type Envelope struct {
	ID      [32]byte
	Data    Any
	Options WireOptions
	Error   *WireError
}

// marshalEnvelope serializes env using the fixed Envelope field numbers.
func marshalEnvelope(env Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvelopeID, protowire.BytesType)
	b = protowire.AppendBytes(b, env.ID[:])

	b = protowire.AppendTag(b, fieldEnvelopeData, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalAny(env.Data))

	if opts := marshalOptions(env.Options); len(opts) > 0 {
		b = protowire.AppendTag(b, fieldEnvelopeOptions, protowire.BytesType)
		b = protowire.AppendBytes(b, opts)
	}

	if env.Error != nil {
		b = protowire.AppendTag(b, fieldEnvelopeError, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWireError(env.Error))
	}
	return b
}

// unmarshalEnvelope parses b into an Envelope. Unknown fields are skipped
// per standard protobuf forward-compatibility rules.
func unmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldEnvelopeID:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, protowire.ParseError(m)
			}
			copy(env.ID[:], v)
			b = b[m:]
		case fieldEnvelopeData:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, protowire.ParseError(m)
			}
			a, err := unmarshalAny(v)
			if err != nil {
				return Envelope{}, err
			}
			env.Data = a
			b = b[m:]
		case fieldEnvelopeOptions:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, protowire.ParseError(m)
			}
			o, err := unmarshalOptions(v)
			if err != nil {
				return Envelope{}, err
			}
			env.Options = o
			b = b[m:]
		case fieldEnvelopeError:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Envelope{}, protowire.ParseError(m)
			}
			e, err := unmarshalWireError(v)
			if err != nil {
				return Envelope{}, err
			}
			env.Error = e
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Envelope{}, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return env, nil
}
