package codec

import "google.golang.org/protobuf/encoding/protowire"

// Fixed field numbers for the Envelope schema (spec.md §6.1). These never
// change across protocol versions: both peers must agree on them without
// negotiation, so they are wired as untyped constants rather than generated
// from a .proto file (no protoc invocation happens anywhere in this module;
// encoding/decoding is done directly against protobuf's wire format via
// google.golang.org/protobuf/encoding/protowire).
const (
	fieldEnvelopeID      = protowire.Number(1)
	fieldEnvelopeData    = protowire.Number(2)
	fieldEnvelopeOptions = protowire.Number(3)
	fieldEnvelopeError   = protowire.Number(4)

	fieldAnyTypeURL = protowire.Number(1)
	fieldAnyValue   = protowire.Number(2)

	fieldOptionsOneway = protowire.Number(1)

	fieldErrorCode    = protowire.Number(1)
	fieldErrorMessage = protowire.Number(2)

	fieldBufferData = protowire.Number(1)
)

// TypeURLBuffer is the type_url used to wrap a raw byte payload so it can
// travel through the same Any-typed data field as a structured message.
const TypeURLBuffer = "dxos.protocol.Buffer"

// Any is the on-wire union envelope for Envelope.data: a type tag plus the
// serialized bytes of the tagged message.
type Any struct {
	TypeURL string
	Value   []byte
}

func marshalAny(a Any) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAnyTypeURL, protowire.BytesType)
	b = protowire.AppendString(b, a.TypeURL)
	b = protowire.AppendTag(b, fieldAnyValue, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Value)
	return b
}

func unmarshalAny(b []byte) (Any, error) {
	var a Any
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Any{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldAnyTypeURL:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Any{}, protowire.ParseError(m)
			}
			a.TypeURL = v
			b = b[m:]
		case fieldAnyValue:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Any{}, protowire.ParseError(m)
			}
			a.Value = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Any{}, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return a, nil
}

// WireOptions mirrors the `Options` message (spec.md §6.1).
type WireOptions struct {
	Oneway bool
}

func marshalOptions(o WireOptions) []byte {
	if !o.Oneway {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, fieldOptionsOneway, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	return b
}

func unmarshalOptions(b []byte) (WireOptions, error) {
	var o WireOptions
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return o, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldOptionsOneway:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return o, protowire.ParseError(m)
			}
			o.Oneway = protowire.DecodeBool(v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return o, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return o, nil
}

// WireError mirrors the `Error` message (spec.md §6.1).
type WireError struct {
	Code    string
	Message string
}

func marshalWireError(e *WireError) []byte {
	if e == nil {
		return nil
	}
	var b []byte
	if e.Code != "" {
		b = protowire.AppendTag(b, fieldErrorCode, protowire.BytesType)
		b = protowire.AppendString(b, e.Code)
	}
	if e.Message != "" {
		b = protowire.AppendTag(b, fieldErrorMessage, protowire.BytesType)
		b = protowire.AppendString(b, e.Message)
	}
	return b
}

func unmarshalWireError(b []byte) (*WireError, error) {
	e := &WireError{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldErrorCode:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			e.Code = v
			b = b[m:]
		case fieldErrorMessage:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			e.Message = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return e, nil
}

func marshalBuffer(data []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBufferData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func unmarshalBuffer(b []byte) ([]byte, error) {
	var out []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldBufferData:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return out, nil
}
