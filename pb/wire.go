// Package pb contains the wire messages exchanged between the payments
// services and stored in the event log. Codecs are hand-maintained against
// payments.proto using the protobuf wire format; field numbers are frozen
// and decoders skip unknown fields so old readers tolerate new writers.
package pb

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	return appendInt64(b, num, int64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// appendMessage embeds an already-encoded sub-message. Empty messages are
// still written when present is true, so "set but empty" survives a round trip.
func appendMessage(b []byte, num protowire.Number, msg []byte, present bool) []byte {
	if !present {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendStringMap writes one length-delimited entry per key using the
// standard map<string,string> encoding (key=1, value=2). Keys are sorted so
// encoding is deterministic, which keeps fingerprints and tests stable.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	if len(m) == 0 {
		return b
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeString(b []byte) (string, int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeMapEntry(b []byte) (key, val string, n int, err error) {
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", "", 0, protowire.ParseError(n)
	}
	for len(entry) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(entry)
		if tagLen < 0 {
			return "", "", 0, protowire.ParseError(tagLen)
		}
		entry = entry[tagLen:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(entry)
			if m < 0 {
				return "", "", 0, protowire.ParseError(m)
			}
			key = v
			entry = entry[m:]
		case num == 2 && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(entry)
			if m < 0 {
				return "", "", 0, protowire.ParseError(m)
			}
			val = v
			entry = entry[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, entry)
			if m < 0 {
				return "", "", 0, protowire.ParseError(m)
			}
			entry = entry[m:]
		}
	}
	return key, val, n, nil
}

// skipField discards a field of any wire type, including unknown ones.
func skipField(b []byte, num protowire.Number, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
