package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Arksine/moonraker-sub000/internal/gatewayerr"
)

// Value is the dynamic type a namespace record may hold: nil, bool, int64,
// float64, string, []any, or map[string]any. Tag-prefixed encoding matches
// original_source/moonraker/components/database.py's RECORD_ENCODE_FUNCS so
// a round trip always yields an equal value (spec §3, §8).
type Value = any

const (
	tagInt    byte = 'q'
	tagFloat  byte = 'd'
	tagBool   byte = '?'
	tagString byte = 's'
	tagList   byte = '['
	tagDict   byte = '{'
	tagNull   byte = 0
)

// encodeValue tag-prefixes value per spec §3/§6.
func encodeValue(v Value) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{tagNull}, nil
	case bool:
		b := byte(0)
		if t {
			b = 1
		}
		return []byte{tagBool, b}, nil
	case int:
		return encodeInt(int64(t)), nil
	case int64:
		return encodeInt(t), nil
	case float64:
		return encodeFloat(t), nil
	case string:
		return append([]byte{tagString}, []byte(t)...), nil
	case []any:
		// No explicit tag byte is prepended: JSON array/object encodings
		// are self-tagging since they always start with '[' or '{', which
		// are exactly tagList/tagDict (mirrors database.py's RECORD_ENCODE_FUNCS).
		body, err := json.Marshal(t)
		if err != nil {
			return nil, gatewayerr.DecodeError("store: encoding list", err)
		}
		return body, nil
	case map[string]any:
		body, err := json.Marshal(t)
		if err != nil {
			return nil, gatewayerr.DecodeError("store: encoding dict", err)
		}
		return body, nil
	default:
		return nil, gatewayerr.DecodeError(fmt.Sprintf("store: cannot encode value of type %T", v), nil)
	}
}

func encodeInt(i int64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagInt
	binary.LittleEndian.PutUint64(buf[1:], uint64(i))
	return buf
}

func encodeFloat(f float64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagFloat
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(f))
	return buf
}

// decodeValue reverses encodeValue. Unknown tags are rejected (spec §4.1).
func decodeValue(b []byte) (Value, error) {
	if len(b) == 0 {
		return nil, gatewayerr.DecodeError("store: empty encoded value", nil)
	}
	tag := b[0]
	switch tag {
	case tagNull:
		return nil, nil
	case tagBool:
		if len(b) < 2 {
			return nil, gatewayerr.DecodeError("store: truncated bool", nil)
		}
		return b[1] != 0, nil
	case tagInt:
		if len(b) < 9 {
			return nil, gatewayerr.DecodeError("store: truncated int", nil)
		}
		return int64(binary.LittleEndian.Uint64(b[1:9])), nil
	case tagFloat:
		if len(b) < 9 {
			return nil, gatewayerr.DecodeError("store: truncated float", nil)
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b[1:9])), nil
	case tagString:
		return string(b[1:]), nil
	case tagList:
		var out []any
		if err := decodeJSONPreservingNumbers(b, &out); err != nil {
			return nil, gatewayerr.DecodeError("store: decoding list", err)
		}
		return normalizeNumbers(out), nil
	case tagDict:
		var out map[string]any
		if err := decodeJSONPreservingNumbers(b, &out); err != nil {
			return nil, gatewayerr.DecodeError("store: decoding dict", err)
		}
		return normalizeNumbers(out), nil
	default:
		return nil, gatewayerr.DecodeError(fmt.Sprintf("store: unknown value tag %q", tag), nil)
	}
}

// decodeJSONPreservingNumbers decodes into out using json.Number instead of
// the default float64 so normalizeNumbers can tell "7" from "7.0" apart —
// plain json.Unmarshal into interface{} always collapses both to float64,
// which would silently turn nested integers into floats on every round
// trip through a list or dict.
func decodeJSONPreservingNumbers(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(out)
}

// normalizeNumbers walks a decoded list/dict replacing every json.Number
// with an int64 (no '.' or exponent in its literal) or a float64.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := t.Int64(); err == nil {
				return i
			}
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i, elem := range t {
			t[i] = normalizeNumbers(elem)
		}
		return t
	case map[string]any:
		for k, elem := range t {
			t[k] = normalizeNumbers(elem)
		}
		return t
	default:
		return v
	}
}
