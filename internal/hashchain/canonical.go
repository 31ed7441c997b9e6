// Package hashchain implements the Hash-Chain Store (HCS): the pure,
// I/O-free primitives that every other component uses to compute
// deterministic hashes over canonical JSON. No cryptographic primitive for
// the chain is used anywhere outside this package.
package hashchain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalJSON renders v deterministically: object keys are sorted
// lexicographically at every depth, array order is preserved, numbers are
// rendered in the shortest round-trip form produced by encoding/json, and
// any field absent from v never appears in the output. Feeding v through
// encoding/json first (rather than requiring callers to pass already-decoded
// maps) means struct `json:"...,omitempty"` tags give the "undefined fields
// are dropped" behavior the spec calls for.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json into a generic tree of
// map[string]any / []any / json.Number / string / bool / nil, using
// UseNumber so integers and floats keep their original textual form instead
// of being reparsed as float64.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalScalar(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := marshalScalar(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// marshalScalar encodes a leaf JSON value (string, json.Number, bool, nil)
// without HTML-escaping, so the same input always produces the same bytes.
func marshalScalar(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
