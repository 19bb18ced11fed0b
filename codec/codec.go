// Package codec parses and serializes the structured values carried by
// JSON-RPC messages. Decoded values use nil, bool, json.Number, string,
// []any and map[string]any; numbers keep their literal form so they
// reprint exactly as received.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// ErrIncomplete reports that the data holds only a prefix of a value.
var ErrIncomplete = errors.New("codec: incomplete value")

// Parse decodes text as exactly one structured value. Anything other than
// whitespace after the value is an error.
func Parse(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("codec: parse: %w", err)
	}
	if dec.More() {
		return nil, errors.New("codec: trailing garbage after value")
	}
	return v, nil
}

// DecodeFirst decodes the first complete value at the start of data and
// returns the number of bytes it consumed. It returns ErrIncomplete when
// data ends before the value does.
func DecodeFirst(data []byte) (any, int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, fmt.Errorf("codec: decode: %w", err)
	}
	return v, int(dec.InputOffset()), nil
}

// Encode serializes v as compact JSON with object keys sorted and without
// HTML escaping.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// String serializes v for logs and diagnostics, swallowing encode errors.
func String(v any) string {
	b, err := Encode(v)
	if err != nil {
		return fmt.Sprintf("<bad value: %v>", err)
	}
	return string(b)
}

// Clone returns a deep copy of v. Maps and slices are copied recursively;
// scalar values are immutable and shared.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = Clone(e)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, e := range x {
			s[i] = Clone(e)
		}
		return s
	default:
		return v
	}
}

// Equal reports whether two structured values are structurally equal.
// Numbers compare by literal, so 1 and 1.0 differ.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
