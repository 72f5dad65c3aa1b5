// Package docval handles JSON round-tripping of documents: decode with
// json.Number preservation so numeric key components survive the trip
// through storage without losing precision to float64 rounding.
package docval

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kvdoc/kvdoc"
	"github.com/kvdoc/kvdoc/schema"
)

// NewDecoder returns a *json.Decoder configured to preserve numbers as
// json.Number instead of float64.
func NewDecoder(r *bytes.Reader) *json.Decoder {
	d := json.NewDecoder(r)
	d.UseNumber()
	return d
}

// Unmarshal decodes bs into a schema.Document, preserving json.Number.
func Unmarshal(bs []byte) (schema.Document, error) {
	d := json.NewDecoder(bytes.NewReader(bs))
	d.UseNumber()
	var doc schema.Document
	if err := d.Decode(&doc); err != nil {
		return nil, kvdoc.WrapError(kvdoc.ParseError, err, "decoding document")
	}
	return doc, nil
}

// Marshal encodes doc to its canonical JSON form.
func Marshal(doc schema.Document) ([]byte, error) {
	bs, err := json.Marshal(doc)
	if err != nil {
		return nil, kvdoc.WrapError(kvdoc.StorageError, err, "encoding document")
	}
	return bs, nil
}

// escapedLineSeparator and escapedParagraphSeparator are the six-byte
// ASCII escapes encoding/json emits for U+2028/U+2029 inside a JSON
// string (Go has escaped both unconditionally since golang.org/issue/14630,
// so Marshal's output never contains their raw three-byte UTF-8 form).
// Some SQL drivers' JSON path/text functions still choke on the escape
// sequences themselves; this is the platform workaround StripLineSeparators
// applies.
const (
	escapedLineSeparator      = `\u2028`
	escapedParagraphSeparator = `\u2029`
)

// StripLineSeparators replaces the \u2028/\u2029 escapes in bs (assumed to
// be Marshal's output) with a plain space, for storage backends whose
// driver is known not to round-trip them cleanly.
func StripLineSeparators(bs []byte) []byte {
	if !bytes.Contains(bs, []byte(escapedLineSeparator)) && !bytes.Contains(bs, []byte(escapedParagraphSeparator)) {
		return bs
	}
	s := string(bs)
	s = strings.ReplaceAll(s, escapedLineSeparator, " ")
	s = strings.ReplaceAll(s, escapedParagraphSeparator, " ")
	return []byte(s)
}

// MarshalReplacingLineSeparators is Marshal followed by StripLineSeparators
// when replace is true, for backends whose requires_unicode_replacement
// capability flag is set.
func MarshalReplacingLineSeparators(doc schema.Document, replace bool) ([]byte, error) {
	bs, err := Marshal(doc)
	if err != nil {
		return nil, err
	}
	if replace {
		bs = StripLineSeparators(bs)
	}
	return bs, nil
}

// RoundTrip normalizes an arbitrary Go value (e.g. a caller-constructed
// map literal with int keys, or a struct) into a schema.Document by
// encoding to JSON and decoding it back with number preservation, turning
// arbitrary put() arguments into the document representation the engines
// expect.
func RoundTrip(v any) (schema.Document, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, kvdoc.WrapError(kvdoc.StorageError, err, "round-tripping value")
	}
	return Unmarshal(bs)
}

// AsFloat64 converts a decoded numeric value (json.Number or float64) to
// float64, for use by keycodec.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
