// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package keycodec implements deterministic, total-order-preserving
// encoding of scalar key components and compound keys to strings, so that
// lexicographic comparison on the encoded string agrees with the intended
// cross-type order: numbers < dates < strings, within each type by natural
// order, with negative numbers sorting below positive.
package keycodec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kvdoc/kvdoc"
)

// Sep is the fixed two-byte separator joining components of a compound key.
const Sep = "%&"

const exponentBias = 1024
const exponentDigits = 4

// EncodeScalar encodes a single key component (a number -- float64, int,
// int64 or json.Number --, a time.Time, or a string) into an
// order-preserving string. Any other type fails with kvdoc.InvalidKeyType.
func EncodeScalar(component any) (string, error) {
	switch v := component.(type) {
	case float64:
		return encodeNumber(v), nil
	case int:
		return encodeNumber(float64(v)), nil
	case int64:
		return encodeNumber(float64(v)), nil
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return "", kvdoc.WrapError(kvdoc.InvalidKeyType, err, "invalid numeric key component %q", string(v))
		}
		return encodeNumber(f), nil
	case time.Time:
		return "B" + encodeNumber(float64(v.UnixMilli())), nil
	case string:
		return "C" + v, nil
	default:
		return "", kvdoc.NewError(kvdoc.InvalidKeyType, "unsupported key component type %T", component)
	}
}

// encodeNumber implements an "A"-prefixed numeric scheme:
// zero/NaN/Inf are encoded as their literal string form;
// everything else is a biased, zero-padded exponent followed by the
// normalized mantissa, with negatives inverted so they still sort below
// positives and in natural order amongst themselves.
func encodeNumber(n float64) string {
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return "A" + formatLiteral(n)
	}

	neg := n < 0
	abs := math.Abs(n)

	e := canonicalExponent(abs)
	m := abs / math.Pow10(e)

	if !neg {
		return "A" + formatFixed(exponentBias+e, exponentDigits) + formatMantissa(m)
	}
	return "A-" + formatFixed(exponentBias-e, exponentDigits) + formatMantissa(10-m)
}

// canonicalExponent computes floor(log10(abs)) and nudges it to correct for
// floating point imprecision in math.Log10, so that 1 <= abs/10^e < 10
// always holds.
func canonicalExponent(abs float64) int {
	e := int(math.Floor(math.Log10(abs)))
	for abs/math.Pow10(e) >= 10 {
		e++
	}
	for abs/math.Pow10(e) < 1 {
		e--
	}
	return e
}

func formatMantissa(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

func formatLiteral(n float64) string {
	if math.IsNaN(n) {
		return "NaN"
	}
	if math.IsInf(n, 1) {
		return "Infinity"
	}
	if math.IsInf(n, -1) {
		return "-Infinity"
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func formatFixed(n, digits int) string {
	return fmt.Sprintf("%0*d", digits, n)
}

// EncodeCompound serializes each component of a compound key with
// EncodeScalar and joins the results with Sep.
func EncodeCompound(components []any) (string, error) {
	parts := make([]string, len(components))
	for i, c := range components {
		s, err := EncodeScalar(c)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return strings.Join(parts, Sep), nil
}

// Encode encodes either a single scalar component or, if components has
// more than one element, a compound key.
func Encode(components ...any) (string, error) {
	if len(components) == 1 {
		return EncodeScalar(components[0])
	}
	return EncodeCompound(components)
}

// Less reports whether encoded key a sorts before encoded key b. It is a
// thin wrapper over a plain byte-wise string compare, the same order the
// in-memory engine's index trees apply to their keys.
func Less(a, b string) bool {
	return a < b
}

// FormListOfKeys normalizes a single key (or an array of keys, for a
// compound keypath of the given arity) into a list of component-slices,
// one per key. arity is 1 for a scalar keypath, >=2 for a compound one.
//
// keyOrKeys is either:
//   - a single component (arity 1): []any{keyOrKeys}
//   - a []any of exactly `arity` components (a single compound key)
//   - a [][]any / []any-of-[]any (several compound keys)
//
// Any shape mismatch fails with kvdoc.InvalidKeyType.
func FormListOfKeys(keyOrKeys any, arity int) ([][]any, error) {
	if arity <= 1 {
		switch v := keyOrKeys.(type) {
		case []any:
			// Ambiguous only when arity is 1: treat a slice as a batch of
			// scalar keys, matching "array of keys" semantics.
			out := make([][]any, len(v))
			for i, k := range v {
				out[i] = []any{k}
			}
			return out, nil
		default:
			return [][]any{{v}}, nil
		}
	}

	asCompound := func(v []any) ([]any, error) {
		if len(v) != arity {
			return nil, kvdoc.NewError(kvdoc.InvalidKeyType, "key shape mismatch: expected %d components, got %d", arity, len(v))
		}
		return v, nil
	}

	switch v := keyOrKeys.(type) {
	case []any:
		if len(v) == arity {
			if _, ok := v[0].([]any); !ok {
				k, err := asCompound(v)
				if err != nil {
					return nil, err
				}
				return [][]any{k}, nil
			}
		}
		out := make([][]any, len(v))
		for i, elem := range v {
			sub, ok := elem.([]any)
			if !ok {
				return nil, kvdoc.NewError(kvdoc.InvalidKeyType, "key shape mismatch: expected compound key at index %d", i)
			}
			k, err := asCompound(sub)
			if err != nil {
				return nil, err
			}
			out[i] = k
		}
		return out, nil
	default:
		return nil, kvdoc.NewError(kvdoc.InvalidKeyType, "key shape mismatch: expected a compound key of %d components", arity)
	}
}
