// Package cache provides content-addressed fingerprints and persistent storage
// for node results.
//
// A fingerprint identifies one computation: the node signature, its resolved
// inputs and the digests of every file input. Two nodes with equal
// fingerprints are interchangeable, so a stored Entry can stand in for a fresh
// execution.
package cache

import (
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical JSON encoding of v.
//
// encoding/json writes map keys in sorted order, so two values that are equal
// after normalization always encode to identical bytes regardless of the
// order in which their keys were inserted.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical value: %w", err)
	}
	return data, nil
}

// Normalize round-trips values through JSON.
//
// Outputs read back from a cache entry have gone through the same
// transformation, so normalizing fresh outputs makes them indistinguishable
// from cached ones: numbers become float64, slices become []any and structs
// become map[string]any. The result shares no memory with the argument.
func Normalize(values map[string]any) (map[string]any, error) {
	if values == nil {
		return map[string]any{}, nil
	}

	data, err := Canonical(values)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode normalized values: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Equal reports whether a and b have the same canonical encoding.
// A nil map equals an empty one.
func Equal(a, b map[string]any) (bool, error) {
	if a == nil {
		a = map[string]any{}
	}
	if b == nil {
		b = map[string]any{}
	}
	ab, err := Canonical(a)
	if err != nil {
		return false, err
	}
	bb, err := Canonical(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}
