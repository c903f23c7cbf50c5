package models

import (
	"encoding/json"
	"math"
)

// Optional is a value that may be absent. Absent values encode as JSON null.
type Optional[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

// FromPtr converts a nil-able pointer, as produced by config decoding.
func FromPtr[T any](p *T) Optional[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

// Present reports whether the value is set and, for floats, not NaN.
func (o Optional[T]) Present() bool {
	if !o.Set {
		return false
	}
	switch v := any(o.Value).(type) {
	case float64:
		return !math.IsNaN(v)
	case float32:
		return !math.IsNaN(float64(v))
	}
	return true
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = None[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Resolve returns the first present layer in priority order, or fallback
// when none is present. It is the "override ?? inherited ?? default" chain
// used for settings and per-user parameters.
func Resolve[T any](fallback T, layers ...Optional[T]) T {
	for _, layer := range layers {
		if layer.Present() {
			return layer.Value
		}
	}
	return fallback
}
