package instrument

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrBadArgument is returned by the Args accessors on a type mismatch.
var ErrBadArgument = errors.New("bad argument")

// Args holds the keyword arguments of an action. Values decoded from JSON
// arrive as float64, string, bool, []any or map[string]any.
type Args map[string]any

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrBadArgument, key, v)
}

func (a Args) Int(key string, def int) (int, error) {
	f, err := a.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrBadArgument, key, f)
	}
	// float64(math.MaxInt) rounds up to 2^63, which is already out of range.
	if f < float64(math.MinInt) || f >= float64(math.MaxInt) {
		return 0, fmt.Errorf("%w: %s out of range, got %v", ErrBadArgument, key, f)
	}
	return int(f), nil
}

func (a Args) String(key, def string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrBadArgument, key, v)
	}
	return s, nil
}

func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a bool, got %T", ErrBadArgument, key, v)
	}
	return b, nil
}

// Duration accepts either a number of seconds or a Go duration string.
func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrBadArgument, key, err)
		}
		return d, nil
	}
	f, err := a.Float(key, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

// Clone returns a shallow copy so callers cannot mutate an enqueued action's arguments.
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
