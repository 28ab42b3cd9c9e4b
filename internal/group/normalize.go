package group

import (
	"fmt"
	"math"
)

// Normalize turns a capacity spec into a Capacity.
//
// Accepted shapes:
//   - nil: unbounded hard and soft
//   - an integer N: hard=N, soft unbounded
//   - a two-element sequence [hard, soft], either element may be nil
//   - a mapping with optional "hard" and "soft" keys
//   - a Capacity or *Capacity
func Normalize(spec any) (Capacity, error) {
	switch v := spec.(type) {
	case nil:
		return Capacity{}, nil
	case Capacity:
		return v, v.validate()
	case *Capacity:
		if v == nil {
			return Capacity{}, nil
		}
		return *v, v.validate()
	case []any:
		if len(v) != 2 {
			return Capacity{}, fmt.Errorf("%w: expected [hard, soft], got %d elements", ErrInvalidCapacity, len(v))
		}
		return fromPair(v[0], v[1])
	case []int:
		if len(v) != 2 {
			return Capacity{}, fmt.Errorf("%w: expected [hard, soft], got %d elements", ErrInvalidCapacity, len(v))
		}
		return fromPair(v[0], v[1])
	case map[string]any:
		for k := range v {
			if k != "hard" && k != "soft" {
				return Capacity{}, fmt.Errorf("%w: unknown key %q", ErrInvalidCapacity, k)
			}
		}
		return fromPair(v["hard"], v["soft"])
	}

	n, err := limit(spec)
	if err != nil {
		return Capacity{}, err
	}
	return Capacity{Hard: n}, nil
}

func fromPair(hard, soft any) (Capacity, error) {
	h, err := limit(hard)
	if err != nil {
		return Capacity{}, fmt.Errorf("hard: %w", err)
	}
	s, err := limit(soft)
	if err != nil {
		return Capacity{}, fmt.Errorf("soft: %w", err)
	}
	return Capacity{Hard: h, Soft: s}, nil
}

// limit converts a single axis value. nil means unbounded.
func limit(v any) (int, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d is out of range", ErrInvalidCapacity, x)
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidCapacity, x)
		}
		n = int64(x)
	default:
		return 0, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidCapacity, v, v)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidCapacity, n)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d is out of range", ErrInvalidCapacity, n)
	}
	return int(n), nil
}

func (c Capacity) validate() error {
	if c.Hard < 0 || c.Soft < 0 {
		return fmt.Errorf("%w: negative limit (hard=%d soft=%d)", ErrInvalidCapacity, c.Hard, c.Soft)
	}
	return nil
}
