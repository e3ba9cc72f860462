package fabric

import "math"

// Integer covers every width the numeric atomic dispatch supports.
// Add/subtract on these wraps modulo 2^N, which is exactly what Go's
// built-in integer arithmetic already does.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

// MinInt compares operands as their declared type: signed types compare
// signed, unsigned types compare unsigned, because Go's operator set is
// already type-correct for both.
func MinInt[T Integer](a, b T) T {
	if b < a {
		return b
	}
	return a
}

func MaxInt[T Integer](a, b T) T {
	if b > a {
		return b
	}
	return a
}

// CompareAndSwap reports whether current equals expected, returning the
// replacement value to store and whether the swap should occur. The
// caller is expected to hold the hashed CAS lock for the target offset.
func CompareAndSwap[T comparable](current, expected, newVal T) (T, bool) {
	if current == expected {
		return newVal, true
	}
	return current, false
}

// MinFloat32 and MaxFloat32 implement IEEE comparison where NaN never
// replaces a non-NaN value: if the incoming operand is NaN the current
// value is kept; if the current value is NaN it is always replaced.
func MinFloat32(current, operand float32) float32 {
	switch {
	case isNaN32(current):
		return operand
	case isNaN32(operand):
		return current
	case operand < current:
		return operand
	default:
		return current
	}
}

func MaxFloat32(current, operand float32) float32 {
	switch {
	case isNaN32(current):
		return operand
	case isNaN32(operand):
		return current
	case operand > current:
		return operand
	default:
		return current
	}
}

func MinFloat64(current, operand float64) float64 {
	switch {
	case math.IsNaN(current):
		return operand
	case math.IsNaN(operand):
		return current
	case operand < current:
		return operand
	default:
		return current
	}
}

func MaxFloat64(current, operand float64) float64 {
	switch {
	case math.IsNaN(current):
		return operand
	case math.IsNaN(operand):
		return current
	case operand > current:
		return operand
	default:
		return current
	}
}

func isNaN32(f float32) bool {
	return f != f
}
