package cip

import (
	"fmt"
	"math"
	"math/bits"
	"reflect"
	"strconv"
	"strings"
)

// Value is a decoded tag value. The set of implementations is closed: BoolWord,
// BitString, String and the numeric slice types below.
type Value interface {
	// Type is the CIP type code the value was decoded from.
	Type() DataType
	// Len is the element count (bits for BitString).
	Len() int
	// GoValue returns a plain Go value: a scalar when Len is 1, a slice otherwise.
	GoValue() any
	isValue()
}

// BoolWord is a single BOOL reply, kept as the 16-bit word the PLC sent.
type BoolWord uint16

// BitString is a packed BOOL array. Each byte is bit-reversed and rendered as
// eight binary digits, so the string reads MSB-first per byte.
type BitString string

// String is a STRING reply.
type String string

type (
	Int16s   []int16
	Int32s   []int32
	Int64s   []int64
	Uint16s  []uint16
	Uint32s  []uint32
	Uint64s  []uint64
	Float32s []float32
	Float64s []float64
)

func (BoolWord) Type() DataType { return TypeBool }
func (BitString) Type() DataType { return TypeBool }
func (String) Type() DataType { return TypeString }
func (Int16s) Type() DataType { return TypeShort }
func (Int32s) Type() DataType { return TypeInt }
func (Int64s) Type() DataType { return TypeLong }
func (Uint16s) Type() DataType { return TypeUShort }
func (Uint32s) Type() DataType { return TypeUInt }
func (Uint64s) Type() DataType { return TypeULong }
func (Float32s) Type() DataType { return TypeFloat }
func (Float64s) Type() DataType { return TypeDouble }

func (BoolWord) Len() int { return 1 }
func (v BitString) Len() int { return len(v) }
func (String) Len() int { return 1 }
func (v Int16s) Len() int { return len(v) }
func (v Int32s) Len() int { return len(v) }
func (v Int64s) Len() int { return len(v) }
func (v Uint16s) Len() int { return len(v) }
func (v Uint32s) Len() int { return len(v) }
func (v Uint64s) Len() int { return len(v) }
func (v Float32s) Len() int { return len(v) }
func (v Float64s) Len() int { return len(v) }

func (v BoolWord) GoValue() any { return v != 0 }
func (v BitString) GoValue() any { return string(v) }
func (v String) GoValue() any { return string(v) }
func (v Int16s) GoValue() any { return scalarOrSlice(v) }
func (v Int32s) GoValue() any { return scalarOrSlice(v) }
func (v Int64s) GoValue() any { return scalarOrSlice(v) }
func (v Uint16s) GoValue() any { return scalarOrSlice(v) }
func (v Uint32s) GoValue() any { return scalarOrSlice(v) }
func (v Uint64s) GoValue() any { return scalarOrSlice(v) }
func (v Float32s) GoValue() any { return scalarOrSlice(v) }
func (v Float64s) GoValue() any { return scalarOrSlice(v) }

func (BoolWord) isValue() {}
func (BitString) isValue() {}
func (String) isValue() {}
func (Int16s) isValue() {}
func (Int32s) isValue() {}
func (Int64s) isValue() {}
func (Uint16s) isValue() {}
func (Uint32s) isValue() {}
func (Uint64s) isValue() {}
func (Float32s) isValue() {}
func (Float64s) isValue() {}

// Bits expands the rendered digits into booleans in string order.
func (v BitString) Bits() []bool {
	out := make([]bool, len(v))
	for i := 0; i < len(v); i++ {
		out[i] = v[i] == '1'
	}
	return out
}

func scalarOrSlice[T any](v []T) any {
	if len(v) == 1 {
		return v[0]
	}
	return append([]T(nil), v...)
}

// renderBits reverses each byte's bit order and concatenates the 8-digit
// binary renderings.
func renderBits(data []byte) BitString {
	var sb strings.Builder
	sb.Grow(len(data) * 8)
	for _, b := range data {
		fmt.Fprintf(&sb, "%08b", bits.Reverse8(b))
	}
	return BitString(sb.String())
}

// ParseValue converts text (CLI arguments, HTTP form values) into a Go value
// suitable for EncodeValue. Numeric types accept a comma-separated list for arrays.
func ParseValue(typ DataType, s string) (any, error) {
	switch typ {
	case TypeString:
		return s, nil
	case TypeBool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", typ, err)
		}
		return b, nil
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, uint16(typ))
	}

	fields := strings.Split(s, ",")
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		var (
			v   any
			err error
		)
		switch typ {
		case TypeFloat, TypeDouble:
			v, err = strconv.ParseFloat(f, 64)
		case TypeUShort, TypeUInt, TypeULong:
			v, err = strconv.ParseUint(f, 0, 64)
		default:
			v, err = strconv.ParseInt(f, 0, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", typ, f, err)
		}
		out = append(out, v)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// toInt64 converts any Go numeric (or JSON float64 holding an integer) to int64.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func uintToInt64(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("value %d out of range", n)
	}
	return int64(n), nil
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	return int64(f), nil
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, fmt.Errorf("value %v is not an unsigned integer", n)
		}
		return uint64(n), nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("value %d is negative", i)
	}
	return uint64(i), nil
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	}
	if u, ok := v.(uint64); ok {
		return float64(u), nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}

// elements flattens v into its elements: a slice or array yields each item,
// anything else yields itself.
func elements(v any) []any {
	if _, ok := v.([]byte); ok {
		return []any{v}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
