package cip

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BuildReadRequest builds a Read Tag (0x4C) request for count elements of tag.
// A count of 0 reads a single element.
func BuildReadRequest(tag string, count uint16) (Request, error) {
	path, err := EPath().Symbol(tag).Build()
	if err != nil {
		return Request{}, err
	}
	if count == 0 {
		count = 1
	}
	return Request{
		Service: SvcReadTag,
		Path:    path,
		Data:    binary.LittleEndian.AppendUint16(nil, count),
	}, nil
}

// BuildWriteRequest builds a Write Tag (0x4D) request carrying already-encoded value bytes.
func BuildWriteRequest(tag string, typ DataType, count uint16, value []byte) (Request, error) {
	path, err := EPath().Symbol(tag).Build()
	if err != nil {
		return Request{}, err
	}
	if !typ.Valid() {
		return Request{}, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, uint16(typ))
	}
	data := make([]byte, 0, 4+len(value))
	data = binary.LittleEndian.AppendUint16(data, uint16(typ))
	data = binary.LittleEndian.AppendUint16(data, count)
	data = append(data, value...)
	return Request{Service: SvcWriteTag, Path: path, Data: data}, nil
}

// EncodeValue converts a Go value to the wire bytes for typ and returns the element count.
// Numeric types accept any Go number, or a slice of them for arrays; values are range
// checked against the target width. Bool accepts a single bool or integer 0/1. String
// accepts a string or []byte, sent as raw bytes with no length prefix.
func EncodeValue(typ DataType, v any) ([]byte, uint16, error) {
	switch typ {
	case TypeBool:
		b, err := toBool(v)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s: %w", typ, err)
		}
		if b {
			return []byte{0x01, 0x00}, 1, nil
		}
		return []byte{0x00, 0x00}, 1, nil

	case TypeString:
		switch s := v.(type) {
		case string:
			return []byte(s), 1, nil
		case []byte:
			return append([]byte(nil), s...), 1, nil
		case fmt.Stringer:
			return []byte(s.String()), 1, nil
		default:
			return nil, 0, fmt.Errorf("encode %s: cannot convert %T to string", typ, v)
		}
	}

	if !typ.Valid() {
		return nil, 0, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, uint16(typ))
	}

	elems := elements(v)
	if len(elems) == 0 {
		return nil, 0, fmt.Errorf("encode %s: no elements", typ)
	}
	if len(elems) > math.MaxUint16 {
		return nil, 0, fmt.Errorf("encode %s: %d elements exceeds %d", typ, len(elems), math.MaxUint16)
	}

	out := make([]byte, 0, len(elems)*typ.Size())
	for i, e := range elems {
		var err error
		out, err = appendScalar(out, typ, e)
		if err != nil {
			if len(elems) > 1 {
				return nil, 0, fmt.Errorf("encode %s element %d: %w", typ, i, err)
			}
			return nil, 0, fmt.Errorf("encode %s: %w", typ, err)
		}
	}
	return out, uint16(len(elems)), nil
}

func appendScalar(out []byte, typ DataType, v any) ([]byte, error) {
	switch typ {
	case TypeShort:
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if i < math.MinInt16 || i > math.MaxInt16 {
			return nil, fmt.Errorf("value %d out of range for INT", i)
		}
		return binary.LittleEndian.AppendUint16(out, uint16(int16(i))), nil

	case TypeInt:
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, fmt.Errorf("value %d out of range for DINT", i)
		}
		return binary.LittleEndian.AppendUint32(out, uint32(int32(i))), nil

	case TypeLong:
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(out, uint64(i)), nil

	case TypeUShort:
		u, err := toUint64(v)
		if err != nil {
			return nil, err
		}
		if u > math.MaxUint16 {
			return nil, fmt.Errorf("value %d out of range for UINT", u)
		}
		return binary.LittleEndian.AppendUint16(out, uint16(u)), nil

	case TypeUInt:
		u, err := toUint64(v)
		if err != nil {
			return nil, err
		}
		if u > math.MaxUint32 {
			return nil, fmt.Errorf("value %d out of range for UDINT", u)
		}
		return binary.LittleEndian.AppendUint32(out, uint32(u)), nil

	case TypeULong:
		u, err := toUint64(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(out, u), nil

	case TypeFloat:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("value %v out of range for REAL", f)
		}
		return binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f))), nil

	case TypeDouble:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(out, math.Float64bits(f)), nil
	}
	return nil, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, uint16(typ))
}

func toBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return false, err
	}
	switch i {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("value %d is not 0 or 1", i)
}
