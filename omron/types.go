package omron

import (
	"fmt"

	"omroncip/cip"
)

// TypeOf returns the CIP type a Go value is written as. Slices map to their
// element type; []byte is written as STRING.
//
//	bool            BOOL
//	int16           INT
//	int, int32      DINT
//	int64           LINT
//	uint16          UINT
//	uint, uint32    UDINT
//	uint64          ULINT
//	float32         REAL
//	float64         LREAL
//	string, []byte  STRING
func TypeOf(value any) (cip.DataType, error) {
	switch value.(type) {
	case bool:
		return cip.TypeBool, nil
	case int16, []int16:
		return cip.TypeShort, nil
	case int, int32, []int, []int32:
		return cip.TypeInt, nil
	case int64, []int64:
		return cip.TypeLong, nil
	case uint16, []uint16:
		return cip.TypeUShort, nil
	case uint, uint32, []uint, []uint32:
		return cip.TypeUInt, nil
	case uint64, []uint64:
		return cip.TypeULong, nil
	case float32, []float32:
		return cip.TypeFloat, nil
	case float64, []float64:
		return cip.TypeDouble, nil
	case string, []byte:
		return cip.TypeString, nil
	default:
		return 0, fmt.Errorf("%w: no CIP type for %T", cip.ErrUnsupportedType, value)
	}
}

// TypeByName resolves a configured type name such as "DINT" or "REAL".
func TypeByName(name string) (cip.DataType, error) {
	typ, ok := cip.TypeFromName(name)
	if !ok {
		return 0, fmt.Errorf("%w: unknown type name %q", cip.ErrUnsupportedType, name)
	}
	return typ, nil
}

// SupportedTypeNames lists the type names accepted by TypeByName.
func SupportedTypeNames() []string {
	names := make([]string, len(cip.Supported))
	for i, typ := range cip.Supported {
		names[i] = typ.String()
	}
	return names
}
