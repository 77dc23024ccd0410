package cip

import (
	"fmt"
	"strings"
)

// DataType is a CIP elementary data type code as carried in read replies and write requests.
type DataType uint16

// CIP type codes understood by the codec.
const (
	TypeBool   DataType = 0xC1 // BOOL
	TypeShort  DataType = 0xC3 // INT (2 bytes signed)
	TypeInt    DataType = 0xC4 // DINT (4 bytes signed)
	TypeLong   DataType = 0xC5 // LINT (8 bytes signed)
	TypeUShort DataType = 0xC7 // UINT (2 bytes unsigned)
	TypeUInt   DataType = 0xC8 // UDINT (4 bytes unsigned)
	TypeULong  DataType = 0xC9 // ULINT (8 bytes unsigned)
	TypeFloat  DataType = 0xCA // REAL
	TypeDouble DataType = 0xCB // LREAL
	TypeString DataType = 0xD0 // STRING (16-bit LE length prefix on read)
)

// Supported lists every type code the codec handles, in code order.
var Supported = []DataType{
	TypeBool, TypeShort, TypeInt, TypeLong, TypeUShort,
	TypeUInt, TypeULong, TypeFloat, TypeDouble, TypeString,
}

// Size returns the element byte width, or 0 for the variable-width Bool and String.
func (t DataType) Size() int {
	switch t {
	case TypeShort, TypeUShort:
		return 2
	case TypeInt, TypeUInt, TypeFloat:
		return 4
	case TypeLong, TypeULong, TypeDouble:
		return 8
	default:
		return 0
	}
}

// Valid reports whether t is one of the supported type codes.
func (t DataType) Valid() bool {
	switch t {
	case TypeBool, TypeShort, TypeInt, TypeLong, TypeUShort,
		TypeUInt, TypeULong, TypeFloat, TypeDouble, TypeString:
		return true
	}
	return false
}

// String returns the IEC 61131 name for the type.
func (t DataType) String() string {
	switch t {
	case TypeBool:
		return "BOOL"
	case TypeShort:
		return "INT"
	case TypeInt:
		return "DINT"
	case TypeLong:
		return "LINT"
	case TypeUShort:
		return "UINT"
	case TypeUInt:
		return "UDINT"
	case TypeULong:
		return "ULINT"
	case TypeFloat:
		return "REAL"
	case TypeDouble:
		return "LREAL"
	case TypeString:
		return "STRING"
	default:
		return fmt.Sprintf("TYPE_%04X", uint16(t))
	}
}

// TypeFromName returns the type code for a type name. Both IEC names and the
// short/int/long aliases are accepted, case-insensitively.
func TypeFromName(name string) (DataType, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "BOOL", "BOOLEAN":
		return TypeBool, true
	case "INT", "SHORT", "INT16":
		return TypeShort, true
	case "DINT", "INT32":
		return TypeInt, true
	case "LINT", "LONG", "INT64":
		return TypeLong, true
	case "UINT", "USHORT", "WORD", "UINT16":
		return TypeUShort, true
	case "UDINT", "DWORD", "UINT32":
		return TypeUInt, true
	case "ULINT", "ULONG", "LWORD", "UINT64":
		return TypeULong, true
	case "REAL", "FLOAT", "FLOAT32":
		return TypeFloat, true
	case "LREAL", "DOUBLE", "FLOAT64":
		return TypeDouble, true
	case "STRING":
		return TypeString, true
	default:
		return 0, false
	}
}
