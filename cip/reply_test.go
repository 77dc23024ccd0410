package cip

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

// replyFrame builds a full response frame: 40 bytes of encapsulation/CPF framing,
// then service, reserved, status, extended size, and body.
func replyFrame(service, status, extSize byte, body []byte) []byte {
	frame := make([]byte, ReplyOffset, ReplyOffset+4+len(body))
	frame = append(frame, service, 0x00, status, extSize)
	return append(frame, body...)
}

func typedReply(typ DataType, data []byte) []byte {
	body := binary.LittleEndian.AppendUint16(nil, uint16(typ))
	body = append(body, data...)
	return replyFrame(SvcReadTagReply, 0, 0, body)
}

func TestDecodeReply_Scalars(t *testing.T) {
	tests := []struct {
		name string
		typ  DataType
		data []byte
		want Value
	}{
		{"bool true", TypeBool, []byte{0x01, 0x00}, BoolWord(1)},
		{"bool false", TypeBool, []byte{0x00, 0x00}, BoolWord(0)},
		{"short", TypeShort, []byte{0xFE, 0xFF}, Int16s{-2}},
		{"int", TypeInt, []byte{0xC7, 0xCF, 0xFF, 0xFF}, Int32s{-12345}},
		{"long", TypeLong, []byte{1, 0, 0, 0, 0, 0, 0, 0x80}, Int64s{math.MinInt64 + 1}},
		{"ushort", TypeUShort, []byte{0xEF, 0xBE}, Uint16s{0xBEEF}},
		{"uint", TypeUInt, []byte{0xEF, 0xBE, 0xAD, 0xDE}, Uint32s{0xDEADBEEF}},
		{"ulong", TypeULong, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, Uint64s{math.MaxUint64}},
		{"float", TypeFloat, []byte{0x00, 0x00, 0xC0, 0x3F}, Float32s{1.5}},
		{"double", TypeDouble, []byte{0, 0, 0, 0, 0, 0, 0xF8, 0x3F}, Float64s{1.5}},
		{"string", TypeString, []byte{0x05, 0x00, 'h', 'e', 'l', 'l', 'o'}, String("hello")},
		{"string with padding", TypeString, []byte{0x02, 0x00, 'o', 'k', 0x00, 0x00}, String("ok")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeReply(typedReply(tc.typ, tc.data))
			if err != nil {
				t.Fatalf("DecodeReply error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("DecodeReply = %#v, want %#v", got, tc.want)
			}
			if got.Type() != tc.typ {
				t.Errorf("Type() = %s, want %s", got.Type(), tc.typ)
			}
		})
	}
}

func TestDecodeReply_Arrays(t *testing.T) {
	t.Run("dint array", func(t *testing.T) {
		data := []byte{1, 0, 0, 0, 2, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}
		got, err := DecodeReply(typedReply(TypeInt, data))
		if err != nil {
			t.Fatalf("DecodeReply error: %v", err)
		}
		if want := (Int32s{1, 2, -1}); !reflect.DeepEqual(got, want) {
			t.Errorf("DecodeReply = %v, want %v", got, want)
		}
		if got.Len() != 3 {
			t.Errorf("Len = %d, want 3", got.Len())
		}
	})

	t.Run("lint array uses 8 bytes per element", func(t *testing.T) {
		var data []byte
		for _, v := range []int64{-1, 1 << 40, 7} {
			data = binary.LittleEndian.AppendUint64(data, uint64(v))
		}
		got, err := DecodeReply(typedReply(TypeLong, data))
		if err != nil {
			t.Fatalf("DecodeReply error: %v", err)
		}
		if want := (Int64s{-1, 1 << 40, 7}); !reflect.DeepEqual(got, want) {
			t.Errorf("DecodeReply = %v, want %v", got, want)
		}
	})

	t.Run("trailing partial element ignored", func(t *testing.T) {
		got, err := DecodeReply(typedReply(TypeShort, []byte{1, 0, 2, 0, 9}))
		if err != nil {
			t.Fatalf("DecodeReply error: %v", err)
		}
		if want := (Int16s{1, 2}); !reflect.DeepEqual(got, want) {
			t.Errorf("DecodeReply = %v, want %v", got, want)
		}
	})

	t.Run("scalar GoValue", func(t *testing.T) {
		got, _ := DecodeReply(typedReply(TypeFloat, []byte{0x00, 0x00, 0xC0, 0x3F}))
		if v, ok := got.GoValue().(float32); !ok || v != 1.5 {
			t.Errorf("GoValue = %#v, want float32(1.5)", got.GoValue())
		}
	})

	t.Run("array GoValue", func(t *testing.T) {
		got, _ := DecodeReply(typedReply(TypeUShort, []byte{1, 0, 2, 0}))
		if v, ok := got.GoValue().([]uint16); !ok || !reflect.DeepEqual(v, []uint16{1, 2}) {
			t.Errorf("GoValue = %#v, want []uint16{1, 2}", got.GoValue())
		}
	})
}

func TestDecodeReply_BoolArray(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want BitString
	}{
		{"single byte", []byte{0xC8}, "00010011"},
		{"two bytes", []byte{0x01, 0x80}, "1000000000000001"},
		{"word not bool-like", []byte{0x02, 0x00}, "0100000000000000"},
		{"high byte set", []byte{0x01, 0x01}, "1000000010000000"},
		{"three bytes", []byte{0xFF, 0x00, 0x0F}, "111111110000000011110000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeReply(typedReply(TypeBool, tc.data))
			if err != nil {
				t.Fatalf("DecodeReply error: %v", err)
			}
			if got != Value(tc.want) {
				t.Errorf("DecodeReply = %#v, want %#v", got, tc.want)
			}
			if got.Len() != len(tc.data)*8 {
				t.Errorf("Len = %d, want %d", got.Len(), len(tc.data)*8)
			}
		})
	}

	bits := BitString("00010011").Bits()
	want := []bool{false, false, false, true, false, false, true, true}
	if !reflect.DeepEqual(bits, want) {
		t.Errorf("Bits = %v, want %v", bits, want)
	}
}

func TestDecodeReply_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrMalformedReply},
		{"43 bytes", make([]byte, 43), ErrMalformedReply},
		{"status only, no type", replyFrame(SvcReadTagReply, 0, 0, nil), ErrMalformedReply},
		{"general status", replyFrame(SvcReadTagReply, 0x05, 0, nil), ErrPlcStatus},
		{"extended size", replyFrame(SvcReadTagReply, 0x00, 0x01, []byte{0x05, 0x21}), ErrPlcStatus},
		{"truncated frame", typedReply(TypeInt, []byte{1, 0, 0, 0})[:40], ErrMalformedReply},
		{"wrong service", replyFrame(SvcWriteTagReply, 0, 0, []byte{0xC4, 0x00, 1, 0, 0, 0}), ErrUnexpectedReply},
		{"unknown type", typedReply(DataType(0x00A0), []byte{1, 2}), ErrUnsupportedType},
		{"sint not supported", typedReply(DataType(0x00C2), []byte{1}), ErrUnsupportedType},
		{"type high byte set", typedReply(DataType(0x01C4), []byte{1, 0, 0, 0}), ErrUnsupportedType},
		{"no data", typedReply(TypeInt, nil), ErrMalformedReply},
		{"short dint", typedReply(TypeInt, []byte{1, 2}), ErrMalformedReply},
		{"string overrun", typedReply(TypeString, []byte{0x06, 0x00, 'h', 'e', 'l', 'l', 'o'}), ErrMalformedReply},
		{"string no length", typedReply(TypeString, []byte{0x01}), ErrMalformedReply},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeReply(tc.frame)
			if !errors.Is(err, tc.want) {
				t.Errorf("DecodeReply error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeReply_StatusPreserved(t *testing.T) {
	frame := replyFrame(SvcReadTagReply, 0x04, 0x01, []byte{0x05, 0x21})
	_, err := DecodeReply(frame)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a *StatusError", err)
	}
	if se.General != 0x04 || se.ExtendedSize != 1 {
		t.Errorf("StatusError = %+v, want general 0x04 ext size 1", se)
	}
	if len(se.Extended) != 1 || se.Extended[0] != 0x2105 {
		t.Errorf("Extended = %v, want [0x2105]", se.Extended)
	}
}

func TestStatusCheckedBeforeService(t *testing.T) {
	// A non-zero status is reported even when the service code is also wrong.
	frame := replyFrame(SvcWriteTagReply, 0x08, 0, nil)
	if _, err := DecodeReply(frame); !errors.Is(err, ErrPlcStatus) {
		t.Errorf("DecodeReply error = %v, want ErrPlcStatus", err)
	}

	// Zero status with a well-formed frame never yields ErrPlcStatus.
	ok := typedReply(TypeInt, []byte{1, 0, 0, 0})
	if _, err := DecodeReply(ok); errors.Is(err, ErrPlcStatus) {
		t.Errorf("DecodeReply error = %v on zero status", err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	tests := []struct {
		typ   DataType
		value any
		want  any
	}{
		{TypeBool, true, true},
		{TypeShort, int16(-300), int16(-300)},
		{TypeInt, int32(-12345), int32(-12345)},
		{TypeLong, int64(-1 << 50), int64(-1 << 50)},
		{TypeUShort, uint16(65000), uint16(65000)},
		{TypeUInt, uint32(4000000000), uint32(4000000000)},
		{TypeULong, uint64(1 << 63), uint64(1 << 63)},
		{TypeFloat, float32(-2.25), float32(-2.25)},
		{TypeDouble, math.Pi, math.Pi},
	}

	for _, tc := range tests {
		t.Run(tc.typ.String(), func(t *testing.T) {
			data, _, err := EncodeValue(tc.typ, tc.value)
			if err != nil {
				t.Fatalf("EncodeValue error: %v", err)
			}
			got, err := DecodeReply(typedReply(tc.typ, data))
			if err != nil {
				t.Fatalf("DecodeReply error: %v", err)
			}
			if got.GoValue() != tc.want {
				t.Errorf("round trip = %#v, want %#v", got.GoValue(), tc.want)
			}
		})
	}

	t.Run("STRING", func(t *testing.T) {
		data, _, err := EncodeValue(TypeString, "hello")
		if err != nil {
			t.Fatalf("EncodeValue error: %v", err)
		}
		// Writes carry no length prefix; the PLC adds it on read.
		body := binary.LittleEndian.AppendUint16(nil, uint16(len(data)))
		got, err := DecodeReply(typedReply(TypeString, append(body, data...)))
		if err != nil {
			t.Fatalf("DecodeReply error: %v", err)
		}
		if got.GoValue() != "hello" {
			t.Errorf("round trip = %#v, want hello", got.GoValue())
		}
	})
}

func TestCheckWriteReply(t *testing.T) {
	if err := CheckWriteReply(replyFrame(SvcWriteTagReply, 0, 0, nil)); err != nil {
		t.Errorf("CheckWriteReply error: %v", err)
	}
	if err := CheckWriteReply(replyFrame(SvcReadTagReply, 0, 0, nil)); !errors.Is(err, ErrUnexpectedReply) {
		t.Errorf("CheckWriteReply error = %v, want ErrUnexpectedReply", err)
	}
	if err := CheckWriteReply(replyFrame(SvcWriteTagReply, 0x0F, 0, nil)); !errors.Is(err, ErrPlcStatus) {
		t.Errorf("CheckWriteReply error = %v, want ErrPlcStatus", err)
	}
	if err := CheckWriteReply(make([]byte, 10)); !errors.Is(err, ErrMalformedReply) {
		t.Errorf("CheckWriteReply error = %v, want ErrMalformedReply", err)
	}
}
