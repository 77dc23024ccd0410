package cip

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

type LogicalType byte
type LogicalFormat byte
type SegmentType byte

// Segment type definitions
const (
	CipPortSegment     SegmentType = 0b000
	CipLogicalSegment  SegmentType = 0b001
	CipSymbolicSegment SegmentType = 0b011

	CipLogicalTypeClassId     LogicalType = 0x0
	CipLogicalTypeInstanceId  LogicalType = 0b1
	CipLogicalTypeMemberId    LogicalType = 0b10
	CipLogicalTypeAttributeId LogicalType = 0b100

	CipLogicalFormat8bit  LogicalFormat = 0b0
	CipLogicalFormat16bit LogicalFormat = 0b1
)

// Encoded segment headers used by tag addresses.
const (
	segSymbolic  byte = 0x91
	segElement8  byte = 0x28
	segElement16 byte = 0x29
)

// Limits on a single tag address segment.
const (
	MaxSymbolLen  = 255
	MaxIndices    = 2
	MaxIndexValue = 0xFFFF
)

// EPath_t is an encoded path used in CIP communications.
type EPath_t []byte

// WordLen returns the path length in 16-bit words.
func (p EPath_t) WordLen() byte {
	return byte(len(p) / 2)
}

type PathBuilder struct {
	err    error
	epath  EPath_t
	padded bool
}

// EPath returns a fluent-style path builder. Typically this is the one to use.
func EPath() *PathBuilder {
	return &PathBuilder{padded: true}
}

func (b *PathBuilder) add(p EPath_t, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.epath = append(b.epath, p...)
	return b
}

func (b *PathBuilder) Class(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeClassId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Instance(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Attribute(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeAttributeId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

// Port adds a port segment with a one-byte link address (backplane slot).
func (b *PathBuilder) Port(port, link byte) *PathBuilder {
	return b.add(EPath_t{port & 0x0F, link}, nil)
}

// Symbol parses a dotted tag name and appends its symbolic and element segments.
func (b *PathBuilder) Symbol(tag string) *PathBuilder {
	addr, err := ParseTagAddress(tag)
	if err != nil {
		return b.add(nil, err)
	}
	return b.add(addr.Encode())
}

func (b *PathBuilder) Build() (EPath_t, error) {
	if b.err != nil {
		return nil, b.err
	}

	// return a copy to avoid messing up the builder if more paths need to be added.
	out := append(EPath_t{}, b.epath...)

	if b.padded && len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// Encode a Logical Segment. Padding applies to 16-bit formats to achieve word alignment.
func logicalSegment(logical_type LogicalType, logical_format LogicalFormat, value []byte, padded bool) (EPath_t, error) {
	switch logical_format {
	case CipLogicalFormat8bit:
		if len(value) != 1 {
			return nil, fmt.Errorf("LogicalSegment: 8-bit format requires 1 byte, got %d", len(value))
		}
	case CipLogicalFormat16bit:
		if len(value) != 2 {
			return nil, fmt.Errorf("LogicalSegment: 16-bit format requires 2 bytes, got %d", len(value))
		}
	default:
		return nil, fmt.Errorf("LogicalSegment: unsupported logical format %v", logical_format)
	}

	out := make([]byte, 1, 2+len(value))
	out[0] |= (byte(CipLogicalSegment) & 0b111) << 5
	out[0] |= (byte(logical_type) & 0b111) << 2
	out[0] |= (byte(logical_format) & 0b11)

	if padded && logical_format == CipLogicalFormat16bit {
		out = append(out, 0x00)
	}
	out = append(out, value...)
	return EPath_t(out), nil
}

// Segment is one dotted component of a tag name with its optional array indices.
type Segment struct {
	Name    string
	Indices []int
}

// TagAddress is a parsed tag name such as "Line1.Motors[3].Speed".
type TagAddress struct {
	Segments []Segment
}

// ParseTagAddress splits a tag name on '.' and parses an optional "[i]" or "[i,j]"
// suffix on each segment.
func ParseTagAddress(tag string) (TagAddress, error) {
	if tag == "" {
		return TagAddress{}, fmt.Errorf("%w: empty tag name", ErrInvalidAddress)
	}

	parts := strings.Split(tag, ".")
	addr := TagAddress{Segments: make([]Segment, 0, len(parts))}
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return TagAddress{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, tag, err)
		}
		addr.Segments = append(addr.Segments, seg)
	}
	return addr, nil
}

func parseSegment(part string) (Segment, error) {
	name := part
	var indices []int

	open := strings.IndexByte(part, '[')
	shut := strings.IndexByte(part, ']')
	switch {
	case open < 0 && shut < 0:
	case open < 0 || shut < open:
		return Segment{}, fmt.Errorf("unbalanced brackets in %q", part)
	case shut != len(part)-1 || strings.Count(part, "[") != 1 || strings.Count(part, "]") != 1:
		return Segment{}, fmt.Errorf("unexpected text after index in %q", part)
	default:
		name = part[:open]
		list := strings.Split(part[open+1:shut], ",")
		if len(list) > MaxIndices {
			return Segment{}, fmt.Errorf("%d indices in %q, max %d", len(list), part, MaxIndices)
		}
		for _, s := range list {
			idx, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return Segment{}, fmt.Errorf("non-numeric index %q", s)
			}
			if idx < 0 || idx > MaxIndexValue {
				return Segment{}, fmt.Errorf("index %d out of range 0..%d", idx, MaxIndexValue)
			}
			indices = append(indices, idx)
		}
	}

	if name == "" {
		return Segment{}, fmt.Errorf("empty segment name")
	}
	if !utf8.ValidString(name) {
		return Segment{}, fmt.Errorf("segment name is not valid UTF-8")
	}
	if len(name) > MaxSymbolLen {
		return Segment{}, fmt.Errorf("segment name is %d bytes, max %d", len(name), MaxSymbolLen)
	}
	return Segment{Name: name, Indices: indices}, nil
}

// Encode produces the request path: a symbolic segment per name followed by one
// element segment per index.
func (a TagAddress) Encode() (EPath_t, error) {
	var out EPath_t
	for _, seg := range a.Segments {
		sym, err := symbolicSegmentAsciiExt([]byte(seg.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, sym...)
		for _, idx := range seg.Indices {
			el, err := elementSegment(idx)
			if err != nil {
				return nil, err
			}
			out = append(out, el...)
		}
	}
	return out, nil
}

// String renders the address back in dotted form.
func (a TagAddress) String() string {
	var sb strings.Builder
	for i, seg := range a.Segments {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(seg.Name)
		if len(seg.Indices) == 0 {
			continue
		}
		sb.WriteByte('[')
		for j, idx := range seg.Indices {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(idx))
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// DecodePath reverses Encode. Only symbolic and 8/16-bit element segments are understood.
func DecodePath(p EPath_t) (TagAddress, error) {
	var addr TagAddress
	for i := 0; i < len(p); {
		switch p[i] {
		case segSymbolic:
			if i+2 > len(p) {
				return TagAddress{}, fmt.Errorf("%w: truncated symbolic segment at %d", ErrInvalidAddress, i)
			}
			n := int(p[i+1])
			end := i + 2 + n
			if end > len(p) {
				return TagAddress{}, fmt.Errorf("%w: symbolic segment at %d overruns path", ErrInvalidAddress, i)
			}
			addr.Segments = append(addr.Segments, Segment{Name: string(p[i+2 : end])})
			if n%2 != 0 {
				end++
			}
			i = end
		case segElement8, segElement16:
			if len(addr.Segments) == 0 {
				return TagAddress{}, fmt.Errorf("%w: element segment before any name", ErrInvalidAddress)
			}
			var idx int
			if p[i] == segElement8 {
				if i+2 > len(p) {
					return TagAddress{}, fmt.Errorf("%w: truncated element segment at %d", ErrInvalidAddress, i)
				}
				idx = int(p[i+1])
				i += 2
			} else {
				if i+4 > len(p) {
					return TagAddress{}, fmt.Errorf("%w: truncated element segment at %d", ErrInvalidAddress, i)
				}
				idx = int(binary.LittleEndian.Uint16(p[i+2 : i+4]))
				i += 4
			}
			last := &addr.Segments[len(addr.Segments)-1]
			last.Indices = append(last.Indices, idx)
		default:
			return TagAddress{}, fmt.Errorf("%w: unknown segment 0x%02X at %d", ErrInvalidAddress, p[i], i)
		}
	}
	return addr, nil
}

// elementSegment creates an element segment for array indexing.
func elementSegment(index int) (EPath_t, error) {
	switch {
	case index < 0 || index > MaxIndexValue:
		return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidAddress, index)
	case index <= 0xFF:
		return EPath_t{segElement8, byte(index)}, nil
	default:
		// 16-bit element with pad byte for alignment
		return EPath_t{segElement16, 0x00, byte(index), byte(index >> 8)}, nil
	}
}

func symbolicSegmentAsciiExt(symbol []byte) (EPath_t, error) {
	if len(symbol) > MaxSymbolLen {
		return nil, fmt.Errorf("%w: symbol is too long, maximum %d bytes", ErrInvalidAddress, MaxSymbolLen)
	}
	if len(symbol) == 0 {
		return nil, fmt.Errorf("%w: symbol length is zero", ErrInvalidAddress)
	}
	out := []byte{segSymbolic, byte(len(symbol))}
	out = append(out, symbol...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return EPath_t(out), nil
}
