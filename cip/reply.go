package cip

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Byte offsets into a full SendRRData reply frame (24-byte encapsulation header,
// 16 bytes of CPF framing, then the CIP reply).
const (
	ReplyOffset    = 40
	MinReplyLength = 44
	replyTypeAt    = 44
	replyDataAt    = 46
)

// DecodeReply decodes a Read Tag reply from the full response frame.
func DecodeReply(frame []byte) (Value, error) {
	if len(frame) < MinReplyLength {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedReply, len(frame), MinReplyLength)
	}
	return decodeReadReply(frame[ReplyOffset:])
}

// CheckWriteReply validates a Write Tag reply frame.
func CheckWriteReply(frame []byte) error {
	if len(frame) < MinReplyLength {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedReply, len(frame), MinReplyLength)
	}
	reply := frame[ReplyOffset:]
	if err := replyStatus(reply); err != nil {
		return err
	}
	if reply[0] != SvcWriteTagReply {
		return fmt.Errorf("%w: service 0x%02X, expected 0x%02X", ErrUnexpectedReply, reply[0], SvcWriteTagReply)
	}
	return nil
}

// ServiceResult is one decoded entry of a multi-service reply. Value is nil for writes
// and for entries that failed.
type ServiceResult struct {
	Value Value
	Err   error
}

// DecodeMultiReply decodes a Multiple Service Packet reply frame into one result per
// embedded service, in request order.
func DecodeMultiReply(frame []byte) ([]ServiceResult, error) {
	if len(frame) < MinReplyLength {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedReply, len(frame), MinReplyLength)
	}
	reply := frame[ReplyOffset:]
	// 0x1E means at least one embedded service failed; each carries its own status.
	if reply[2] != StatusSuccess && reply[2] != StatusEmbeddedError {
		return nil, replyStatus(reply)
	}
	if reply[0] != SvcMultiReply {
		return nil, fmt.Errorf("%w: service 0x%02X, expected 0x%02X", ErrUnexpectedReply, reply[0], SvcMultiReply)
	}

	bodyAt := 4 + int(reply[3])*2
	if len(reply) < bodyAt {
		return nil, fmt.Errorf("%w: extended status overruns reply", ErrMalformedReply)
	}
	services, err := ParseMultipleServiceResponse(reply[bodyAt:])
	if err != nil {
		return nil, err
	}

	results := make([]ServiceResult, len(services))
	for i, svc := range services {
		if svc.Status != StatusSuccess {
			results[i].Err = statusError(svc.Status, svc.ExtStatus)
			continue
		}
		switch svc.Service {
		case SvcReadTagReply:
			if len(svc.Data) < 2 {
				results[i].Err = fmt.Errorf("%w: read reply without type code", ErrMalformedReply)
				continue
			}
			typ := DataType(binary.LittleEndian.Uint16(svc.Data[0:2]))
			results[i].Value, results[i].Err = decodeTypedData(typ, svc.Data[2:])
		case SvcWriteTagReply:
		default:
			results[i].Err = fmt.Errorf("%w: service 0x%02X", ErrUnexpectedReply, svc.Service)
		}
	}
	return results, nil
}

// decodeReadReply decodes a CIP reply starting at its service byte.
func decodeReadReply(reply []byte) (Value, error) {
	if err := replyStatus(reply); err != nil {
		return nil, err
	}
	if reply[0] != SvcReadTagReply {
		return nil, fmt.Errorf("%w: service 0x%02X, expected 0x%02X", ErrUnexpectedReply, reply[0], SvcReadTagReply)
	}
	if len(reply) < replyDataAt-ReplyOffset {
		return nil, fmt.Errorf("%w: reply has no type code", ErrMalformedReply)
	}
	typ := DataType(binary.LittleEndian.Uint16(reply[replyTypeAt-ReplyOffset : replyDataAt-ReplyOffset]))
	return decodeTypedData(typ, reply[replyDataAt-ReplyOffset:])
}

// replyStatus returns a *StatusError when the general status or the extended status
// size of reply is non-zero.
func replyStatus(reply []byte) error {
	if reply[2] == StatusSuccess && reply[3] == 0 {
		return nil
	}
	ext := reply[4:]
	if n := int(reply[3]) * 2; n <= len(ext) {
		ext = ext[:n]
	}
	err := statusError(reply[2], ext)
	err.ExtendedSize = reply[3]
	return err
}

func statusError(general byte, ext []byte) *StatusError {
	e := &StatusError{General: general, ExtendedSize: byte(len(ext) / 2)}
	for i := 0; i+1 < len(ext); i += 2 {
		e.Extended = append(e.Extended, binary.LittleEndian.Uint16(ext[i:i+2]))
	}
	return e
}

// decodeTypedData decodes the value bytes that follow a type code.
func decodeTypedData(typ DataType, data []byte) (Value, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, uint16(typ))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data for %s", ErrMalformedReply, typ)
	}

	switch typ {
	case TypeBool:
		if len(data) == 2 && data[0] <= 1 && data[1] == 0 {
			return BoolWord(binary.LittleEndian.Uint16(data)), nil
		}
		return renderBits(data), nil

	case TypeString:
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: string reply missing length", ErrMalformedReply)
		}
		n := int(binary.LittleEndian.Uint16(data[0:2]))
		if 2+n > len(data) {
			return nil, fmt.Errorf("%w: string length %d exceeds %d available bytes", ErrMalformedReply, n, len(data)-2)
		}
		return String(data[2 : 2+n]), nil
	}

	width := typ.Size()
	count := len(data) / width
	if count == 0 {
		return nil, fmt.Errorf("%w: %d bytes is short for one %s", ErrMalformedReply, len(data), typ)
	}

	switch typ {
	case TypeShort:
		out := make(Int16s, count)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return out, nil
	case TypeInt:
		out := make(Int32s, count)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case TypeLong:
		out := make(Int64s, count)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	case TypeUShort:
		out := make(Uint16s, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return out, nil
	case TypeUInt:
		out := make(Uint32s, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		return out, nil
	case TypeULong:
		out := make(Uint64s, count)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(data[i*8:])
		}
		return out, nil
	case TypeFloat:
		out := make(Float32s, count)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case TypeDouble:
		out := make(Float64s, count)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: 0x%04X", ErrUnsupportedType, uint16(typ))
}
