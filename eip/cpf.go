package eip

// Code related to the CommonPacket Format for EIP per ODVA v1.4

import (
	"encoding/binary"
	"fmt"

	"omroncip/cip"
)

const (
	CpfAddressNullId              uint16 = 0x00
	CpfTypeListIdentityResponseId uint16 = 0x0C
	CpfUnconnectedMessageId       uint16 = 0xB2
)

// Unconnected Send framing.
const (
	cpfPrefixSize      = 16
	ucmmTimeoutTicks   = 0x0A
	ucmmTickBase       = 0xF0
	offItemLength      = 14
	offMessageSize     = 24
	ucmmHeaderSize     = 10
	rrDataTimeout      = 0x0001
	rrDataItemCount    = 0x0002
	backplanePathWords = 0x01
)

// BuildCommandSpecificData builds the SendRRData command-specific data for one or more
// CIP requests routed to a backplane slot through Unconnected Send. A single request is
// embedded as is; several are packed into a Multiple Service Packet.
func BuildCommandSpecificData(slot byte, requests ...cip.Request) ([]byte, error) {
	var payload []byte
	switch len(requests) {
	case 0:
		return nil, fmt.Errorf("BuildCommandSpecificData: no requests")
	case 1:
		payload = requests[0].Marshal()
	default:
		var err error
		payload, err = cip.BuildMultipleServiceRequest(requests)
		if err != nil {
			return nil, err
		}
	}

	ucmmPath, err := cip.EPath().Class(cip.ClassConnectionMgr).Instance(0x01).Build()
	if err != nil {
		return nil, err
	}
	route, err := cip.EPath().Port(0x01, slot).Build()
	if err != nil {
		return nil, err
	}

	size := cpfPrefixSize + ucmmHeaderSize + len(payload) + 2 + len(route)
	if size-cpfPrefixSize > 0xFFFF || len(payload) > 0xFFFF {
		return nil, fmt.Errorf("BuildCommandSpecificData: request too large (%d bytes)", len(payload))
	}

	buf := make([]byte, 0, size)
	// Interface handle, timeout, item count
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, rrDataTimeout)
	buf = binary.LittleEndian.AppendUint16(buf, rrDataItemCount)
	// Null address item
	buf = binary.LittleEndian.AppendUint16(buf, CpfAddressNullId)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	// Unconnected data item, length patched below
	buf = binary.LittleEndian.AppendUint16(buf, CpfUnconnectedMessageId)
	buf = binary.LittleEndian.AppendUint16(buf, 0)

	// Unconnected Send to the Connection Manager, message size patched below
	buf = append(buf, cip.SvcUnconnectedSend, ucmmPath.WordLen())
	buf = append(buf, ucmmPath...)
	buf = append(buf, ucmmTimeoutTicks, ucmmTickBase)
	buf = binary.LittleEndian.AppendUint16(buf, 0)

	// Route path follows the request directly, with no pad after an odd length.
	buf = append(buf, payload...)
	buf = append(buf, backplanePathWords, 0x00)
	buf = append(buf, route...)

	binary.LittleEndian.PutUint16(buf[offItemLength:], uint16(len(buf)-cpfPrefixSize))
	binary.LittleEndian.PutUint16(buf[offMessageSize:], uint16(len(payload)))
	return buf, nil
}

// Cpf consists of a wrapper for data items.
type EipCommonPacket struct {
	Items []EipCommonPacketItem
}

// Common Packet Item format used for Data and Address items.
type EipCommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

// Parses and returns a list of CommonPacketItems from a raw byte stream.
func ParseEipCommonPacket(raw []byte) (*EipCommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseEipCommonPacket: raw bytes too short: minimum 2, got %d", len(raw))
	}

	// Get the number of items and advance the slice.
	item_count := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	var cp_items []EipCommonPacketItem
	for i := uint16(0); i < item_count; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseEipCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}

		type_id := binary.LittleEndian.Uint16(raw[:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := 4 + int(length)
		if len(raw) < need {
			return nil, fmt.Errorf("ParseEipCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, need, len(raw))
		}

		cp_items = append(cp_items, EipCommonPacketItem{TypeId: type_id, Length: length, Data: raw[4:need]})
		raw = raw[need:]
	}

	return &EipCommonPacket{Items: cp_items}, nil
}
