package eip

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Encapsulation commands.
const (
	NOP               uint16 = 0x00
	ListIdentity      uint16 = 0x63
	RegisterSession   uint16 = 0x65
	UnRegisterSession uint16 = 0x66
	SendRRData        uint16 = 0x6F
)

const (
	HeaderSize  = 24
	DefaultPort = 44818

	// Largest payload a header may declare before it is treated as garbage.
	maxPayload = 65511
)

// SessionHandle is the opaque handle the PLC assigns at RegisterSession. It is
// echoed on every later request and only ever compared for equality.
type SessionHandle [4]byte

func (h SessionHandle) IsZero() bool { return h == SessionHandle{} }

func (h SessionHandle) String() string { return hex.EncodeToString(h[:]) }

// Generic Ethernet/IP Encapsulation
type EipEncap struct {
	command       uint16
	length        uint16
	sessionHandle SessionHandle
	status        uint32
	context       [8]byte
	options       uint32
	data          []byte
}

// Convert to bytes. The length field is taken from data.
func (m *EipEncap) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.data))
	buf = binary.LittleEndian.AppendUint16(buf, m.command)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.data)))
	buf = append(buf, m.sessionHandle[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.status)
	buf = append(buf, m.context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.options)
	buf = append(buf, m.data...)
	return buf
}

// BuildFrame prepends the 24-byte encapsulation header to command-specific data.
// Status, sender context and options are zero.
func BuildFrame(command uint16, handle SessionHandle, data []byte) []byte {
	msg := EipEncap{command: command, sessionHandle: handle, data: data}
	return msg.Bytes()
}

// ParseHeader decodes the fixed header at the start of b. The returned value's
// data is whatever follows the header in b, up to the declared length.
func ParseHeader(b []byte) (*EipEncap, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("ParseHeader: need %d bytes, got %d", HeaderSize, len(b))
	}
	m := &EipEncap{
		command: binary.LittleEndian.Uint16(b[0:2]),
		length:  binary.LittleEndian.Uint16(b[2:4]),
		status:  binary.LittleEndian.Uint32(b[8:12]),
		options: binary.LittleEndian.Uint32(b[20:24]),
	}
	copy(m.sessionHandle[:], b[4:8])
	copy(m.context[:], b[12:20])

	end := HeaderSize + int(m.length)
	if end > len(b) {
		end = len(b)
	}
	m.data = b[HeaderSize:end]
	return m, nil
}

func (m *EipEncap) Command() uint16 { return m.command }
func (m *EipEncap) Length() uint16 { return m.length }
func (m *EipEncap) SessionHandle() SessionHandle { return m.sessionHandle }
func (m *EipEncap) Status() uint32 { return m.status }
func (m *EipEncap) Data() []byte { return m.data }
