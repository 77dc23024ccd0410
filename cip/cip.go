package cip

// CIP service codes used by the tag client.
const (
	SvcReadTag          byte = 0x4C
	SvcWriteTag         byte = 0x4D
	SvcUnconnectedSend  byte = 0x52
	SvcReadTagReply     byte = SvcReadTag | 0x80
	SvcWriteTagReply    byte = SvcWriteTag | 0x80
	SvcMultiReply       byte = SvcMultipleServicePacket | 0x80
	ClassMessageRouter  byte = 0x02
	ClassConnectionMgr  byte = 0x06
	StatusEmbeddedError byte = 0x1E
)

// Request is a single CIP service request addressed by an encoded path.
type Request struct {
	Service byte
	Path    EPath_t
	Data    []byte
}

// Marshal encodes the request as service, path size in words, path, data.
func (r Request) Marshal() []byte {
	out := make([]byte, 0, 2+len(r.Path)+len(r.Data))
	out = append(out, r.Service)
	out = append(out, r.Path.WordLen())
	out = append(out, r.Path...)
	out = append(out, r.Data...)
	return out
}
