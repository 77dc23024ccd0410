// Package plcsim serves a simulated Omron controller over EtherNet/IP. It
// registers sessions and answers Read Tag, Write Tag and Multiple Service Packet
// requests from an in-memory tag table, which is enough to exercise the client
// stack end to end without hardware.
package plcsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"omroncip/cip"
	"omroncip/eip"
	"omroncip/logging"
)

// Encapsulation status codes returned by the simulator.
const (
	encapInvalidCommand uint32 = 0x0001
	encapInvalidSession uint32 = 0x0064
)

// Extended status words used with general status 0xFF, as Logix-family controllers report them.
const (
	extOutOfRange   uint16 = 0x2105
	extTypeMismatch uint16 = 0x2107
)

const statusNotEnoughData byte = 0x13

type tag struct {
	typ  cip.DataType
	data []byte
}

// Server is a simulated controller. The zero value is not usable; call New.
type Server struct {
	mu       sync.RWMutex
	tags     map[string]*tag
	identity eip.Identity
	noMulti  bool

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextHandle atomic.Uint32
	sessions   atomic.Int32
	requests   atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithIdentity sets the identity returned for ListIdentity.
func WithIdentity(id eip.Identity) Option {
	return func(s *Server) { s.identity = id }
}

// WithoutMultiService makes the simulator reject Multiple Service Packets the way
// older controllers do (status 0x08).
func WithoutMultiService() Option {
	return func(s *Server) { s.noMulti = true }
}

// New creates a simulator with an empty tag table.
func New(opts ...Option) *Server {
	s := &Server{
		tags: make(map[string]*tag),
		identity: eip.Identity{
			EncapsulationVersion: 1,
			VendorID:             0x002F,
			DeviceType:           0x000C,
			ProductCode:          0x0680,
			RevisionMajor:        1,
			RevisionMinor:        40,
			SerialNumber:         0x5A5A0001,
			ProductName:          "NX102-9000 (simulated)",
			State:                0x03,
		},
	}
	s.nextHandle.Store(0x00010000)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(name string) string {
	return strings.ToLower(name)
}

// SetTag creates or replaces a tag with value encoded as typ. Slices create arrays.
func (s *Server) SetTag(name string, typ cip.DataType, value any) error {
	data, _, err := cip.EncodeValue(typ, value)
	if err != nil {
		return err
	}
	s.SetRaw(name, typ, data)
	return nil
}

// SetRaw creates or replaces a tag with pre-encoded element bytes. For BOOL this
// is either the two-byte scalar form or packed bits.
func (s *Server) SetRaw(name string, typ cip.DataType, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key(name)] = &tag{typ: typ, data: append([]byte(nil), data...)}
}

// Value decodes the current content of a tag.
func (s *Server) Value(name string) (cip.Value, bool) {
	s.mu.RLock()
	t, ok := s.tags[key(name)]
	var typ cip.DataType
	var data []byte
	if ok {
		typ, data = t.typ, append([]byte(nil), t.data...)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	frame := make([]byte, cip.ReplyOffset, cip.ReplyOffset+8+len(data))
	frame = append(frame, cip.SvcReadTagReply, 0, 0, 0)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(typ))
	if typ == cip.TypeString {
		frame = binary.LittleEndian.AppendUint16(frame, uint16(len(data)))
	}
	frame = append(frame, data...)
	v, err := cip.DecodeReply(frame)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Sessions returns the number of currently registered sessions.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

// Requests returns the number of SendRRData requests served.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Listen starts serving on addr ("127.0.0.1:0" picks a free port).
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logging.DebugLog("eip", "simulator listening on %s", ln.Addr())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address after Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, drops every connection and waits for handlers to exit.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(s.ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var handle eip.SessionHandle
	defer func() {
		if !handle.IsZero() {
			s.sessions.Add(-1)
		}
	}()

	header := make([]byte, eip.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		body := make([]byte, binary.LittleEndian.Uint16(header[2:4]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		req, err := eip.ParseHeader(append(header, body...))
		if err != nil {
			return
		}

		var reply []byte
		switch req.Command() {
		case eip.RegisterSession:
			if handle.IsZero() {
				binary.LittleEndian.PutUint32(handle[:], s.nextHandle.Add(1))
				s.sessions.Add(1)
			}
			reply = eip.BuildFrame(eip.RegisterSession, handle, req.Data())
		case eip.UnRegisterSession:
			return
		case eip.NOP:
			continue
		case eip.ListIdentity:
			reply = eip.BuildFrame(eip.ListIdentity, eip.SessionHandle{}, s.identityPayload(conn))
		case eip.SendRRData:
			if handle.IsZero() || req.SessionHandle() != handle {
				reply = withStatus(eip.BuildFrame(eip.SendRRData, req.SessionHandle(), nil), encapInvalidSession)
				break
			}
			s.requests.Add(1)
			reply = eip.BuildFrame(eip.SendRRData, handle, s.handleRRData(req.Data()))
		default:
			reply = withStatus(eip.BuildFrame(req.Command(), req.SessionHandle(), nil), encapInvalidCommand)
		}

		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func withStatus(frame []byte, status uint32) []byte {
	binary.LittleEndian.PutUint32(frame[8:12], status)
	return frame
}

// handleRRData answers SendRRData command-specific data with the same layout:
// interface handle, timeout, a null address item and an unconnected data item.
func (s *Server) handleRRData(data []byte) []byte {
	var msg []byte
	if len(data) >= 6 {
		if cpf, err := eip.ParseEipCommonPacket(data[6:]); err == nil {
			for _, item := range cpf.Items {
				if item.TypeId == eip.CpfUnconnectedMessageId {
					msg = item.Data
				}
			}
		}
	}

	reply := s.handleMessage(unwrapUnconnectedSend(msg))

	out := make([]byte, 0, 16+len(reply))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint16(out, 2)
	out = binary.LittleEndian.AppendUint16(out, eip.CpfAddressNullId)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint16(out, eip.CpfUnconnectedMessageId)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(reply)))
	return append(out, reply...)
}

// unwrapUnconnectedSend strips the Unconnected Send envelope, returning the
// embedded request. Messages addressed straight to the router pass through.
func unwrapUnconnectedSend(msg []byte) []byte {
	if len(msg) < 2 || msg[0] != cip.SvcUnconnectedSend {
		return msg
	}
	at := 2 + int(msg[1])*2 + 2 // service, path, priority/ticks, timeout ticks
	if len(msg) < at+2 {
		return nil
	}
	size := int(binary.LittleEndian.Uint16(msg[at : at+2]))
	if len(msg) < at+2+size {
		return nil
	}
	return msg[at+2 : at+2+size]
}

// handleMessage answers one CIP request.
func (s *Server) handleMessage(msg []byte) []byte {
	if len(msg) < 2 || len(msg) < 2+int(msg[1])*2 {
		return statusReply(0x80, cip.StatusPathSegmentError)
	}
	service := msg[0]
	pathEnd := 2 + int(msg[1])*2
	path, data := cip.EPath_t(msg[2:pathEnd]), msg[pathEnd:]

	switch service {
	case cip.SvcReadTag:
		return s.readTag(path, data)
	case cip.SvcWriteTag:
		return s.writeTag(path, data)
	case cip.SvcMultipleServicePacket:
		if s.noMulti {
			return statusReply(service, cip.StatusServiceNotSupport)
		}
		return s.multiService(data)
	default:
		return statusReply(service, cip.StatusServiceNotSupport)
	}
}

func statusReply(service, status byte, ext ...uint16) []byte {
	out := []byte{service | 0x80, 0x00, status, byte(len(ext))}
	for _, e := range ext {
		out = binary.LittleEndian.AppendUint16(out, e)
	}
	return out
}

// lookup resolves a request path to a tag and the element index it addresses.
func (s *Server) lookup(path cip.EPath_t) (*tag, int, byte) {
	addr, err := cip.DecodePath(path)
	if err != nil || len(addr.Segments) == 0 {
		return nil, 0, cip.StatusPathSegmentError
	}
	index := 0
	last := &addr.Segments[len(addr.Segments)-1]
	switch len(last.Indices) {
	case 0:
	case 1:
		index = last.Indices[0]
		last.Indices = nil
	default:
		return nil, 0, cip.StatusPathSegmentError
	}
	for _, seg := range addr.Segments {
		if len(seg.Indices) > 0 {
			return nil, 0, cip.StatusPathSegmentError
		}
	}

	t, ok := s.tags[key(addr.String())]
	if !ok {
		return nil, 0, cip.StatusPathUnknown
	}
	return t, index, cip.StatusSuccess
}

func (s *Server) readTag(path cip.EPath_t, data []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, index, status := s.lookup(path)
	if status != cip.StatusSuccess {
		return statusReply(cip.SvcReadTag, status)
	}
	if len(data) < 2 {
		return statusReply(cip.SvcReadTag, statusNotEnoughData)
	}
	count := int(binary.LittleEndian.Uint16(data[0:2]))

	out := statusReply(cip.SvcReadTag, cip.StatusSuccess)
	out = binary.LittleEndian.AppendUint16(out, uint16(t.typ))
	switch t.typ {
	case cip.TypeString:
		out = binary.LittleEndian.AppendUint16(out, uint16(len(t.data)))
		return append(out, t.data...)
	case cip.TypeBool:
		return append(out, t.data...)
	}

	size := t.typ.Size()
	start, end := index*size, (index+count)*size
	if end > len(t.data) {
		return statusReply(cip.SvcReadTag, cip.StatusGeneralError, extOutOfRange)
	}
	return append(out, t.data[start:end]...)
}

func (s *Server) writeTag(path cip.EPath_t, data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, index, status := s.lookup(path)
	if status != cip.StatusSuccess {
		return statusReply(cip.SvcWriteTag, status)
	}
	if len(data) < 4 {
		return statusReply(cip.SvcWriteTag, statusNotEnoughData)
	}
	typ := cip.DataType(binary.LittleEndian.Uint16(data[0:2]))
	count := int(binary.LittleEndian.Uint16(data[2:4]))
	payload := data[4:]
	if typ != t.typ {
		return statusReply(cip.SvcWriteTag, cip.StatusGeneralError, extTypeMismatch)
	}

	switch typ {
	case cip.TypeString, cip.TypeBool:
		t.data = append([]byte(nil), payload...)
		return statusReply(cip.SvcWriteTag, cip.StatusSuccess)
	}

	size := typ.Size()
	if len(payload) < count*size {
		return statusReply(cip.SvcWriteTag, statusNotEnoughData)
	}
	start, end := index*size, (index+count)*size
	if end > len(t.data) {
		return statusReply(cip.SvcWriteTag, cip.StatusGeneralError, extOutOfRange)
	}
	copy(t.data[start:end], payload)
	return statusReply(cip.SvcWriteTag, cip.StatusSuccess)
}

func (s *Server) multiService(data []byte) []byte {
	requests, err := splitMultiService(data)
	if err != nil {
		return statusReply(cip.SvcMultipleServicePacket, statusNotEnoughData)
	}

	replies := make([][]byte, len(requests))
	status := cip.StatusSuccess
	for i, req := range requests {
		replies[i] = s.handleMessage(req)
		if replies[i][2] != cip.StatusSuccess {
			status = cip.StatusEmbeddedError
		}
	}

	out := statusReply(cip.SvcMultipleServicePacket, status)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(replies)))
	offset := 2 + 2*len(replies)
	for _, r := range replies {
		out = binary.LittleEndian.AppendUint16(out, uint16(offset))
		offset += len(r)
	}
	for _, r := range replies {
		out = append(out, r...)
	}
	return out
}

func splitMultiService(data []byte) ([][]byte, error) {
	if len(data) < 2 {
		return nil, errors.New("missing service count")
	}
	n := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+2*n {
		return nil, errors.New("truncated offset table")
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := int(binary.LittleEndian.Uint16(data[2+2*i:]))
		end := len(data)
		if i < n-1 {
			end = int(binary.LittleEndian.Uint16(data[4+2*i:]))
		}
		if start > end || end > len(data) {
			return nil, fmt.Errorf("bad offset for request %d", i)
		}
		out[i] = data[start:end]
	}
	return out, nil
}

func (s *Server) identityPayload(conn net.Conn) []byte {
	id := s.identity

	item := binary.LittleEndian.AppendUint16(nil, id.EncapsulationVersion)
	item = binary.BigEndian.AppendUint16(item, 2) // AF_INET
	item = binary.BigEndian.AppendUint16(item, eip.DefaultPort)
	ip := net.IPv4zero.To4()
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok && addr.IP.To4() != nil {
		ip = addr.IP.To4()
	}
	item = append(item, ip...)
	item = append(item, make([]byte, 8)...)
	item = binary.LittleEndian.AppendUint16(item, id.VendorID)
	item = binary.LittleEndian.AppendUint16(item, id.DeviceType)
	item = binary.LittleEndian.AppendUint16(item, id.ProductCode)
	item = append(item, id.RevisionMajor, id.RevisionMinor)
	item = binary.LittleEndian.AppendUint16(item, id.Status)
	item = binary.LittleEndian.AppendUint32(item, id.SerialNumber)
	item = append(item, byte(len(id.ProductName)))
	item = append(item, id.ProductName...)
	item = append(item, id.State)

	out := binary.LittleEndian.AppendUint16(nil, 1)
	out = binary.LittleEndian.AppendUint16(out, eip.CpfTypeListIdentityResponseId)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(item)))
	return append(out, item...)
}
