package eip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"omroncip/cip"
	"omroncip/logging"
)

var (
	ErrConnection   = errors.New("connection error")
	ErrRegistration = errors.New("session registration failed")
	ErrNotConnected = errors.New("not connected")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "Unconnected"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Direction tells a traffic hook which way a frame travelled.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Sent {
		return "TX"
	}
	return "RX"
}

// Session owns one TCP connection to a PLC and the session handle registered on it.
// Every exchange, and every change to the connection or handle, happens under one
// mutex, so at most one request is on the wire at a time.
type Session struct {
	address string
	port    uint16
	slot    byte
	timeout time.Duration

	onTraffic func(Direction, []byte)
	onError   func(error)

	mu     sync.Mutex
	conn   net.Conn
	handle SessionHandle
	state  State
}

// Option configures a Session.
type Option func(*Session)

// WithPort sets the TCP port (default 44818).
func WithPort(port uint16) Option {
	return func(s *Session) { s.port = port }
}

// WithSlot sets the backplane slot requests are routed to (default 0).
func WithSlot(slot byte) Option {
	return func(s *Session) { s.slot = slot }
}

// WithTimeout bounds dialing and each request/reply exchange (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTrafficHook registers a callback for every frame sent or received. It runs
// with the session locked and must not call back into the session.
func WithTrafficHook(fn func(dir Direction, frame []byte)) Option {
	return func(s *Session) { s.onTraffic = fn }
}

// WithErrorHook registers a callback for transport and registration failures.
func WithErrorHook(fn func(err error)) Option {
	return func(s *Session) { s.onError = fn }
}

// NewSession creates an unconnected session. address may carry its own port
// ("10.0.0.5:44818"), which takes precedence over WithPort.
func NewSession(address string, opts ...Option) *Session {
	s := &Session{
		address: address,
		port:    DefaultPort,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if host, port, err := net.SplitHostPort(address); err == nil {
		if p, err := strconv.ParseUint(port, 10, 16); err == nil {
			s.address = host
			s.port = uint16(p)
		}
	}
	return s
}

func (s *Session) target() string {
	return net.JoinHostPort(s.address, strconv.Itoa(int(s.port)))
}

// Address returns host:port of the PLC.
func (s *Session) Address() string { return s.target() }

// Slot returns the backplane slot requests are routed to.
func (s *Session) Slot() byte { return s.slot }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the registered session handle, zero when not connected.
func (s *Session) Handle() SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// IsConnected reports whether the session is registered.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Connect opens the TCP connection and registers a session. It is a no-op when
// already connected; a closed session may be connected again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected {
		return nil
	}

	target := s.target()
	logging.DebugConnect("EIP", target)

	d := net.Dialer{Timeout: s.timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		logging.DebugConnectError("EIP", target, err)
		return s.fail(fmt.Errorf("%w: dial %s: %w", ErrConnection, target, err))
	}

	s.conn = conn
	handle, err := s.registerSession(ctx)
	if err != nil {
		_ = conn.Close()
		s.conn = nil
		logging.DebugError("EIP", "RegisterSession", err)
		return s.fail(err)
	}

	s.handle = handle
	s.state = StateConnected
	logging.DebugConnectSuccess("EIP", target, "session="+handle.String())
	return nil
}

// registerSession sends RegisterSession (protocol version 1, no options) and
// returns the handle from the reply.
func (s *Session) registerSession(ctx context.Context) (SessionHandle, error) {
	reply, err := s.transact(ctx, BuildFrame(RegisterSession, SessionHandle{}, []byte{0x01, 0x00, 0x00, 0x00}))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return SessionHandle{}, fmt.Errorf("%w: short reply: %v", ErrRegistration, err)
		}
		return SessionHandle{}, err
	}

	hdr, _ := ParseHeader(reply)
	switch {
	case hdr.command != RegisterSession:
		return SessionHandle{}, fmt.Errorf("%w: reply command 0x%04X", ErrRegistration, hdr.command)
	case hdr.status != 0:
		return SessionHandle{}, fmt.Errorf("%w: encapsulation status 0x%08X", ErrRegistration, hdr.status)
	case len(hdr.data) < 4:
		return SessionHandle{}, fmt.Errorf("%w: reply carries %d bytes of data, want 4", ErrRegistration, len(hdr.data))
	case hdr.sessionHandle.IsZero():
		return SessionHandle{}, fmt.Errorf("%w: got session handle 0", ErrRegistration)
	}
	return hdr.sessionHandle, nil
}

// Close unregisters the session and closes the socket. Teardown is best-effort:
// UnRegisterSession is sent without waiting for a reply and errors are dropped.
// Closing an already-closed session does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		logging.DebugDisconnect("EIP", s.target(), "close requested")
		if !s.handle.IsZero() {
			frame := BuildFrame(UnRegisterSession, s.handle, nil)
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			if _, err := s.conn.Write(frame); err == nil {
				s.traffic(Sent, frame)
			}
		}
		_ = s.conn.Close()
		s.conn = nil
	}
	s.handle = SessionHandle{}
	s.state = StateClosed
	return nil
}

// Exchange sends one or more CIP requests in a single SendRRData and returns the
// full reply frame. Requests are validated and framed before anything is sent.
func (s *Session) Exchange(ctx context.Context, requests ...cip.Request) ([]byte, error) {
	data, err := BuildCommandSpecificData(s.slot, requests...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return nil, ErrNotConnected
	}

	reply, err := s.transact(ctx, BuildFrame(SendRRData, s.handle, data))
	if err != nil {
		return nil, s.fail(err)
	}

	hdr, _ := ParseHeader(reply)
	if hdr.command != SendRRData {
		return nil, fmt.Errorf("%w: reply command 0x%04X", cip.ErrUnexpectedReply, hdr.command)
	}
	if hdr.status != 0 {
		return nil, fmt.Errorf("%w: encapsulation status 0x%08X", cip.ErrUnexpectedReply, hdr.status)
	}
	return reply, nil
}

// Read reads a single element of tag.
func (s *Session) Read(ctx context.Context, tag string) (cip.Value, error) {
	return s.ReadElements(ctx, tag, 1)
}

// ReadElements reads count elements of an array tag starting at the addressed element.
func (s *Session) ReadElements(ctx context.Context, tag string, count uint16) (cip.Value, error) {
	req, err := cip.BuildReadRequest(tag, count)
	if err != nil {
		return nil, err
	}
	reply, err := s.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	return cip.DecodeReply(reply)
}

// Write encodes value as typ and writes it to tag. Slices write consecutive elements.
func (s *Session) Write(ctx context.Context, tag string, typ cip.DataType, value any) error {
	data, count, err := cip.EncodeValue(typ, value)
	if err != nil {
		return err
	}
	req, err := cip.BuildWriteRequest(tag, typ, count, data)
	if err != nil {
		return err
	}
	reply, err := s.Exchange(ctx, req)
	if err != nil {
		return err
	}
	return cip.CheckWriteReply(reply)
}

// ReadMulti reads several tags in one Multiple Service Packet. The transport error,
// if any, is returned separately from the per-tag results.
func (s *Session) ReadMulti(ctx context.Context, tags []string) ([]cip.ServiceResult, error) {
	reqs := make([]cip.Request, len(tags))
	for i, tag := range tags {
		req, err := cip.BuildReadRequest(tag, 1)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}
	if len(reqs) == 1 {
		v, err := s.Read(ctx, tags[0])
		if err != nil && !isReplyError(err) {
			return nil, err
		}
		return []cip.ServiceResult{{Value: v, Err: err}}, nil
	}

	reply, err := s.Exchange(ctx, reqs...)
	if err != nil {
		return nil, err
	}
	return cip.DecodeMultiReply(reply)
}

// isReplyError reports whether err came from decoding a reply rather than the transport.
func isReplyError(err error) bool {
	return errors.Is(err, cip.ErrPlcStatus) ||
		errors.Is(err, cip.ErrMalformedReply) ||
		errors.Is(err, cip.ErrUnsupportedType) ||
		errors.Is(err, cip.ErrUnexpectedReply)
}

// SendNop sends an encapsulation NOP to keep the connection alive. The PLC does not reply.
func (s *Session) SendNop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	stop := s.arm(ctx)
	defer stop()

	frame := BuildFrame(NOP, s.handle, nil)
	if _, err := s.conn.Write(frame); err != nil {
		return s.fail(fmt.Errorf("%w: send NOP: %w", ErrConnection, ctxErr(ctx, err)))
	}
	s.traffic(Sent, frame)
	return nil
}

// transact writes frame and reads one complete reply: the 24-byte header first,
// then exactly the body length it declares. Must be called with s.mu held.
func (s *Session) transact(ctx context.Context, frame []byte) ([]byte, error) {
	stop := s.arm(ctx)
	defer stop()

	logging.DebugTX("EIP", frame)
	if _, err := s.conn.Write(frame); err != nil {
		logging.DebugError("EIP", "send", err)
		return nil, fmt.Errorf("%w: send: %w", ErrConnection, ctxErr(ctx, err))
	}
	s.traffic(Sent, frame)

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		logging.DebugError("EIP", "read header", err)
		return nil, fmt.Errorf("%w: read header: %w", ErrConnection, ctxErr(ctx, err))
	}

	length := int(binary.LittleEndian.Uint16(header[2:4]))
	if length > maxPayload {
		logging.DebugLog("EIP", "RX excessive payload length: %d", length)
		return nil, fmt.Errorf("%w: declared length %d", cip.ErrMalformedReply, length)
	}

	reply := make([]byte, HeaderSize+length)
	copy(reply, header)
	if _, err := io.ReadFull(s.conn, reply[HeaderSize:]); err != nil {
		logging.DebugError("EIP", "read body", err)
		return nil, fmt.Errorf("%w: read body: %w", ErrConnection, ctxErr(ctx, err))
	}

	var got SessionHandle
	copy(got[:], header[4:8])
	if !got.IsZero() && !s.handle.IsZero() && got != s.handle {
		logging.DebugLog("EIP", "RX session mismatch: expected %s, got %s", s.handle, got)
		return nil, fmt.Errorf("%w: session handle %s, expected %s", cip.ErrUnexpectedReply, got, s.handle)
	}

	logging.DebugRX("EIP", reply)
	s.traffic(Received, reply)
	return reply, nil
}

// arm applies the exchange deadline (the timeout, or ctx's deadline if sooner) and
// aborts blocked I/O if ctx is cancelled. The returned func disarms it.
func (s *Session) arm(ctx context.Context) func() {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	conn := s.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) traffic(dir Direction, frame []byte) {
	if s.onTraffic != nil {
		s.onTraffic(dir, frame)
	}
}

func (s *Session) fail(err error) error {
	if s.onError != nil && err != nil {
		s.onError(err)
	}
	return err
}
