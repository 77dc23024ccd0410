package eip

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"omroncip/cip"
)

var testHandle = SessionHandle{0x01, 0x02, 0x03, 0x04}

// servePLC starts a one-connection fake PLC on loopback and runs handler on the
// accepted connection. The returned address includes the port.
func servePLC(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return ln.Addr().String()
}

func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	body := make([]byte, binary.LittleEndian.Uint16(header[2:4]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// registerReply answers a RegisterSession request with handle.
func registerReply(handle SessionHandle) []byte {
	return BuildFrame(RegisterSession, handle, []byte{0x01, 0x00, 0x00, 0x00})
}

// rrReply wraps a CIP reply in SendRRData framing.
func rrReply(handle SessionHandle, cipReply []byte) []byte {
	data := []byte{0, 0, 0, 0, 0, 0, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0xB2, 0x00}
	data = binary.LittleEndian.AppendUint16(data, uint16(len(cipReply)))
	data = append(data, cipReply...)
	return BuildFrame(SendRRData, handle, data)
}

// acceptRegistration reads the RegisterSession request and answers it.
func acceptRegistration(t *testing.T, conn net.Conn) bool {
	req, err := readFrame(conn)
	if err != nil {
		t.Errorf("read register: %v", err)
		return false
	}
	if req[0] != byte(RegisterSession) {
		t.Errorf("first command = 0x%02X, want 0x65", req[0])
		return false
	}
	_, err = conn.Write(registerReply(testHandle))
	return err == nil
}

func TestSession_ConnectReadClose(t *testing.T) {
	closed := make(chan []byte, 1)
	addr := servePLC(t, func(conn net.Conn) {
		req, err := readFrame(conn)
		if err != nil {
			t.Errorf("read register: %v", err)
			return
		}
		if !bytes.Equal(req[:4], []byte{0x65, 0x00, 0x04, 0x00}) || !bytes.Equal(req[4:8], make([]byte, 4)) {
			t.Errorf("register header = % X", req[:8])
		}
		if !bytes.Equal(req[24:], []byte{0x01, 0x00, 0x00, 0x00}) {
			t.Errorf("register data = % X", req[24:])
		}
		// Reply split across two TCP writes.
		reply := registerReply(testHandle)
		conn.Write(reply[:3])
		time.Sleep(20 * time.Millisecond)
		conn.Write(reply[3:])

		req, err = readFrame(conn)
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if req[0] != byte(SendRRData) || !bytes.Equal(req[4:8], testHandle[:]) {
			t.Errorf("request header = % X", req[:8])
		}
		if req[len(req)-1] != 2 {
			t.Errorf("routed to slot %d, want 2", req[len(req)-1])
		}
		conn.Write(rrReply(testHandle, []byte{0xCC, 0x00, 0x00, 0x00, 0xC4, 0x00, 0xC7, 0xCF, 0xFF, 0xFF}))

		req, err = readFrame(conn)
		if err != nil {
			t.Errorf("read unregister: %v", err)
			return
		}
		closed <- req
	})

	s := NewSession(addr, WithSlot(2), WithTimeout(2*time.Second))
	if s.State() != StateUnconnected {
		t.Fatalf("initial state = %s", s.State())
	}

	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want Connected", s.State())
	}
	if s.Handle() != testHandle {
		t.Errorf("handle = %s, want %s", s.Handle(), testHandle)
	}

	v, err := s.Read(ctx, "Counter")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if v.GoValue() != int32(-12345) {
		t.Errorf("Read = %#v, want int32(-12345)", v.GoValue())
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
	select {
	case req := <-closed:
		if req[0] != byte(UnRegisterSession) || !bytes.Equal(req[4:8], testHandle[:]) {
			t.Errorf("unregister header = % X", req[:8])
		}
	case <-time.After(2 * time.Second):
		t.Error("UnRegisterSession not received")
	}
	if s.State() != StateClosed || !s.Handle().IsZero() {
		t.Errorf("after Close: state %s, handle %s", s.State(), s.Handle())
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
	if _, err := s.Read(ctx, "Counter"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read after Close error = %v, want ErrNotConnected", err)
	}
}

// requestedTag returns the symbolic tag name of a single-request SendRRData frame.
func requestedTag(frame []byte) (string, bool) {
	at := HeaderSize + cpfPrefixSize + ucmmHeaderSize + 2 // service, path size
	if len(frame) < at+2 || frame[at] != 0x91 {
		return "", false
	}
	n := int(frame[at+1])
	if len(frame) < at+2+n {
		return "", false
	}
	return string(frame[at+2 : at+2+n]), true
}

func TestSession_ConcurrentReadsStayPaired(t *testing.T) {
	const callers = 20
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		for i := 0; ; i++ {
			req, err := readFrame(conn)
			if err != nil || req[0] != byte(SendRRData) {
				return
			}
			tag, ok := requestedTag(req)
			if !ok {
				t.Errorf("unparseable request % X", req)
				return
			}
			// Stagger replies so callers pile up behind the one in flight.
			if i%3 == 0 {
				time.Sleep(2 * time.Millisecond)
			}
			reply := []byte{0xCC, 0x00, 0x00, 0x00, 0xC4, 0x00}
			reply = binary.LittleEndian.AppendUint32(reply, uint32(len(tag)))
			if _, err := conn.Write(rrReply(testHandle, reply)); err != nil {
				return
			}
		}
	})

	s := NewSession(addr, WithTimeout(5*time.Second))
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 1; i <= callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, err := s.Read(ctx, strings.Repeat("x", n))
			if err != nil {
				errs <- fmt.Errorf("caller %d: %w", n, err)
				return
			}
			if got := v.GoValue(); got != int32(n) {
				errs <- fmt.Errorf("caller %d got %v", n, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSession_SplitBody(t *testing.T) {
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		if _, err := readFrame(conn); err != nil {
			return
		}
		reply := rrReply(testHandle, []byte{0xCC, 0x00, 0x00, 0x00, 0xD0, 0x00, 0x05, 0x00, 'h', 'e', 'l', 'l', 'o'})
		// Header and body arrive in separate segments, body in two pieces.
		conn.Write(reply[:HeaderSize])
		time.Sleep(10 * time.Millisecond)
		conn.Write(reply[HeaderSize : HeaderSize+10])
		time.Sleep(10 * time.Millisecond)
		conn.Write(reply[HeaderSize+10:])
	})

	s := NewSession(addr)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	v, err := s.Read(ctx, "Name")
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if v.GoValue() != "hello" {
		t.Errorf("Read = %#v, want hello", v.GoValue())
	}
}

func TestSession_RegistrationErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"zero handle", registerReply(SessionHandle{})},
		{"bad status", func() []byte {
			f := registerReply(testHandle)
			f[8] = 0x69
			return f
		}()},
		{"wrong command", BuildFrame(ListIdentity, testHandle, []byte{1, 0, 0, 0})},
		{"no data", BuildFrame(RegisterSession, testHandle, nil)},
		{"truncated", registerReply(testHandle)[:10]},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			addr := servePLC(t, func(conn net.Conn) {
				if _, err := readFrame(conn); err != nil {
					return
				}
				conn.Write(tc.reply)
			})

			var hooked error
			s := NewSession(addr, WithTimeout(time.Second), WithErrorHook(func(err error) { hooked = err }))
			err := s.Connect(context.Background())
			if !errors.Is(err, ErrRegistration) {
				t.Errorf("Connect error = %v, want ErrRegistration", err)
			}
			if hooked == nil {
				t.Error("error hook not called")
			}
			if s.State() != StateUnconnected {
				t.Errorf("state = %s, want Unconnected", s.State())
			}
		})
	}
}

func TestSession_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := NewSession(addr, WithTimeout(time.Second))
	if err := s.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("Connect error = %v, want ErrConnection", err)
	}
}

func TestSession_NotConnected(t *testing.T) {
	s := NewSession("127.0.0.1")
	ctx := context.Background()

	if _, err := s.Read(ctx, "Tag"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read error = %v, want ErrNotConnected", err)
	}
	if err := s.Write(ctx, "Tag", cip.TypeInt, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write error = %v, want ErrNotConnected", err)
	}
	if err := s.SendNop(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendNop error = %v, want ErrNotConnected", err)
	}
	if _, err := s.ListIdentity(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListIdentity error = %v, want ErrNotConnected", err)
	}
	// Encoding errors are reported before the connection is even considered.
	if _, err := s.Read(ctx, "Bad..Tag"); !errors.Is(err, cip.ErrInvalidAddress) {
		t.Errorf("Read error = %v, want ErrInvalidAddress", err)
	}
	if err := s.Write(ctx, "Tag", cip.TypeShort, 70000); err == nil || errors.Is(err, ErrNotConnected) {
		t.Errorf("Write error = %v, want range error", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestSession_TransportErrorKeepsState(t *testing.T) {
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		readFrame(conn)
		// Close without replying.
	})

	s := NewSession(addr, WithTimeout(time.Second))
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	_, err := s.Read(ctx, "Tag")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Read error = %v, want ErrConnection", err)
	}
	if s.State() != StateConnected || s.Handle() != testHandle {
		t.Errorf("state %s handle %s changed after transport error", s.State(), s.Handle())
	}
	s.Close()
}

func TestSession_Timeout(t *testing.T) {
	release := make(chan struct{})
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		readFrame(conn)
		<-release
	})
	defer close(release)

	s := NewSession(addr, WithTimeout(100*time.Millisecond))
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, err := s.Read(ctx, "Tag")
	if !errors.Is(err, ErrConnection) || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Read error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Read took %v", elapsed)
	}
}

func TestSession_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		readFrame(conn)
		<-release
	})
	defer close(release)

	s := NewSession(addr, WithTimeout(5*time.Second))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if _, err := s.Read(ctx, "Tag"); !errors.Is(err, context.Canceled) {
		t.Errorf("Read error = %v, want context.Canceled", err)
	}
}

func TestSession_WriteAndHooks(t *testing.T) {
	got := make(chan []byte, 1)
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		got <- req
		conn.Write(rrReply(testHandle, []byte{0xCD, 0x00, 0x00, 0x00}))

		readFrame(conn)
		conn.Write(rrReply(testHandle, []byte{0xCD, 0x00, 0x05, 0x00}))
	})

	var mu sync.Mutex
	var dirs []Direction
	s := NewSession(addr, WithTrafficHook(func(dir Direction, frame []byte) {
		mu.Lock()
		dirs = append(dirs, dir)
		mu.Unlock()
	}))
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	if err := s.Write(ctx, "Speed", cip.TypeFloat, 1.5); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	req := <-got
	wantReq := []byte{
		0x4D, 0x04, 0x91, 0x05, 'S', 'p', 'e', 'e', 'd', 0x00,
		0xCA, 0x00, 0x01, 0x00,
		0x00, 0x00, 0xC0, 0x3F,
	}
	if cipReq := req[HeaderSize+26 : len(req)-4]; !bytes.Equal(cipReq, wantReq) {
		t.Errorf("write request = % X, want % X", cipReq, wantReq)
	}

	if err := s.Write(ctx, "Speed", cip.TypeFloat, 2.0); !errors.Is(err, cip.ErrPlcStatus) {
		t.Errorf("Write error = %v, want ErrPlcStatus", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Direction{Sent, Received, Sent, Received, Sent, Received}
	if len(dirs) != len(want) {
		t.Fatalf("traffic hook saw %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("traffic[%d] = %s, want %s", i, dirs[i], want[i])
		}
	}
}

func TestSession_ReadMulti(t *testing.T) {
	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		// Multiple Service Packet service code follows the unconnected send header.
		if req[HeaderSize+26] != cip.SvcMultipleServicePacket {
			t.Errorf("embedded service = 0x%02X, want 0x0A", req[HeaderSize+26])
		}
		one := []byte{0xCC, 0x00, 0x00, 0x00, 0xC3, 0x00, 0x01, 0x00}
		two := []byte{0xCC, 0x00, 0x05, 0x00}
		body := []byte{0x8A, 0x00, 0x1E, 0x00, 0x02, 0x00, 0x06, 0x00, byte(6 + len(one)), 0x00}
		body = append(body, one...)
		body = append(body, two...)
		conn.Write(rrReply(testHandle, body))
	})

	s := NewSession(addr)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	results, err := s.ReadMulti(ctx, []string{"A", "Missing"})
	if err != nil {
		t.Fatalf("ReadMulti error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err != nil || results[0].Value.GoValue() != int16(1) {
		t.Errorf("result 0 = %+v", results[0])
	}
	if !errors.Is(results[1].Err, cip.ErrPlcStatus) {
		t.Errorf("result 1 error = %v, want ErrPlcStatus", results[1].Err)
	}
}

func TestSession_ListIdentity(t *testing.T) {
	// encap version, socket address (0.0.0.0), vendor, device type, product code
	item := binary.LittleEndian.AppendUint16(nil, 1)
	item = append(item, 0x00, 0x02, 0xAF, 0x12, 0, 0, 0, 0)
	item = append(item, make([]byte, 8)...)
	item = binary.LittleEndian.AppendUint16(item, 0x002F)
	item = binary.LittleEndian.AppendUint16(item, 0x000C)
	item = binary.LittleEndian.AppendUint16(item, 0x0680)
	// revision, status, serial, product name
	item = append(item, 1, 40)
	item = binary.LittleEndian.AppendUint16(item, 0x0030)
	item = binary.LittleEndian.AppendUint32(item, 0xCAFEBABE)
	item = append(item, byte(len("NX102-9000")))
	item = append(item, "NX102-9000"...)
	item = append(item, 0x03) // state

	payload := binary.LittleEndian.AppendUint16(nil, 1)
	payload = binary.LittleEndian.AppendUint16(payload, CpfTypeListIdentityResponseId)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(item)))
	payload = append(payload, item...)

	addr := servePLC(t, func(conn net.Conn) {
		if !acceptRegistration(t, conn) {
			return
		}
		req, err := readFrame(conn)
		if err != nil || req[0] != byte(ListIdentity) {
			t.Errorf("expected ListIdentity, got % X (%v)", req, err)
			return
		}
		conn.Write(BuildFrame(ListIdentity, SessionHandle{}, payload))
	})

	s := NewSession(addr)
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer s.Close()

	ids, err := s.ListIdentity(ctx)
	if err != nil {
		t.Fatalf("ListIdentity error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d identities", len(ids))
	}
	id := ids[0]
	if id.ProductName != "NX102-9000" || id.VendorID != 0x2F || id.SerialNumber != 0xCAFEBABE {
		t.Errorf("identity = %+v", id)
	}
	if id.Revision() != "1.40" {
		t.Errorf("Revision = %q", id.Revision())
	}
	if !id.IP.Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IP = %v, want peer fallback 127.0.0.1", id.IP)
	}
}

func TestNewSession_AddressPort(t *testing.T) {
	s := NewSession("10.0.0.5")
	if s.Address() != "10.0.0.5:44818" {
		t.Errorf("Address = %q", s.Address())
	}
	s = NewSession("10.0.0.5", WithPort(2222))
	if s.Address() != "10.0.0.5:2222" {
		t.Errorf("Address = %q", s.Address())
	}
	s = NewSession("10.0.0.5:1234", WithPort(2222))
	if s.Address() != "10.0.0.5:1234" {
		t.Errorf("Address = %q", s.Address())
	}
}
