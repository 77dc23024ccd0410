package eip

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"omroncip/logging"
)

// Identity is the parsed ListIdentity identity item.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte

	IP   net.IP
	Port uint16
}

// Revision renders the firmware revision as "major.minor".
func (id Identity) Revision() string {
	return fmt.Sprintf("%d.%d", id.RevisionMajor, id.RevisionMinor)
}

// ListIdentity asks the connected PLC to identify itself (encapsulation command 0x63).
// This is not broadcast discovery; see Discover for that.
func (s *Session) ListIdentity(ctx context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return nil, ErrNotConnected
	}

	// Conventionally uses session_handle = 0 for ListIdentity.
	reply, err := s.transact(ctx, BuildFrame(ListIdentity, SessionHandle{}, nil))
	if err != nil {
		return nil, s.fail(fmt.Errorf("ListIdentity: %w", err))
	}
	hdr, _ := ParseHeader(reply)
	if hdr.status != 0 {
		return nil, fmt.Errorf("ListIdentity: encapsulation status=0x%08x", hdr.status)
	}

	// TCP replies often carry 0.0.0.0 in the embedded socket address; fall back to the peer.
	var peer net.IP
	if addr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = addr.IP
	}
	idents, err := parseListIdentityPayloadToIdentities(hdr.data, peer)
	if err != nil {
		return nil, fmt.Errorf("ListIdentity: parse payload: %w", err)
	}
	return idents, nil
}

// Discover broadcasts a ListIdentity request over UDP/44818 and collects replies
// until timeout expires or ctx is done.
//
// broadcastIP can be "255.255.255.255" or a directed broadcast like "192.168.1.255".
func Discover(ctx context.Context, broadcastIP string, timeout time.Duration) ([]Identity, error) {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid broadcast IP: %q", broadcastIP)
	}
	ip = ip.To4()
	if ip == nil {
		return nil, fmt.Errorf("broadcast IP must be IPv4: %q", broadcastIP)
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("ListenUDP: %w", err)
	}
	defer uc.Close()

	req := BuildFrame(ListIdentity, SessionHandle{}, nil)
	raddr := &net.UDPAddr{IP: ip, Port: DefaultPort}
	logging.DebugTX("EIP", req)
	if _, err := uc.WriteToUDP(req, raddr); err != nil {
		return nil, fmt.Errorf("WriteToUDP(ListIdentity): %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := uc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("SetReadDeadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = uc.SetReadDeadline(time.Now()) })
	defer stop()

	// Collect devices; dedupe by (IP, Serial)
	type key struct {
		ip     string
		serial uint32
	}
	seen := make(map[key]struct{})
	out := make([]Identity, 0, 8)

	buf := make([]byte, 4096)
	for {
		n, src, err := uc.ReadFromUDP(buf)
		if err != nil {
			// Timeout is expected; stop collecting
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("ReadFromUDP: %w", err)
		}
		logging.DebugRX("EIP", buf[:n])

		hdr, err := ParseHeader(buf[:n])
		if err != nil || hdr.command != ListIdentity || hdr.status != 0 {
			continue
		}
		if HeaderSize+int(hdr.length) > n {
			// Truncated packet
			continue
		}

		idents, err := parseListIdentityPayloadToIdentities(hdr.data, src.IP)
		if err != nil {
			// Ignore malformed replies rather than failing discovery
			continue
		}

		for _, id := range idents {
			k := key{ip: id.IP.String(), serial: id.SerialNumber}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, id)
		}
	}

	return out, nil
}

// --- Helpers (kept private) ---

func parseListIdentityPayloadToIdentities(p []byte, fallbackIP net.IP) ([]Identity, error) {
	cpf, err := ParseEipCommonPacket(p)
	if err != nil {
		return nil, err
	}

	idents := make([]Identity, 0, len(cpf.Items))
	for _, item := range cpf.Items {
		if item.TypeId != CpfTypeListIdentityResponseId {
			continue
		}
		id, err := parseIdentityItemData(item.Data)
		if err != nil {
			return nil, err
		}
		// If identity item didn't yield a valid IP, fall back to the source IP
		if id.IP == nil || id.IP.To4() == nil || id.IP.Equal(net.IPv4zero) {
			id.IP = fallbackIP
		}
		idents = append(idents, id)
	}

	return idents, nil
}

func parseIdentityItemData(b []byte) (Identity, error) {
	// Minimum length up to ProductNameLength is 33 bytes.
	if len(b) < 33 {
		return Identity{}, fmt.Errorf("identity item too short: %d", len(b))
	}
	off := 0

	encapVer := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	// Socket Address (16 bytes): family(2), port(2), addr(4), zero(8)
	if off+16 > len(b) {
		return Identity{}, fmt.Errorf("socket address truncated")
	}
	sock := b[off : off+16]
	off += 16

	port := binary.BigEndian.Uint16(sock[2:4]) // network byte order
	ip := net.IPv4(sock[4], sock[5], sock[6], sock[7])

	vendor := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	devType := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	prodCode := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	revMaj := b[off]
	revMin := b[off+1]
	off += 2

	status := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	serial := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	nameLen := int(b[off])
	off++

	if off+nameLen > len(b) {
		return Identity{}, fmt.Errorf("product name truncated: need %d bytes, have %d", nameLen, len(b)-off)
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	if off >= len(b) {
		return Identity{}, fmt.Errorf("missing state byte")
	}
	state := b[off]

	return Identity{
		EncapsulationVersion: encapVer,
		VendorID:             vendor,
		DeviceType:           devType,
		ProductCode:          prodCode,
		RevisionMajor:        revMaj,
		RevisionMinor:        revMin,
		Status:               status,
		SerialNumber:         serial,
		ProductName:          name,
		State:                state,
		IP:                   ip,
		Port:                 port,
	}, nil
}
