// Package capture records EtherNet/IP traffic to a pcap file. Each frame is wrapped
// in synthetic Ethernet, IPv4 and TCP headers so Wireshark's ENIP dissector decodes
// it without a live capture or root privileges.
package capture

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"omroncip/eip"
	"omroncip/logging"
	"omroncip/omron"
)

const snapLen = 65535

var (
	localIP  = net.IPv4(10, 0, 0, 1).To4()
	localMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	plcMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Recorder writes frames from any number of PLC connections to one pcap stream.
type Recorder struct {
	mu       sync.Mutex
	w        *pcapgo.Writer
	closer   io.Closer
	closed   bool
	packets  int
	nextPort uint16
}

// New writes a pcap file header to w and returns a recorder appending to it.
func New(w io.Writer) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{w: pw, nextPort: 50000}, nil
}

// Create creates (or truncates) a pcap file at path.
func Create(path string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	r, err := New(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// Packets returns the number of frames written so far.
func (r *Recorder) Packets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Close stops recording and closes the file if the recorder opened it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Flow returns a recorder for one connection to address (host or host:port).
// Hostnames that are not IPv4 literals are recorded as 10.0.0.2.
func (r *Recorder) Flow(address string) omron.Recorder {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	port := uint16(eip.DefaultPort)
	if p, err := strconv.ParseUint(portStr, 10, 16); err == nil {
		port = uint16(p)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		ip = net.IPv4(10, 0, 0, 2).To4()
	}

	r.mu.Lock()
	local := r.nextPort
	r.nextPort++
	r.mu.Unlock()

	return &flow{rec: r, plcIP: ip, plcPort: port, localPort: local, clientSeq: 1, serverSeq: 1}
}

// flow tracks TCP sequence numbers for one connection.
type flow struct {
	rec       *Recorder
	plcIP     net.IP
	plcPort   uint16
	localPort uint16
	clientSeq uint32
	serverSeq uint32
}

// Record implements omron.Recorder.
func (f *flow) Record(dir eip.Direction, frame []byte) {
	r := f.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       localMAC,
		DstMAC:       plcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    localIP,
		DstIP:    f.plcIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.localPort),
		DstPort: layers.TCPPort(f.plcPort),
		ACK:     true,
		PSH:     true,
		Window:  65535,
		Seq:     f.clientSeq,
		Ack:     f.serverSeq,
	}
	if dir == eip.Received {
		eth.SrcMAC, eth.DstMAC = plcMAC, localMAC
		ip.SrcIP, ip.DstIP = f.plcIP, localIP
		tcp.SrcPort, tcp.DstPort = tcp.DstPort, tcp.SrcPort
		tcp.Seq, tcp.Ack = f.serverSeq, f.clientSeq
		f.serverSeq += uint32(len(frame))
	} else {
		f.clientSeq += uint32(len(frame))
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(frame)); err != nil {
		logging.DebugError("capture", "serialize", err)
		return
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := r.w.WritePacket(ci, data); err != nil {
		logging.DebugError("capture", "write packet", err)
		return
	}
	r.packets++
}
