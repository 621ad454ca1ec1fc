package rtp

import (
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/brightwing/rtspcam/rtsp"
)

const tcpWriteDeadline = 100 * time.Millisecond

// ErrSocketsClosed is returned by Ensure* once CloseSharedSockets has run;
// a fresh TransportMux is required for a new client generation.
var ErrSocketsClosed = errors.New("rtp: transport mux sockets are closed")

// TransportMux is the Transport Mux of spec.md §4.2: it owns the shared
// per-kind UDP sockets (unicast send socket and multicast send socket)
// and knows how to deliver one RTP packet to one session's negotiated
// transport, whichever of the three shapes (TCP-interleaved, UDP
// unicast, UDP multicast) that session picked at SETUP.
//
// Grounded on the teacher's single net.DialUDP + blocking conn.Write in
// rtp/rtp.go's streamTrack, generalized to the three transports this
// spec requires, and on original_source/src/network.cpp's
// checkAndSetupUDP/sendTcpPacket for the socket-provisioning and
// write-retry shapes.
type TransportMux struct {
	mu     sync.Mutex
	closed bool

	unicastConn [rtsp.NumMediaKinds]*net.UDPConn

	mcastAddr  [rtsp.NumMediaKinds]*net.UDPAddr
	mcastConn  [rtsp.NumMediaKinds]*net.UDPConn
	mcastPktIP [rtsp.NumMediaKinds]*ipv4.PacketConn

	mcastGroup string
	mcastTTL   int
	basePort   int
}

// NewTransportMux constructs a mux that will send multicast RTP to
// mcastGroup:basePort+2*kind with the given TTL, once a session first
// requests multicast for that kind.
func NewTransportMux(mcastGroup string, mcastTTL, basePort int) *TransportMux {
	return &TransportMux{mcastGroup: mcastGroup, mcastTTL: mcastTTL, basePort: basePort}
}

// EnsureUnicastSocket lazily binds the server-side send socket used for
// this kind's UDP unicast RTP, returning its local port so the SETUP
// handler can report it as server_port. The socket is shared by every
// unicast client of this kind, mirroring checkAndSetupUDP's
// create-once-reuse behavior.
func (m *TransportMux) EnsureUnicastSocket(kind rtsp.MediaKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrSocketsClosed
	}

	if c := m.unicastConn[kind]; c != nil {
		return c.LocalAddr().(*net.UDPAddr).Port, nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return 0, errors.Wrap(err, "rtp: bind unicast socket")
	}

	m.unicastConn[kind] = conn
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// EnsureMulticastSocket lazily binds the shared send socket for this
// kind's multicast group, setting the configured TTL.
func (m *TransportMux) EnsureMulticastSocket(kind rtsp.MediaKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSocketsClosed
	}

	if m.mcastConn[kind] != nil {
		return nil
	}

	port := m.basePort + 2*int(kind)
	addr := &net.UDPAddr{IP: net.ParseIP(m.mcastGroup), Port: port}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return errors.Wrap(err, "rtp: bind multicast socket")
	}

	pktConn := ipv4.NewPacketConn(conn)
	if err := pktConn.SetMulticastTTL(m.mcastTTL); err != nil {
		conn.Close()
		return errors.Wrap(err, "rtp: set multicast ttl")
	}

	m.mcastConn[kind] = conn
	m.mcastPktIP[kind] = pktConn
	m.mcastAddr[kind] = addr
	return nil
}

// CloseSharedSockets tears down every shared per-kind socket, called by
// the Control Loop once the last session of a generation disconnects
// (spec.md §4.4: "the last TEARDOWN/disconnect closes sockets and
// clears the admission profile").
func (m *TransportMux) CloseSharedSockets() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for kind := range m.unicastConn {
		if c := m.unicastConn[kind]; c != nil {
			c.Close()
			m.unicastConn[kind] = nil
		}
		if c := m.mcastConn[kind]; c != nil {
			c.Close()
			m.mcastConn[kind] = nil
			m.mcastPktIP[kind] = nil
		}
	}
	m.closed = true
}

// IsFatalSendError classifies a Send error for the Fan-out Pipeline's
// teardown decision (spec.md §4.2): a write-deadline expiring under
// backpressure is transient — the packet is dropped but the session
// stays registered, the way sendTcpPacket's EAGAIN/select(100ms) retry
// never tore down the connection. Every other error — a reset, a closed
// peer, or anything else — is fatal and ends the session.
func IsFatalSendError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

// IsPeerClosedSendError reports whether a fatal Send error was the peer
// going away (EOF, reset, or an already-closed descriptor) as opposed to
// some other fault. Spec.md §4.2: peer-closed indicators end the session
// silently; other fatal errors are logged before the session ends.
func IsPeerClosedSendError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.EBADF)
}

// Send delivers one RTP packet to dest's negotiated transport for kind.
// A write failure is never fatal to the mux itself: it is reported to
// the caller so the Fan-out Pipeline can classify it (IsFatalSendError/
// IsPeerClosedSendError) and drop the session, but it never blocks other
// sessions' sends.
func (m *TransportMux) Send(dest rtsp.TransportDescriptor, kind rtsp.MediaKind, pkt []byte) error {
	switch {
	case dest.IsTCP:
		return m.sendTCP(dest, kind, pkt)
	case dest.IsMulticast:
		return m.sendMulticast(kind, pkt)
	default:
		return m.sendUnicast(dest, kind, pkt)
	}
}

// sendTCP interleaves pkt onto the control connection under the
// session's shared write mutex, retrying short writes against a
// deadline rather than blocking forever — the Go analogue of
// sendTcpPacket's EAGAIN/select(100ms) retry loop.
func (m *TransportMux) sendTCP(dest rtsp.TransportDescriptor, kind rtsp.MediaKind, pkt []byte) error {
	frame := interleaveFrame(dest.InterleaveCh[kind], pkt)

	dest.WriteMu.Lock()
	defer dest.WriteMu.Unlock()

	if err := dest.Conn.SetWriteDeadline(time.Now().Add(tcpWriteDeadline)); err != nil {
		return errors.Wrap(err, "rtp: set write deadline")
	}
	defer dest.Conn.SetWriteDeadline(time.Time{})

	sent := 0
	for sent < len(frame) {
		n, err := dest.Conn.Write(frame[sent:])
		if err != nil {
			return errors.Wrap(err, "rtp: tcp interleaved write")
		}
		sent += n
	}
	return nil
}

func (m *TransportMux) sendUnicast(dest rtsp.TransportDescriptor, kind rtsp.MediaKind, pkt []byte) error {
	m.mu.Lock()
	conn := m.unicastConn[kind]
	m.mu.Unlock()

	if conn == nil {
		return errors.New("rtp: unicast socket not provisioned")
	}

	addr := &net.UDPAddr{IP: dest.RemoteIP, Port: dest.ClientPorts[kind]}
	_, err := conn.WriteToUDP(pkt, addr)
	return errors.Wrap(err, "rtp: udp unicast write")
}

func (m *TransportMux) sendMulticast(kind rtsp.MediaKind, pkt []byte) error {
	m.mu.Lock()
	conn := m.mcastConn[kind]
	addr := m.mcastAddr[kind]
	m.mu.Unlock()

	if conn == nil {
		return errors.New("rtp: multicast socket not provisioned")
	}

	_, err := conn.WriteToUDP(pkt, addr)
	return errors.Wrap(err, "rtp: udp multicast write")
}
