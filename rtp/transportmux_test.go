package rtp

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/brightwing/rtspcam/rtsp"
)

func TestTransportMuxSendTCPInterleavesOverConnection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dest := rtsp.TransportDescriptor{
		Conn:         serverConn,
		WriteMu:      &sync.Mutex{},
		IsTCP:        true,
		InterleaveCh: [rtsp.NumMediaKinds]uint8{0, 2, 4},
	}

	pkt := []byte{0xAA, 0xBB, 0xCC}

	done := make(chan error, 1)
	go func() {
		m := NewTransportMux("239.1.1.1", 8, 7000)
		done <- m.Send(dest, rtsp.KindAudio, pkt)
	}()

	reader := bufio.NewReader(clientConn)
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(reader, hdr); err != nil {
		t.Fatalf("read interleave header: %v", err)
	}
	if hdr[0] != 0x24 {
		t.Fatalf("leading byte = 0x%02x, want 0x24", hdr[0])
	}
	if hdr[1] != dest.InterleaveCh[rtsp.KindAudio] {
		t.Fatalf("channel byte = %d, want %d", hdr[1], dest.InterleaveCh[rtsp.KindAudio])
	}
	gotLen := int(hdr[2])<<8 | int(hdr[3])
	if gotLen != len(pkt) {
		t.Fatalf("frame length = %d, want %d", gotLen, len(pkt))
	}

	payload := make([]byte, len(pkt))
	if _, err := io.ReadFull(reader, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	for i := range pkt {
		if payload[i] != pkt[i] {
			t.Fatalf("payload[%d] = 0x%02x, want 0x%02x", i, payload[i], pkt[i])
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
}

func TestEnsureUnicastSocketIsIdempotentPerKind(t *testing.T) {
	m := NewTransportMux("239.1.1.1", 8, 7000)
	defer m.CloseSharedSockets()

	port1, err := m.EnsureUnicastSocket(rtsp.KindVideo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	port2, err := m.EnsureUnicastSocket(rtsp.KindVideo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port1 != port2 {
		t.Errorf("repeated EnsureUnicastSocket for the same kind returned different ports: %d vs %d", port1, port2)
	}

	audioPort, err := m.EnsureUnicastSocket(rtsp.KindAudio)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if audioPort == port1 {
		t.Error("distinct kinds must not share a socket/port")
	}
}

func TestSendAfterCloseSharedSocketsFails(t *testing.T) {
	m := NewTransportMux("239.1.1.1", 8, 7000)
	if _, err := m.EnsureUnicastSocket(rtsp.KindVideo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.CloseSharedSockets()

	if _, err := m.EnsureUnicastSocket(rtsp.KindAudio); err == nil {
		t.Fatal("expected error provisioning a socket after CloseSharedSockets")
	}
}
