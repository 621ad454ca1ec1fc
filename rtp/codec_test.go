package rtp

import (
	"bytes"
	"testing"
)

func TestJpegHeaderLayout(t *testing.T) {
	hdr := jpegHeader(0x0102_03, 80, 640/8, 480/8)
	if len(hdr) != 8 {
		t.Fatalf("jpeg header length = %d, want 8", len(hdr))
	}

	want := []byte{0x00, 0x01, 0x02, 0x03, 0x00, 80, 640 / 8, 480 / 8}
	if !bytes.Equal(hdr, want) {
		t.Errorf("jpeg header = % x, want % x", hdr, want)
	}
}

func TestInterleaveFrame(t *testing.T) {
	pkt := []byte{1, 2, 3, 4, 5}

	frame := interleaveFrame(2, pkt)
	if len(frame) != 4+len(pkt) {
		t.Fatalf("frame length = %d, want %d", len(frame), 4+len(pkt))
	}
	if frame[0] != 0x24 {
		t.Errorf("leading byte = 0x%02x, want 0x24", frame[0])
	}
	if frame[1] != 2 {
		t.Errorf("channel byte = %d, want 2", frame[1])
	}
	gotLen := int(frame[2])<<8 | int(frame[3])
	if gotLen != len(pkt) {
		t.Errorf("encoded length = %d, want %d", gotLen, len(pkt))
	}
	if !bytes.Equal(frame[4:], pkt) {
		t.Errorf("payload = % x, want % x", frame[4:], pkt)
	}
}
