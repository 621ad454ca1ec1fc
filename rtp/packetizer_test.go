package rtp

import (
	"testing"

	"github.com/pion/rtp"
)

func TestPacketizerVideoFragmentation(t *testing.T) {
	tests := []struct {
		name          string
		frameLen      int
		width, height int
		wantErr       bool
		wantPackets   int
	}{
		{"single fragment", 100, 640, 480, false, 1},
		{"exact boundary", maxVideoFragmentBytes, 640, 480, false, 1},
		{"two fragments", maxVideoFragmentBytes + 1, 640, 480, false, 2},
		{"several fragments", maxVideoFragmentBytes*3 + 10, 640, 480, false, 4},
		{"bad width", 100, 641, 480, true, 0},
		{"too large", 100, 2048, 480, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPacketizer()
			frame := make([]byte, tt.frameLen)

			packets, err := p.Video(frame, 80, tt.width, tt.height)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(packets) != tt.wantPackets {
				t.Fatalf("expected %d packets, got %d", tt.wantPackets, len(packets))
			}

			for i, raw := range packets {
				var pkt rtp.Packet
				if err := pkt.Unmarshal(raw); err != nil {
					t.Fatalf("packet %d did not unmarshal: %v", i, err)
				}
				if pkt.PayloadType != PayloadTypeVideo {
					t.Errorf("packet %d: payload type = %d, want %d", i, pkt.PayloadType, PayloadTypeVideo)
				}
				last := i == len(packets)-1
				if pkt.Marker != last {
					t.Errorf("packet %d: marker = %v, want %v", i, pkt.Marker, last)
				}
				if int(pkt.SequenceNumber) != i {
					t.Errorf("packet %d: sequence = %d, want %d", i, pkt.SequenceNumber, i)
				}
			}
		})
	}
}

func TestPacketizerVideoTimestampSharedAcrossFragments(t *testing.T) {
	p := NewPacketizer()
	frame := make([]byte, maxVideoFragmentBytes+1)

	packets, err := p.Video(frame, 80, 640, 480)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}

	var first, second rtp.Packet
	if err := first.Unmarshal(packets[0]); err != nil {
		t.Fatal(err)
	}
	if err := second.Unmarshal(packets[1]); err != nil {
		t.Fatal(err)
	}
	if first.Timestamp != second.Timestamp {
		t.Errorf("fragments of one frame must share a timestamp: %d != %d", first.Timestamp, second.Timestamp)
	}
	if first.SSRC != second.SSRC {
		t.Errorf("fragments of one frame must share an SSRC: %d != %d", first.SSRC, second.SSRC)
	}
}

func TestPacketizerAudioFragmentationAndTimestamp(t *testing.T) {
	p := NewPacketizer()

	samples := make([]int16, maxAudioFragmentBytes/2+10)
	for i := range samples {
		samples[i] = int16(i)
	}

	packets, err := p.Audio(samples)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}

	var first, second rtp.Packet
	if err := first.Unmarshal(packets[0]); err != nil {
		t.Fatal(err)
	}
	if err := second.Unmarshal(packets[1]); err != nil {
		t.Fatal(err)
	}

	if !first.Marker || !second.Marker {
		t.Error("audio packets must always carry the marker bit set")
	}

	wantDelta := uint32(maxAudioFragmentBytes / 2)
	if second.Timestamp-first.Timestamp != wantDelta {
		t.Errorf("timestamp delta = %d, want %d", second.Timestamp-first.Timestamp, wantDelta)
	}
}

func TestPacketizerSubtitleOnePacketPerUnit(t *testing.T) {
	p := NewPacketizer()

	text := []byte("hello")
	raw, err := p.Subtitle(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}
	if !pkt.Marker {
		t.Error("subtitle packet must have marker set")
	}
	if pkt.PayloadType != PayloadTypeSubtitles {
		t.Errorf("payload type = %d, want %d", pkt.PayloadType, PayloadTypeSubtitles)
	}
	if string(pkt.Payload) != string(text) {
		t.Errorf("payload = %q, want %q", pkt.Payload, text)
	}

	raw2, err := p.Subtitle(text)
	if err != nil {
		t.Fatal(err)
	}
	var pkt2 rtp.Packet
	if err := pkt2.Unmarshal(raw2); err != nil {
		t.Fatal(err)
	}
	if pkt2.Timestamp-pkt.Timestamp != subtitleTicksPerUnit {
		t.Errorf("timestamp delta = %d, want %d", pkt2.Timestamp-pkt.Timestamp, subtitleTicksPerUnit)
	}
	if pkt2.SequenceNumber != pkt.SequenceNumber+1 {
		t.Errorf("sequence did not advance: %d -> %d", pkt.SequenceNumber, pkt2.SequenceNumber)
	}
}

func TestPacketizerFPSStartsZero(t *testing.T) {
	p := NewPacketizer()
	if got := p.FPS(); got != 0 {
		t.Errorf("fresh packetizer FPS = %d, want 0", got)
	}
}
