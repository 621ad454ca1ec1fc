package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// ErrInvalidFrameGeometry is returned by Packetizer.Video when width or
// height is not a multiple of 8 or exceeds 2040 (spec.md §4.1).
var ErrInvalidFrameGeometry = errors.New("rtp: frame width/height must be a multiple of 8 and <= 2040")

// kindState is the free-running, process-wide sequence/timestamp/SSRC
// counter for one media kind. Spec.md §9 ("Global mutable counters")
// requires exactly this shape: correct because the server has a single
// media producer, encapsulated here rather than left as free variables.
type kindState struct {
	mu        sync.Mutex
	sequence  uint16
	timestamp uint32
	ssrc      uint32
	lastSent  time.Time
}

func newKindState() *kindState {
	return &kindState{ssrc: randomSSRC(), lastSent: time.Now()}
}

func randomSSRC() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

// Packetizer fragments producer payloads into wire-ready RTP packets
// per media kind (spec.md §4.5), tracking each kind's own sequence
// number, RTP timestamp, and SSRC across calls.
type Packetizer struct {
	video *kindState
	audio *kindState
	subs  *kindState

	fpsMu          sync.Mutex
	frameCount     int
	fps            int
	fpsWindowStart time.Time
}

func NewPacketizer() *Packetizer {
	return &Packetizer{
		video:          newKindState(),
		audio:          newKindState(),
		subs:           newKindState(),
		fpsWindowStart: time.Now(),
	}
}

// Video fragments one JPEG frame into RTP packets of at most
// maxVideoFragmentBytes payload bytes each, the marker bit set only on
// the last fragment, and a timestamp computed once per frame from the
// wall-clock delta since the previous call.
func (p *Packetizer) Video(frame []byte, quality uint8, width, height int) ([][]byte, error) {
	if width <= 0 || height <= 0 || width%8 != 0 || height%8 != 0 || width > 2040 || height > 2040 {
		return nil, ErrInvalidFrameGeometry
	}

	p.video.mu.Lock()
	now := time.Now()
	deltaMs := now.Sub(p.video.lastSent).Milliseconds()
	p.video.lastSent = now
	p.video.timestamp += uint32(deltaMs * videoClockHz / 1000)
	ts := p.video.timestamp
	ssrc := p.video.ssrc
	p.video.mu.Unlock()

	p.bumpFPS()

	widthBy8, heightBy8 := uint8(width/8), uint8(height/8)
	total := uint32(len(frame))

	var packets [][]byte
	for offset := uint32(0); offset < total; {
		fragLen := uint32(maxVideoFragmentBytes)
		if offset+fragLen > total {
			fragLen = total - offset
		}
		last := offset+fragLen == total

		p.video.mu.Lock()
		seq := p.video.sequence
		p.video.sequence++
		p.video.mu.Unlock()

		payload := append(jpegHeader(offset, quality, widthBy8, heightBy8), frame[offset:offset+fragLen]...)
		pkt, err := buildPacket(PayloadTypeVideo, last, seq, ts, ssrc, payload)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
		offset += fragLen
	}

	return packets, nil
}

// Audio fragments samples (host-native int16 PCM) into RTP packets of
// at most maxAudioFragmentBytes payload bytes each, byte-swapped to
// network order. The marker bit is set on every fragment, preserving
// the as-is source behavior (spec.md §9 open question).
func (p *Packetizer) Audio(samples []int16) ([][]byte, error) {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.BigEndian.PutUint16(raw[i*2:], uint16(s))
	}

	p.audio.mu.Lock()
	ssrc := p.audio.ssrc
	p.audio.mu.Unlock()

	total := len(raw)
	var packets [][]byte
	for offset := 0; offset < total; {
		fragLen := maxAudioFragmentBytes
		if offset+fragLen > total {
			fragLen = total - offset
		}

		p.audio.mu.Lock()
		seq := p.audio.sequence
		p.audio.sequence++
		ts := p.audio.timestamp
		p.audio.timestamp += uint32(fragLen / 2)
		p.audio.mu.Unlock()

		pkt, err := buildPacket(PayloadTypeAudio, true, seq, ts, ssrc, raw[offset:offset+fragLen])
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
		offset += fragLen
	}

	return packets, nil
}

// Subtitle emits one T.140 RTP packet per text unit, unfragmented, the
// marker bit always set, the timestamp advancing by 1000 ticks.
func (p *Packetizer) Subtitle(text []byte) ([]byte, error) {
	p.subs.mu.Lock()
	seq := p.subs.sequence
	p.subs.sequence++
	ts := p.subs.timestamp
	p.subs.timestamp += subtitleTicksPerUnit
	ssrc := p.subs.ssrc
	p.subs.mu.Unlock()

	return buildPacket(PayloadTypeSubtitles, true, seq, ts, ssrc, text)
}

func (p *Packetizer) bumpFPS() {
	p.fpsMu.Lock()
	defer p.fpsMu.Unlock()

	p.frameCount++
	if time.Since(p.fpsWindowStart) >= time.Second {
		p.fps = p.frameCount
		p.frameCount = 0
		p.fpsWindowStart = time.Now()
	}
}

// FPS returns the rolling video frame rate, updated once per second
// (spec.md §4.5: "exposed as rtp_fps").
func (p *Packetizer) FPS() int {
	p.fpsMu.Lock()
	defer p.fpsMu.Unlock()
	return p.fps
}
