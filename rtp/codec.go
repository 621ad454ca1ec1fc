// Package rtp implements the wire codec, packetizer, and transport mux
// for the three media kinds this server fans out: JPEG video, L16
// audio, and T.140 subtitles.
package rtp

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

// Fixed RTP payload types (spec.md §4.1): video uses the static JPEG
// assignment, audio and subtitles use dynamic types agreed out-of-band
// via the SDP body.
const (
	PayloadTypeVideo      uint8 = 26
	PayloadTypeAudio      uint8 = 97
	PayloadTypeSubtitles  uint8 = 98
	videoClockHz                = 90000
	subtitleTicksPerUnit        = 1000
	maxVideoFragmentBytes       = 1438
	maxAudioFragmentBytes       = 1024
)

// jpegHeader builds the 8-byte JPEG RTP payload header for one
// fragment (RFC 2435 baseline subset): type-specific, 24-bit fragment
// offset, type, quality, width/8, height/8.
func jpegHeader(offset uint32, quality, widthBy8, heightBy8 uint8) []byte {
	return []byte{
		0x00,
		byte(offset >> 16), byte(offset >> 8), byte(offset),
		0x00,
		quality,
		widthBy8,
		heightBy8,
	}
}

// buildPacket marshals one wire-exact RTP packet: the fixed 12-byte
// header (version 2, padding/extension/CC all zero) followed by
// payload, via github.com/pion/rtp.
func buildPacket(pt uint8, marker bool, seq uint16, ts, ssrc uint32, payload []byte) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// interleaveFrame prepends the 4-byte "$ channel len" RTSP interleave
// header (spec.md §6: "0x24 | channel:uint8 | length:uint16_be |
// rtp_packet…") that multiplexes RTP alongside control messages on one
// TCP connection. length counts the RTP packet only.
func interleaveFrame(channel uint8, rtpPacket []byte) []byte {
	out := make([]byte, 4+len(rtpPacket))
	out[0] = 0x24
	out[1] = channel
	binary.BigEndian.PutUint16(out[2:4], uint16(len(rtpPacket)))
	copy(out[4:], rtpPacket)
	return out
}
