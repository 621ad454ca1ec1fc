package sdp

import "fmt"

// Params carries everything the DESCRIBE SDP body needs. The body
// itself is hand-formatted rather than built through pion/sdp's
// attribute-oriented SessionDescription: the wire-exact line set this
// server emits (a control:* catch-all, zero-port media blocks, no
// origin username) doesn't map onto that library's session/media model,
// so only the reflection helpers in sdp.go are reused, for passthrough
// of any extra vendor attributes callers attach to Params.Extra.
type Params struct {
	SessionID    uint32
	ServerIP     string
	SampleRateHz int

	EnableVideo     bool
	EnableAudio     bool
	EnableSubtitles bool

	// Extra carries additional top-level SDP attributes (rendered via
	// NewAttributesFromStruct by the caller) appended after a=control:*.
	Extra []string
}

// VendorInfo carries vendor-identification attributes folded into
// Params.Extra via ExtraFromVendorInfo — the `sdp:"..."` struct-tag
// convention PopulateStructFromAttributes parses back on the other
// side of the wire.
type VendorInfo struct {
	Tool string `sdp:"tool"`
}

// ExtraFromVendorInfo renders v's tagged fields into the a=<key>:<value>
// line format Params.Extra expects.
func ExtraFromVendorInfo(v *VendorInfo) ([]string, error) {
	attrs, err := NewAttributesFromStruct(v)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(attrs))
	for i, a := range attrs {
		out[i] = a.Key + ":" + a.Value
	}
	return out, nil
}

// Build renders the DESCRIBE response body: a single top-level session
// description with one media block per enabled kind, in the exact shape
// this server's clients expect (the video/audio/subtitles RTP payload
// types 26/97/98 are fixed, not negotiated).
func Build(p Params) string {
	var b []byte

	b = fmt.Appendf(b, "v=0\r\n")
	b = fmt.Appendf(b, "o=- %d 1 IN IP4 %s\r\n", p.SessionID, p.ServerIP)
	b = fmt.Appendf(b, "s=\r\n")
	b = fmt.Appendf(b, "c=IN IP4 0.0.0.0\r\n")
	b = fmt.Appendf(b, "t=0 0\r\n")
	b = fmt.Appendf(b, "a=control:*\r\n")

	for _, attr := range p.Extra {
		b = fmt.Appendf(b, "a=%s\r\n", attr)
	}

	if p.EnableVideo {
		b = fmt.Appendf(b, "m=video 0 RTP/AVP 26\r\n")
		b = fmt.Appendf(b, "a=control:video\r\n")
	}

	if p.EnableAudio {
		b = fmt.Appendf(b, "m=audio 0 RTP/AVP 97\r\n")
		b = fmt.Appendf(b, "a=rtpmap:97 L16/%d/1\r\n", p.SampleRateHz)
		b = fmt.Appendf(b, "a=control:audio\r\n")
		b = fmt.Appendf(b, "a=sendrecv\r\n")
	}

	if p.EnableSubtitles {
		b = fmt.Appendf(b, "m=text 0 RTP/AVP 98\r\n")
		b = fmt.Appendf(b, "a=rtpmap:98 t140/1000\r\n")
		b = fmt.Appendf(b, "a=control:subtitles\r\n")
	}

	return string(b)
}
