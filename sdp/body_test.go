package sdp

import (
	"strings"
	"testing"
)

func TestBuildAllMediaEnabled(t *testing.T) {
	got := Build(Params{
		SessionID:       7,
		ServerIP:        "192.0.2.1",
		SampleRateHz:    16000,
		EnableVideo:     true,
		EnableAudio:     true,
		EnableSubtitles: true,
	})

	want := "v=0\r\n" +
		"o=- 7 1 IN IP4 192.0.2.1\r\n" +
		"s=\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"t=0 0\r\n" +
		"a=control:*\r\n" +
		"m=video 0 RTP/AVP 26\r\n" +
		"a=control:video\r\n" +
		"m=audio 0 RTP/AVP 97\r\n" +
		"a=rtpmap:97 L16/16000/1\r\n" +
		"a=control:audio\r\n" +
		"a=sendrecv\r\n" +
		"m=text 0 RTP/AVP 98\r\n" +
		"a=rtpmap:98 t140/1000\r\n" +
		"a=control:subtitles\r\n"

	if got != want {
		t.Errorf("Build() =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildVideoOnly(t *testing.T) {
	got := Build(Params{SessionID: 1, ServerIP: "127.0.0.1", EnableVideo: true})

	if !strings.Contains(got, "m=video 0 RTP/AVP 26\r\n") {
		t.Error("missing video media block")
	}
	if strings.Contains(got, "m=audio") {
		t.Error("audio media block present when EnableAudio=false")
	}
	if strings.Contains(got, "m=text") {
		t.Error("subtitle media block present when EnableSubtitles=false")
	}
}

func TestBuildNoMediaStillValidSessionHeader(t *testing.T) {
	got := Build(Params{SessionID: 42, ServerIP: "10.0.0.1"})

	if !strings.HasPrefix(got, "v=0\r\no=- 42 1 IN IP4 10.0.0.1\r\n") {
		t.Errorf("session header wrong: %q", got)
	}
	if strings.Contains(got, "m=") {
		t.Error("no media block should be present when all kinds disabled")
	}
}

func TestBuildExtraAttributesAppendedAfterControlStar(t *testing.T) {
	got := Build(Params{SessionID: 1, ServerIP: "127.0.0.1", Extra: []string{"tool:rtspcam"}})

	if !strings.Contains(got, "a=control:*\r\na=tool:rtspcam\r\n") {
		t.Errorf("extra attribute not placed after a=control:*: %q", got)
	}
}
