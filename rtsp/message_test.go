package rtsp

import (
	"strings"
	"testing"
)

func TestNewRequestFromStringParsesRequestLine(t *testing.T) {
	raw := "DESCRIBE rtsp://127.0.0.1/ RTSP/1.0\r\nCSeq: 2\r\n\r\n"

	req, err := newRequestFromString(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != DESCRIBE {
		t.Errorf("method = %v, want DESCRIBE", req.Method)
	}
	if req.Version != RTSPVersionString {
		t.Errorf("version = %q, want %q", req.Version, RTSPVersionString)
	}

	cseq, ok := req.Headers.GetLine(HeaderNameCSeq)
	if !ok {
		t.Fatal("expected CSeq header")
	}
	if cseq.ValueNoError() != "2" {
		t.Errorf("CSeq = %q, want %q", cseq.ValueNoError(), "2")
	}
}

func TestNewRequestFromStringRejectsBadMethod(t *testing.T) {
	_, err := newRequestFromString("FROBNICATE rtsp://x/ RTSP/1.0\r\n\r\n")
	if err != ErrBadRequest {
		t.Fatalf("error = %v, want ErrBadRequest", err)
	}
}

func TestNewRequestFromStringRejectsWrongVersion(t *testing.T) {
	_, err := newRequestFromString("OPTIONS rtsp://x/ RTSP/2.0\r\n\r\n")
	if err != ErrBadRequest {
		t.Fatalf("error = %v, want ErrBadRequest", err)
	}
}

func TestResponseMarshalRoundTrip(t *testing.T) {
	resp := newResponse(OK)
	resp.Headers.PutGenericLine(HeaderNameCSeq, "5")
	resp.writeBody([]byte("v=0\r\n"))

	raw, err := resp.marshal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := string(raw)
	if !strings.HasPrefix(s, "RTSP/1.0 200 OK\r\n") {
		t.Fatalf("status line wrong in: %q", s)
	}
	if !strings.Contains(s, "CSeq: 5\r\n") {
		t.Errorf("missing CSeq header in: %q", s)
	}
	if !strings.HasSuffix(s, "v=0\r\n") {
		t.Errorf("missing body in: %q", s)
	}
}
