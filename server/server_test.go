package server

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/brightwing/rtspcam/rtp"
	"github.com/brightwing/rtspcam/rtsp"
)

// fakeSender records every packet handed to Send, keyed by media kind,
// and returns a configured error for a given session so teardown
// behavior can be exercised without a live TransportMux.
type fakeSender struct {
	mu     sync.Mutex
	sends  []sendCall
	errFor map[rtsp.SessionID]error
}

type sendCall struct {
	sessionID rtsp.SessionID
	kind      rtsp.MediaKind
}

func (f *fakeSender) Send(dest rtsp.TransportDescriptor, kind rtsp.MediaKind, pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{sessionID: dest.ID, kind: kind})
	return f.errFor[dest.ID]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// failSession makes every subsequent Send for sessionID return err.
func (f *fakeSender) failSession(sessionID rtsp.SessionID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errFor == nil {
		f.errFor = make(map[rtsp.SessionID]error)
	}
	f.errFor[sessionID] = err
}

func newPlayingSession(t *testing.T, registry *rtsp.Registry, multicast bool) *rtsp.Session {
	t.Helper()
	clientConn, _ := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	sess := rtsp.NewSession(clientConn)
	sess.IsMulticast = multicast
	registry.Add(sess)
	registry.SetPlaying(sess, true)
	return sess
}

func newTestServer(t *testing.T, cfg Config) (*Server, *rtsp.Registry, *fakeSender) {
	t.Helper()
	registry := rtsp.NewRegistry(4, 10)
	sender := &fakeSender{}
	s := New(cfg, registry, rtp.NewPacketizer(), sender)
	return s, registry, sender
}

func TestPushFrameDropsWhenNoSessionPlaying(t *testing.T) {
	s, _, sender := newTestServer(t, Config{EnableVideo: true})

	if err := s.PushFrame(make([]byte, 16), 80, 16, 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sender.count(); got != 0 {
		t.Fatalf("sends = %d, want 0 with no playing session", got)
	}
}

func TestPushFrameDeliversToPlayingSession(t *testing.T) {
	s, registry, sender := newTestServer(t, Config{EnableVideo: true})
	newPlayingSession(t, registry, false)

	if err := s.PushFrame(make([]byte, 16), 80, 16, 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sender.count(); got == 0 {
		t.Fatal("expected at least one send to the playing session")
	}
}

func TestPushFrameDisabledKindIsNoOp(t *testing.T) {
	s, registry, sender := newTestServer(t, Config{EnableVideo: false})
	newPlayingSession(t, registry, false)

	if err := s.PushFrame(make([]byte, 16), 80, 16, 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sender.count(); got != 0 {
		t.Fatalf("sends = %d, want 0 when EnableVideo=false", got)
	}
}

func TestPushAudioBusyDropsSecondCallBeforeFirstCompletes(t *testing.T) {
	s, registry, sender := newTestServer(t, Config{EnableAudio: true})
	newPlayingSession(t, registry, false)

	// Simulate an in-flight dispatch by clearing the sent flag directly,
	// mirroring what ready() does just before dispatch begins.
	if !s.sentAudio.CompareAndSwap(true, false) {
		t.Fatal("expected sentAudio to start true")
	}

	if err := s.PushAudio([]int16{1, 2, 3, 4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sender.count(); got != 0 {
		t.Fatalf("sends = %d, want 0 while busy", got)
	}

	s.sentAudio.Store(true)
	if err := s.PushAudio([]int16{1, 2, 3, 4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sender.count(); got == 0 {
		t.Fatal("expected a send once the busy flag clears")
	}
}

func TestDispatchSendsMulticastOnceRegardlessOfSessionCount(t *testing.T) {
	s, registry, sender := newTestServer(t, Config{EnableSubtitles: true})
	newPlayingSession(t, registry, true)
	newPlayingSession(t, registry, true)
	newPlayingSession(t, registry, false)

	if err := s.PushSubtitle([]byte("hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One multicast send (deduplicated across the two multicast
	// sessions) plus one unicast send to the third session.
	if got := sender.count(); got != 2 {
		t.Fatalf("sends = %d, want 2 (1 multicast + 1 unicast)", got)
	}
}

// fakeTimeoutErr satisfies net.Error with Timeout()==true, standing in for
// a write-deadline expiry under backpressure.
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "i/o timeout (fake)" }
func (fakeTimeoutErr) Timeout() bool { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestDispatchTearsDownSessionOnFatalSendError(t *testing.T) {
	s, registry, sender := newTestServer(t, Config{EnableAudio: true})
	sess := newPlayingSession(t, registry, false)
	sender.failSession(sess.ID, errors.New("stub failure"))

	if err := s.PushAudio([]int16{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Get(sess.ID); ok {
		t.Fatal("session must be removed from the registry after a fatal send error")
	}
	if got := registry.ActiveClients(); got != 0 {
		t.Fatalf("active clients = %d, want 0 after teardown", got)
	}
}

func TestDispatchKeepsSessionOnTransientTimeoutError(t *testing.T) {
	s, registry, sender := newTestServer(t, Config{EnableAudio: true})
	sess := newPlayingSession(t, registry, false)
	sender.failSession(sess.ID, fakeTimeoutErr{})

	if err := s.PushAudio([]int16{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Get(sess.ID); !ok {
		t.Fatal("session must stay registered after a transient timeout error")
	}
	if got := sender.count(); got == 0 {
		t.Fatal("expected the send to have been attempted")
	}
}

func TestReadyFlagRestoredAfterDispatch(t *testing.T) {
	s, registry, _ := newTestServer(t, Config{EnableAudio: true})
	newPlayingSession(t, registry, false)

	if err := s.PushAudio([]int16{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.sentAudio.Load() {
		t.Fatal("sentAudio must be restored to true after dispatch completes")
	}
}
