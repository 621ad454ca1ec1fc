// Package server implements the Fan-out Pipeline: the producer-facing
// push API that turns raw media units into RTP packets and delivers
// them to every playing session's negotiated transport.
package server

import (
	"log"
	"sync/atomic"

	"github.com/brightwing/rtspcam/rtp"
	"github.com/brightwing/rtspcam/rtsp"
)

// Sender is the subset of *rtp.TransportMux the Fan-out Pipeline needs,
// narrowed to a local interface so this package can be tested without a
// live TransportMux.
type Sender interface {
	Send(dest rtsp.TransportDescriptor, kind rtsp.MediaKind, pkt []byte) error
}

// Server is the producer-facing entry point: a single media producer
// calls PushFrame/PushAudio/PushSubtitle, and the Server fans each unit
// out to every currently-playing session.
type Server struct {
	cfg        Config
	registry   *rtsp.Registry
	packetizer *rtp.Packetizer
	sender     Sender

	sentVideo atomic.Bool
	sentAudio atomic.Bool
	sentSubs  atomic.Bool

	worker *videoWorker
	done   chan struct{}
}

type videoFrame struct {
	data    []byte
	quality uint8
	width   int
	height  int
}

// New constructs a Fan-out Pipeline over registry, using packetizer to
// build wire packets and sender to deliver them. Each per-kind *_sent
// flag starts true (ready): spec.md §4.6's ready predicate is
// "has at least one playing session AND the kind's *_sent flag is true".
func New(cfg Config, registry *rtsp.Registry, packetizer *rtp.Packetizer, sender Sender) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		packetizer: packetizer,
		sender:     sender,
		done:       make(chan struct{}),
	}
	s.sentVideo.Store(true)
	s.sentAudio.Store(true)
	s.sentSubs.Store(true)

	if cfg.UseVideoWorker {
		s.worker = newVideoWorker()
	}

	return s
}

// PushFrame delivers one JPEG video frame. In blocking mode it fans out
// on the caller's goroutine; in Video Worker mode it copies into a
// single preallocated slot and returns immediately, per spec.md §4.6's
// "Video worker (optional mode)".
func (s *Server) PushFrame(data []byte, quality uint8, width, height int) error {
	if !s.cfg.EnableVideo {
		return nil
	}

	if s.worker == nil {
		return s.fanOutVideo(data, quality, width, height)
	}

	frame := videoFrame{data: append([]byte(nil), data...), quality: quality, width: width, height: height}
	s.worker.push(frame)
	return nil
}

// PushAudio delivers one block of host-native PCM samples.
func (s *Server) PushAudio(samples []int16) error {
	if !s.cfg.EnableAudio {
		return nil
	}

	if !s.ready(&s.sentAudio) {
		return nil
	}
	defer s.sentAudio.Store(true)

	packets, err := s.packetizer.Audio(samples)
	if err != nil {
		return err
	}
	s.dispatch(rtsp.KindAudio, packets)
	return nil
}

// PushSubtitle delivers one T.140 subtitle unit.
func (s *Server) PushSubtitle(text []byte) error {
	if !s.cfg.EnableSubtitles {
		return nil
	}

	if !s.ready(&s.sentSubs) {
		return nil
	}
	defer s.sentSubs.Store(true)

	pkt, err := s.packetizer.Subtitle(text)
	if err != nil {
		return err
	}
	s.dispatch(rtsp.KindSubtitles, [][]byte{pkt})
	return nil
}

func (s *Server) fanOutVideo(data []byte, quality uint8, width, height int) error {
	if !s.ready(&s.sentVideo) {
		return nil
	}
	defer s.sentVideo.Store(true)

	packets, err := s.packetizer.Video(data, quality, width, height)
	if err != nil {
		return err
	}
	s.dispatch(rtsp.KindVideo, packets)
	return nil
}

// ready implements spec.md §4.6's ready predicate and clears the flag
// atomically so two producer calls racing on the same kind cannot both
// observe "ready".
func (s *Server) ready(sent *atomic.Bool) bool {
	if !s.registry.IsPlaying() {
		return false
	}
	return sent.CompareAndSwap(true, false)
}

// dispatch sends every packet of one media unit to each playing
// session's negotiated transport, multicast sessions de-duplicated to a
// single send per kind (spec.md §4.6). A fatal send error ends the
// session then and there — removed from the registry and its control
// connection closed so the Control Loop's blocked read unblocks and
// finishes the teardown — rather than waiting for the read side to
// eventually notice (spec.md §3: a session ends "on... fatal send
// failure"; §4.2: peer-closed errors end it silently, anything else
// fatal is logged first).
func (s *Server) dispatch(kind rtsp.MediaKind, packets [][]byte) {
	snapshot := s.registry.Snapshot()

	sentMulticast := false
	for _, dest := range snapshot {
		if !dest.IsPlaying {
			continue
		}
		if dest.IsMulticast {
			if sentMulticast {
				continue
			}
			sentMulticast = true
		}

		for _, pkt := range packets {
			err := s.sender.Send(dest, kind, pkt)
			if err == nil {
				continue
			}
			if !rtp.IsFatalSendError(err) {
				// Write-deadline expired under backpressure: drop this
				// packet, keep the session.
				continue
			}
			if !rtp.IsPeerClosedSendError(err) {
				log.Printf("server: %s send to session %d failed fatally: %v", kind, dest.ID, err)
			}
			s.teardown(dest)
			break
		}
	}
}

// teardown ends a session whose transport failed fatally: removed from
// the registry, and its control connection closed so the Control Loop's
// blocked read returns and runs its own (idempotent) teardown.
func (s *Server) teardown(dest rtsp.TransportDescriptor) {
	s.registry.Remove(dest.ID)
	if dest.Conn != nil {
		dest.Conn.Close()
	}
}

// FPS returns the rolling video frame rate, for diag's /stats endpoint.
func (s *Server) FPS() int {
	return s.packetizer.FPS()
}

// Run drains the Video Worker pipeline until Interrupt is called. It is
// a no-op in blocking mode. Wired as an actor in an oklog/run.Group.
func (s *Server) Run() error {
	if s.worker == nil {
		<-s.done
		return nil
	}

	return s.worker.run(func(frame videoFrame) error {
		return s.fanOutVideo(frame.data, frame.quality, frame.width, frame.height)
	})
}

// Interrupt stops Run.
func (s *Server) Interrupt(error) {
	if s.worker != nil {
		s.worker.interrupt()
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
