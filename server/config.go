package server

// Config is the immutable configuration surface for the Fan-out
// Pipeline, grounded on the teacher's mediaserver wiring and the
// original's RTSPServer::init parameter list
// (original_source/src/RTSPServer.h).
type Config struct {
	EnableVideo     bool
	EnableAudio     bool
	EnableSubtitles bool

	// UseVideoWorker selects the Video Worker mode: PushFrame copies
	// into a single-slot buffer and returns immediately, and a
	// dedicated goroutine drains it and performs the fan-out. When
	// false, PushFrame fans out synchronously on the caller's
	// goroutine.
	UseVideoWorker bool
}
