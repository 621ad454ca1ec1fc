package rtsp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// MediaKind tags the three media streams this server fans out, per
// spec.md §9's "prefer a tagged variant over inheritance" design note.
type MediaKind int

const (
	KindVideo MediaKind = iota
	KindAudio
	KindSubtitles
	NumMediaKinds
)

func (k MediaKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitles:
		return "subtitles"
	default:
		return "unknown"
	}
}

// SessionID identifies an RTSP session. Spec.md §3: "Identity is a 32-bit
// random session_id" — never zero, never reused within a server uptime.
// Grounded on original_source/src/genUtils.cpp's generateSessionID
// (esp_random()), translated to crypto/rand since there is no hardware RNG
// here.
type SessionID uint32

func newSessionID() SessionID {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic("rtsp: crypto/rand unavailable: " + err.Error())
		}
		id := SessionID(binary.BigEndian.Uint32(buf[:]))
		if id != 0 {
			return id
		}
	}
}

// TransportDescriptor is the immutable snapshot of a session's negotiated
// transport that the Fan-out Pipeline reads. Per spec.md §3: "the Fan-out
// Pipeline observes an immutable snapshot of a session's transport
// descriptor when sending" — it never touches the live *Session.
type TransportDescriptor struct {
	ID          SessionID
	IsMulticast bool
	IsTCP       bool
	IsPlaying   bool

	// TCP interleaving: the control connection itself carries RTP frames.
	// WriteMu is shared with the live Session so the Transport Mux
	// serializes every write on this connection, control or RTP alike
	// (spec.md §4.2: "the sender serializes writes per connection under
	// a mutex"), without copying the mutex itself.
	Conn         net.Conn
	WriteMu      *sync.Mutex
	InterleaveCh [NumMediaKinds]uint8

	// UDP unicast: per-kind destination port on the client's address.
	RemoteIP    net.IP
	ClientPorts [NumMediaKinds]int
}

// Session is mutated only by the connection goroutine that owns it, per
// spec.md §3's ownership rule; Snapshot() is the only cross-goroutine read
// path (used by the Fan-out Pipeline).
type Session struct {
	mu sync.RWMutex

	ID        SessionID
	Conn      net.Conn
	writeMu   *sync.Mutex
	RAddr     net.Addr
	CreatedAt time.Time
	LastCSeq  int
	State     SessionState

	IsMulticast bool
	IsTCP       bool
	IsPlaying   bool

	ClientPorts  [NumMediaKinds]int
	InterleaveCh [NumMediaKinds]uint8
}

func NewSession(conn net.Conn) *Session {
	return &Session{
		ID:        newSessionID(),
		Conn:      conn,
		writeMu:   &sync.Mutex{},
		RAddr:     conn.RemoteAddr(),
		CreatedAt: time.Now().UTC(),
		State:     Init,
	}
}

func (s *Session) Snapshot() TransportDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ip net.IP
	switch a := s.RAddr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	}

	return TransportDescriptor{
		ID:           s.ID,
		IsMulticast:  s.IsMulticast,
		IsTCP:        s.IsTCP,
		IsPlaying:    s.IsPlaying,
		Conn:         s.Conn,
		WriteMu:      s.writeMu,
		InterleaveCh: s.InterleaveCh,
		RemoteIP:     ip,
		ClientPorts:  s.ClientPorts,
	}
}

func (s *Session) setPlaying(playing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsPlaying = playing
}

// Registry is the Session Registry of spec.md §4.3: a map keyed by
// session_id, plus the active_clients count, the is_playing aggregate, and
// the admission profile, each guarded independently so that no lock is
// held across a network send.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session

	admissionMu  sync.Mutex
	admissionSet bool
	admitMcast   bool
	admitTCP     bool

	activeMu sync.Mutex
	active   int

	playingMu  sync.Mutex
	anyPlaying bool

	// configuration inputs to the admission rule
	maxClients       int // hard ceiling (MAX_CLIENTS)
	multicastCeiling int // configured runtime max_clients, <= maxClients
}

func NewRegistry(maxClients, multicastCeiling int) *Registry {
	if multicastCeiling > maxClients {
		multicastCeiling = maxClients
	}
	return &Registry{
		sessions:         make(map[SessionID]*Session),
		maxClients:       maxClients,
		multicastCeiling: multicastCeiling,
	}
}

// EffectiveCap returns the current admission cap: the hard ceiling before
// any SETUP has set the admission profile, or the profile-derived cap
// afterward (spec.md §4.4 admission rule, step 1).
func (r *Registry) EffectiveCap() int {
	r.admissionMu.Lock()
	defer r.admissionMu.Unlock()
	return r.effectiveCapLocked()
}

// effectiveCapLocked is EffectiveCap's body, for callers that already hold
// admissionMu (AdmitSetup).
func (r *Registry) effectiveCapLocked() int {
	if !r.admissionSet {
		return r.maxClients
	}
	if r.admitMcast {
		return r.multicastCeiling
	}
	return 1
}

// AdmitSetup applies the admission rule to a SETUP's transport shape. The
// first SETUP seen since the registry last emptied sets the profile and is
// admitted; every subsequent SETUP must match the pinned tuple AND keep
// active_clients under the profile's resolved cap, or it is rejected
// (spec.md §4.4 admission rule, steps 1-2; §8: "the (K+1)-th simultaneous
// SETUP is admitted up to K and rejected with 461 beyond" — a tuple match
// alone is not sufficient once the ceiling is reached).
func (r *Registry) AdmitSetup(isMulticast, isTCP bool) bool {
	r.admissionMu.Lock()
	defer r.admissionMu.Unlock()

	if r.admissionSet && (r.admitMcast != isMulticast || r.admitTCP != isTCP) {
		return false
	}

	cap := r.multicastCeiling
	if !isMulticast {
		cap = 1
	}
	if r.admissionSet {
		cap = r.effectiveCapLocked()
	}
	if r.ActiveClients() >= cap {
		return false
	}

	if !r.admissionSet {
		r.admissionSet = true
		r.admitMcast = isMulticast
		r.admitTCP = isTCP
	}
	return true
}

func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.incrementActive()
}

func (r *Registry) Get(id SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes a session and, if the registry is now empty, clears the
// admission profile so "a new first SETUP may pick any transport"
// (spec.md §8).
func (r *Registry) Remove(id SessionID) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	if existed {
		r.decrementActive()
	}

	if empty {
		r.admissionMu.Lock()
		r.admissionSet = false
		r.admissionMu.Unlock()
	}

	r.recomputeIsPlaying()
}

// Snapshot returns immutable transport descriptors for every live session,
// for the Fan-out Pipeline to range over without holding the registry lock
// during I/O (spec.md §4.3).
func (r *Registry) Snapshot() []TransportDescriptor {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	out := make([]TransportDescriptor, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.Snapshot()
	}
	return out
}

// incrementActive is called on successful SETUP admission (Add), per the
// Open Question resolution recorded in SPEC_FULL.md §10.
func (r *Registry) incrementActive() {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	r.active++
}

func (r *Registry) decrementActive() {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if r.active > 0 {
		r.active--
	}
}

func (r *Registry) ActiveClients() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return r.active
}

// recomputeIsPlaying mirrors original_source/src/genUtils.cpp's
// updateIsPlayingStatus: the global flag is true iff any session is
// playing.
func (r *Registry) recomputeIsPlaying() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	any := false
	for _, sess := range sessions {
		sess.mu.RLock()
		playing := sess.IsPlaying
		sess.mu.RUnlock()
		if playing {
			any = true
			break
		}
	}

	r.playingMu.Lock()
	r.anyPlaying = any
	r.playingMu.Unlock()
}

func (r *Registry) IsPlaying() bool {
	r.playingMu.Lock()
	defer r.playingMu.Unlock()
	return r.anyPlaying
}

// SetPlaying updates sess's playing state and recomputes the registry's
// is_playing aggregate in one step, so the two are never observed out of
// sync (spec.md §4.3).
func (r *Registry) SetPlaying(sess *Session, playing bool) {
	sess.setPlaying(playing)
	r.recomputeIsPlaying()
}
