package rtsp

import "log"

// SessionState is the per-session RTSP state machine, kept in the shape of
// the teacher's TrackState/streamStateTransitions table but reduced to the
// single linear machine spec.md §4.4 names (this spec has no multi-track
// composite session, so the teacher's multi-stream reduction is dropped):
// Init → Described → Ready → Playing ⇄ Paused → Closed.
type SessionState int

const (
	Init SessionState = iota
	Described
	Ready
	Playing
	Paused
	Closed
	ErrorState
)

func (s SessionState) String() string {
	switch s {
	case Init:
		return "Init"
	case Described:
		return "Described"
	case Ready:
		return "Ready"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	case Closed:
		return "Closed"
	default:
		return "ErrorState"
	}
}

// sessionStateTransitions encodes the legal (state, method) -> next-state
// edges. OPTIONS is legal from every non-Closed state without mutating it,
// and is handled directly in After rather than listed per-row.
var sessionStateTransitions = map[SessionState]map[RTSPMethod]SessionState{
	Init: {
		DESCRIBE: Described,
		SETUP:    Ready,
		TEARDOWN: Closed,
	},
	Described: {
		DESCRIBE: Described,
		SETUP:    Ready,
		TEARDOWN: Closed,
	},
	Ready: {
		DESCRIBE: Described,
		SETUP:    Ready,
		PLAY:     Playing,
		TEARDOWN: Closed,
	},
	Playing: {
		DESCRIBE: Described,
		SETUP:    Playing,
		PLAY:     Playing,
		PAUSE:    Paused,
		TEARDOWN: Closed,
	},
	Paused: {
		DESCRIBE: Described,
		SETUP:    Paused,
		PLAY:     Playing,
		PAUSE:    Paused,
		TEARDOWN: Closed,
	},
}

// After returns the state reached by applying method m while in state s. If
// the transition is not permitted, it returns ErrorState, false.
func (s SessionState) After(m RTSPMethod) (SessionState, bool) {
	if m == OPTIONS {
		if s == Closed {
			return ErrorState, false
		}
		return s, true
	}

	edges, ok := sessionStateTransitions[s]
	if !ok {
		return ErrorState, false
	}

	next, ok := edges[m]
	if !ok {
		return ErrorState, false
	}

	return next, true
}

// transitionByMethod mutates the session's state in place, logging the
// transition the way the teacher's TrackStreamState.TransitionByMethod did.
func (sess *Session) transitionByMethod(m RTSPMethod) bool {
	next, ok := sess.State.After(m)
	if !ok {
		return false
	}

	prev := sess.State
	sess.State = next
	log.Printf("session %d changed state: %v -> %v (%v)", sess.ID, prev, next, m)
	return true
}
