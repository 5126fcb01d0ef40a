package session

import "fmt"

// State is the controller's position in the interview loop.
type State int

const (
	Idle State = iota
	Capturing
	AwaitingTranscript
	Generating
	Cooldown
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Capturing:
		return "Capturing"
	case AwaitingTranscript:
		return "AwaitingTranscript"
	case Generating:
		return "Generating"
	case Cooldown:
		return "Cooldown"
	case Ended:
		return "Ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool { return s == Ended }

// Active reports whether the session holds, or is about to re-acquire, the
// microphone.
func (s State) Active() bool {
	return s != Idle && s != Ended
}

// Allowed transitions:
//
//	Idle ──start──▶ Capturing ──silence/max──▶ AwaitingTranscript ──text──▶ Generating
//	                    ▲                            │                         │
//	                    └──────── no speech/error ───┘                      reply
//	                    ▲                                                      ▼
//	                    └──────────────────── delay ───────────────────── Cooldown
//
// Any active state returns to Idle when the streaming connection drops, and
// every non-terminal state may stop into Ended.
var transitions = map[State][]State{
	Idle:               {Capturing, Ended},
	Capturing:          {AwaitingTranscript, Idle, Ended},
	AwaitingTranscript: {Generating, Capturing, Idle, Ended},
	Generating:         {Cooldown, Idle, Ended},
	Cooldown:           {Capturing, Idle, Ended},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
