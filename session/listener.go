package session

import "coach/conversation"

// Listener observes a session. Calls are synchronous and must return
// quickly. OnState and OnTranscript run on the controller's loop; OnTurn
// may also run on the goroutine producing a reply, and OnFeedback runs on
// the goroutine that built the summary. Implementations must not call back
// into the Controller.
type Listener interface {
	OnState(from, to State)
	OnTurn(t conversation.Turn)
	// OnTranscript receives finalized fragments while the user speaks.
	OnTranscript(text string)
	OnFeedback(text string)
}

type nopListener struct{}

func (nopListener) OnState(State, State)     {}
func (nopListener) OnTurn(conversation.Turn) {}
func (nopListener) OnTranscript(string)      {}
func (nopListener) OnFeedback(string)        {}

// Listeners fans out to several listeners in order.
type Listeners []Listener

func (ls Listeners) OnState(from, to State) {
	for _, l := range ls {
		l.OnState(from, to)
	}
}

func (ls Listeners) OnTurn(t conversation.Turn) {
	for _, l := range ls {
		l.OnTurn(t)
	}
}

func (ls Listeners) OnTranscript(text string) {
	for _, l := range ls {
		l.OnTranscript(text)
	}
}

func (ls Listeners) OnFeedback(text string) {
	for _, l := range ls {
		l.OnFeedback(text)
	}
}
