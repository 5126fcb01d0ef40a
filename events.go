package main

import (
	"coach/beep"
	"coach/conversation"
	"coach/room"
	"coach/session"
)

// frontend abstracts the display layer so both the Bubble Tea TUI and the
// headless stdin driver receive the same session events.
type frontend interface {
	listener() session.Listener
	// run drives ctrl until the user quits and returns the exit code.
	run(ctrl *session.Controller) int
	quit()
}

func newUI(headless bool, info room.Info, mode, device string) frontend {
	if headless {
		return newHeadless(info)
	}
	return newTUI(info, mode, device)
}

// cueListener plays a short tone on the transitions the user should hear.
type cueListener struct{}

func (cueListener) OnState(from, to session.State) {
	switch to {
	case session.Capturing:
		beep.Play(beep.Listening)
	case session.AwaitingTranscript:
		beep.Play(beep.Captured)
	case session.Ended:
		beep.Play(beep.Finished)
	case session.Idle:
		if from != session.Idle {
			beep.Play(beep.Failed)
		}
	}
}

func (cueListener) OnTurn(t conversation.Turn) {}
func (cueListener) OnTranscript(string)        {}
func (cueListener) OnFeedback(string)          {}
