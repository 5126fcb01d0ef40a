package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"coach/conversation"
	"coach/log"
	"coach/room"
	"coach/session"
)

const headlessWait = 60 * time.Second

// headless drives a session from stdin commands and prints every session
// event to stdout, one line each:
//
//	START          press Start Interview
//	END            press End Interview and print the feedback
//	WAIT_USER      block until the next user turn is recorded
//	WAIT_REPLY     block until the next coach turn is recorded
//	SLEEP <ms>
//	QUIT
//
// WAIT commands count turns: the nth WAIT_REPLY returns once the nth coach
// turn exists, so a turn that lands before its WAIT is not missed. The
// greeting is the first coach turn.
type headless struct {
	info room.Info
	in   io.Reader

	mu      sync.Mutex
	out     io.Writer
	counts  map[conversation.Role]int
	changed chan struct{}
	quitCh  chan struct{}
	once    sync.Once
}

func newHeadless(info room.Info) *headless {
	return &headless{
		info:    info,
		in:      os.Stdin,
		out:     os.Stdout,
		counts:  make(map[conversation.Role]int),
		changed: make(chan struct{}),
		quitCh:  make(chan struct{}),
	}
}

func (h *headless) listener() session.Listener { return h }
func (h *headless) quit()                     { h.once.Do(func() { close(h.quitCh) }) }

func (h *headless) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, format+"\n", args...)
}

func (h *headless) OnState(from, to session.State) { h.printf("STATE %s -> %s", from, to) }
func (h *headless) OnTranscript(text string)       { h.printf("PARTIAL %s", text) }
func (h *headless) OnFeedback(text string)         { h.printf("FEEDBACK %s", text) }

func (h *headless) OnTurn(t conversation.Turn) {
	h.mu.Lock()
	fmt.Fprintf(h.out, "TURN %s: %s\n", t.Role, t.Text)
	h.counts[t.Role]++
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

func (h *headless) count(r conversation.Role) (int, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[r], h.changed
}

// waitTurn blocks until more than n turns of role r exist.
func (h *headless) waitTurn(r conversation.Role, n int, ctrl *session.Controller) bool {
	deadline := time.NewTimer(headlessWait)
	defer deadline.Stop()
	for {
		got, changed := h.count(r)
		if got > n {
			return true
		}
		select {
		case <-changed:
		case <-ctrl.Done():
			return false
		case <-deadline.C:
			return false
		}
	}
}

func (h *headless) run(ctrl *session.Controller) int {
	h.printf("ROOM %s | %s | %s", h.info.ExpertName, h.info.CoachingOption, h.info.Topic)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(h.in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	seen := make(map[conversation.Role]int)
	for {
		var cmd string
		var ok bool
		select {
		case cmd, ok = <-lines:
		case <-h.quitCh:
			ok = false
		}
		if !ok || cmd == "QUIT" {
			ctrl.Stop()
			return 0
		}

		switch {
		case cmd == "":
		case cmd == "START":
			if err := ctrl.Start(context.Background()); err != nil {
				h.printf("ERROR %v", err)
			}
		case cmd == "END":
			ctrl.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), headlessWait)
			_, err := ctrl.Feedback(ctx)
			cancel()
			if err != nil {
				h.printf("ERROR feedback: %v", err)
			}
		case cmd == "WAIT_USER", cmd == "WAIT_REPLY":
			role := conversation.RoleUser
			if cmd == "WAIT_REPLY" {
				role = conversation.RoleAssistant
			}
			if !h.waitTurn(role, seen[role], ctrl) {
				h.printf("ERROR timed out waiting for %s turn", role)
			}
			seen[role]++
		case strings.HasPrefix(cmd, "SLEEP "):
			if ms, err := strconv.Atoi(cmd[6:]); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		default:
			log.Warnf("headless: unknown command %q", cmd)
			h.printf("ERROR unknown command %q", cmd)
		}
	}
}
