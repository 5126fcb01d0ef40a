package conversation

import (
	"errors"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var (
	ErrEmptyTurn = errors.New("turn text is empty")
	ErrSealed    = errors.New("history is sealed")
	ErrBadRole   = errors.New("unknown turn role")
)

// Turn is one line of the conversation. Turns are values; History hands out copies.
type Turn struct {
	Role      Role
	Text      string
	AudioRef  string
	Timestamp time.Time
}

// History is the ordered, append-only record of a session. System turns are
// shown to the user but never sent to the completion service.
type History struct {
	mu     sync.Mutex
	turns  []Turn
	sealed bool
	now    func() time.Time

	// OnAppend runs after every accepted append, outside the lock.
	OnAppend func(Turn)
}

func NewHistory() *History {
	return &History{now: time.Now}
}

// Append validates and records t, stamping it if Timestamp is zero.
func (h *History) Append(t Turn) (Turn, error) {
	h.mu.Lock()
	t, err := h.appendLocked(t)
	cb := h.OnAppend
	h.mu.Unlock()
	if err == nil && cb != nil {
		cb(t)
	}
	return t, err
}

// Close appends a final turn and seals the history in one step, so nothing
// can land between the two.
func (h *History) Close(final Turn) (Turn, error) {
	h.mu.Lock()
	t, err := h.appendLocked(final)
	h.sealed = true
	cb := h.OnAppend
	h.mu.Unlock()
	if err == nil && cb != nil {
		cb(t)
	}
	return t, err
}

func (h *History) appendLocked(t Turn) (Turn, error) {
	if h.sealed {
		return Turn{}, ErrSealed
	}
	switch t.Role {
	case RoleUser, RoleAssistant:
		if strings.TrimSpace(t.Text) == "" {
			return Turn{}, ErrEmptyTurn
		}
	case RoleSystem:
	default:
		return Turn{}, ErrBadRole
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = h.now()
	}
	h.turns = append(h.turns, t)
	return t, nil
}

func (h *History) Sealed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sealed
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Turns returns a copy of every turn in order.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Recent returns the last n non-system turns in order. n <= 0 means all.
func (h *History) Recent(n int) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Turn
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == RoleSystem {
			continue
		}
		out = append(out, h.turns[i])
		if n > 0 && len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (h *History) ByRole(role Role) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Turn
	for _, t := range h.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}
