package conversation

import (
	"context"
	"errors"

	"coach/llm"
	"coach/log"
)

// Fixed replies used when the completion service cannot answer.
const (
	FallbackReply    = "I'm sorry, I couldn't process that response. Let's continue with the interview."
	FallbackFeedback = "Good response. Continue focusing on specific examples and clear communication."
)

const (
	DefaultMaxTurns    = 20
	DefaultMaxTokens   = 120
	DefaultTemperature = 0.7
)

// Completer is the slice of the completion client the engine needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Engine turns a user utterance into the coach's reply.
type Engine struct {
	llm          Completer
	systemPrompt string

	Model       string
	MaxTurns    int
	MaxTokens   int
	Temperature float32

	// OnFallback is told about every completion failure that was papered over.
	OnFallback func(op string, err error)
}

func NewEngine(c Completer, option Option, topic string) *Engine {
	return &Engine{
		llm:          c,
		systemPrompt: option.SystemPrompt(topic),
		MaxTurns:     DefaultMaxTurns,
		MaxTokens:    DefaultMaxTokens,
		Temperature:  DefaultTemperature,
	}
}

func (e *Engine) SystemPrompt() string { return e.systemPrompt }

// Payload builds the completion messages: the system prompt followed by the
// most recent MaxTurns user and assistant turns. A MaxTurns of zero or less
// means DefaultMaxTurns.
func (e *Engine) Payload(h *History) []llm.Message {
	limit := e.MaxTurns
	if limit <= 0 {
		limit = DefaultMaxTurns
	}
	recent := h.Recent(limit)
	msgs := make([]llm.Message, 0, len(recent)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e.systemPrompt})
	for _, t := range recent {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}

// Respond appends the user turn, asks for a reply and appends it. It never
// fails: any completion error yields FallbackReply. If ctx is cancelled the
// reply is not recorded and "" is returned.
func (e *Engine) Respond(ctx context.Context, h *History, userText string, audioRef string) string {
	if _, err := h.Append(Turn{Role: RoleUser, Text: userText, AudioRef: audioRef}); err != nil {
		log.Warnf("respond: user turn rejected: %v", err)
		return ""
	}

	reply, err := e.llm.Complete(ctx, llm.Request{
		Model:       e.Model,
		Messages:    e.Payload(h),
		MaxTokens:   e.MaxTokens,
		Temperature: e.Temperature,
	})
	if ctx.Err() != nil {
		return ""
	}
	if err != nil {
		log.CompletionFallback("respond", err)
		if e.OnFallback != nil {
			e.OnFallback("respond", err)
		}
		reply = FallbackReply
	}

	if _, err := h.Append(Turn{Role: RoleAssistant, Text: reply}); err != nil {
		if !errors.Is(err, ErrSealed) {
			log.Warnf("respond: assistant turn rejected: %v", err)
		}
		return ""
	}
	return reply
}
