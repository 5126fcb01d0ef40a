package conversation

import (
	"context"
	"strings"

	"coach/llm"
	"coach/log"
)

const (
	DefaultFeedbackTokens = 150
	DefaultFeedbackChars  = 300
)

const feedbackPrompt = `Review this interview response and provide constructive feedback:

User's response: "%s"

Provide brief, specific, and actionable feedback on:
1. Content quality
2. Communication style
3. Areas for improvement

Keep your feedback under 150 characters and be encouraging.`

// Feedback summarises a finished session.
type Feedback struct {
	llm Completer

	Model       string
	MaxTokens   int
	MaxChars    int
	Temperature float32

	OnFallback func(op string, err error)
}

func NewFeedback(c Completer) *Feedback {
	return &Feedback{
		llm:         c,
		MaxTokens:   DefaultFeedbackTokens,
		MaxChars:    DefaultFeedbackChars,
		Temperature: DefaultTemperature,
	}
}

// Summarize returns feedback on the user's turns. Without user turns, or if
// the completion fails, it returns FallbackFeedback.
func (f *Feedback) Summarize(ctx context.Context, turns []Turn) string {
	var said []string
	for _, t := range turns {
		if t.Role == RoleUser && strings.TrimSpace(t.Text) != "" {
			said = append(said, strings.TrimSpace(t.Text))
		}
	}
	if len(said) == 0 {
		return FallbackFeedback
	}

	prompt := strings.Replace(feedbackPrompt, "%s", strings.Join(said, " "), 1)
	text, err := f.llm.Complete(ctx, llm.Request{
		Model:       f.Model,
		Messages:    []llm.Message{{Role: llm.RoleSystem, Content: prompt}},
		MaxTokens:   f.MaxTokens,
		Temperature: f.Temperature,
	})
	if err != nil {
		log.CompletionFallback("feedback", err)
		if f.OnFallback != nil {
			f.OnFallback("feedback", err)
		}
		return FallbackFeedback
	}
	return truncateWords(text, f.MaxChars)
}

// truncateWords cuts s to at most n runes, backing up to a word boundary.
func truncateWords(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	const ellipsis = "..."
	if n <= len(ellipsis) {
		return string(r[:n])
	}
	cut := string(r[:n-len(ellipsis)])
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:") + ellipsis
}
