package transcriber

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coach/audio"
)

// Result is one transcribed utterance.
type Result struct {
	Text string
	// AudioRef points at the uploaded recording for batch backends.
	AudioRef string
	Elapsed  time.Duration
}

// Client is the single transcription contract the session depends on.
// Streaming backends receive audio through Send while the user speaks;
// batch backends receive the whole Clip in Finish.
type Client interface {
	Name() string
	Streaming() bool

	// Open prepares the backend for a session. Streaming clients dial here.
	Open(ctx context.Context) error
	// Send forwards one chunk. Batch clients ignore it.
	Send(ctx context.Context, chunk audio.Chunk) error
	// Finals yields finalized fragments as they arrive, for display only.
	Finals() <-chan string
	// Done is closed when the connection ends, expectedly or not.
	Done() <-chan struct{}
	// Err reports why Done closed; nil after a clean Close.
	Err() error
	// Finish completes the current utterance.
	Finish(ctx context.Context, clip audio.Clip) (Result, error)
	Close() error
}

type Mode string

const (
	ModeStream Mode = "stream"
	ModeBatch  Mode = "batch"
)

type Config struct {
	Mode      Mode
	Language  string
	StreamURL string
	Model     string
	BatchURL  string
	Poll      PollPolicy
}

// New builds the client for cfg.Mode.
func New(cfg Config, tokens TokenSource) (Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("transcriber: no credential source configured")
	}
	switch cfg.Mode {
	case ModeStream, "":
		return NewStreaming(StreamConfig{
			URL:      cfg.StreamURL,
			Language: cfg.Language,
			Model:    cfg.Model,
		}, tokens), nil
	case ModeBatch:
		return NewBatch(BatchConfig{
			BaseURL:  cfg.BatchURL,
			Language: cfg.Language,
			Poll:     cfg.Poll,
		}, tokens, nil), nil
	default:
		return nil, fmt.Errorf("transcriber: unknown mode %q", cfg.Mode)
	}
}

// clean applies the shared empty-transcript policy.
func clean(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
