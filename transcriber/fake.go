package transcriber

import (
	"context"
	"sync"
	"time"

	"coach/audio"
)

// FakeResult scripts one Finish call.
type FakeResult struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Fake is a scripted Client. Finish pops results in order; once the script
// is exhausted it reports ErrNoSpeech.
type Fake struct {
	streaming bool

	mu       sync.Mutex
	script   []FakeResult
	openErr  error
	opened   int
	closed   int
	finished int
	chunks   []audio.Chunk
	finals   chan string
	done     chan struct{}
	err      error
	isOpen   bool
}

func NewFake(streaming bool, script ...FakeResult) *Fake {
	done := make(chan struct{})
	close(done)
	return &Fake{streaming: streaming, script: script, done: done}
}

func (f *Fake) Name() string    { return "fake" }
func (f *Fake) Streaming() bool { return f.streaming }

// Push appends results to the script.
func (f *Fake) Push(results ...FakeResult) {
	f.mu.Lock()
	f.script = append(f.script, results...)
	f.mu.Unlock()
}

// FailOpen makes the next Open calls fail; nil clears it.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *Fake) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened++
	f.isOpen = true
	f.err = nil
	f.finals = make(chan string, finalsBuffer)
	f.done = make(chan struct{})
	return nil
}

func (f *Fake) Send(_ context.Context, chunk audio.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ErrConnection
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *Fake) Finals() <-chan string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finals
}

func (f *Fake) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.streaming {
		return nil
	}
	return f.done
}

func (f *Fake) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Drop simulates the server closing the socket.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpen {
		return
	}
	f.isOpen = false
	f.err = ErrConnection
	close(f.done)
}

func (f *Fake) Finish(ctx context.Context, _ audio.Clip) (Result, error) {
	f.mu.Lock()
	f.finished++
	if f.err != nil {
		f.mu.Unlock()
		return Result{}, ErrConnection
	}
	r := FakeResult{Err: ErrNoSpeech}
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	finals := f.finals
	f.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if r.Err != nil {
		return Result{}, r.Err
	}
	if finals != nil && r.Text != "" {
		select {
		case finals <- r.Text:
		default:
		}
	}
	text, err := clean(r.Text)
	return Result{Text: text}, err
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.isOpen {
		f.isOpen = false
		close(f.done)
	}
	return nil
}

// Stats reports how many times each method ran.
func (f *Fake) Stats() (opened, finished, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.finished, f.closed
}

// Chunks returns a copy of every chunk sent so far.
func (f *Fake) Chunks() []audio.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audio.Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}
