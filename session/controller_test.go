package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coach/audio"
	"coach/conversation"
	"coach/encoder"
	"coach/llm"
	"coach/transcriber"
)

type stubLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	block chan struct{}
	reqs  []llm.Request
}

func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.reqs = append(s.reqs, req)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

func (s *stubLLM) calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

type countingSummarizer struct {
	calls atomic.Int32
	turns atomic.Int32
}

func (c *countingSummarizer) Summarize(_ context.Context, turns []conversation.Turn) string {
	c.calls.Add(1)
	c.turns.Store(int32(len(turns)))
	return "keep going"
}

type recorder struct {
	mu     sync.Mutex
	states []State
	finals []string
	fb     []string
}

func (r *recorder) OnState(_, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) OnTurn(conversation.Turn) {}

func (r *recorder) OnTranscript(text string) {
	r.mu.Lock()
	r.finals = append(r.finals, text)
	r.mu.Unlock()
}

func (r *recorder) OnFeedback(text string) {
	r.mu.Lock()
	r.fb = append(r.fb, text)
	r.mu.Unlock()
}

func (r *recorder) visited(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

// sawStep reports whether the state sequence contains from immediately followed by to.
func (r *recorder) sawStep(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.states); i++ {
		if r.states[i-1] == from && r.states[i] == to {
			return true
		}
	}
	return false
}

type harness struct {
	t     *testing.T
	audio *audio.FakeContext
	stt   transcriber.Client
	llm   *stubLLM
	fb    *countingSummarizer
	rec   *recorder
	ctl   *Controller
}

func pcmOf(d time.Duration) []byte {
	pcm := make([]byte, int(d*encoder.BytesPerSecond/time.Second))
	for i := range pcm {
		pcm[i] = byte(i % 13)
	}
	return pcm
}

func fastConfig() Config {
	option, _ := conversation.FindOption("Mock Interview")
	return Config{
		Topic:          "distributed systems",
		Option:         option,
		GreetingDelay:  5 * time.Millisecond,
		SilenceTimeout: 40 * time.Millisecond,
		MaxDuration:    500 * time.Millisecond,
		CooldownDelay:  5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, stt transcriber.Client, fc *audio.FakeContext, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		audio: fc,
		stt:   stt,
		llm:   &stubLLM{reply: "Tell me more."},
		fb:    &countingSummarizer{},
		rec:   &recorder{},
	}
	engine := conversation.NewEngine(h.llm, cfg.Option, cfg.Topic)
	h.ctl = New(cfg, Deps{
		Capture:     audio.NewCapture(fc, nil, 20*time.Millisecond),
		Transcriber: stt,
		Engine:      engine,
		Feedback:    h.fb,
		Listener:    h.rec,
	})
	t.Cleanup(h.ctl.Stop)
	return h
}

func newBatchHarness(t *testing.T, stt transcriber.Client) *harness {
	return newHarness(t, stt, audio.NewFakeContext(pcmOf(300*time.Millisecond), 0), fastConfig())
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.ctl.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
}

func (h *harness) turns() []conversation.Turn { return h.ctl.History().Turns() }

func (h *harness) hasTurn(role conversation.Role, text string) bool {
	for _, t := range h.turns() {
		if t.Role == role && t.Text == text {
			return true
		}
	}
	return false
}

func (h *harness) count(role conversation.Role, text string) int {
	n := 0
	for _, t := range h.turns() {
		if t.Role == role && (text == "" || t.Text == text) {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartGreetsThenStops(t *testing.T) {
	h := newBatchHarness(t, transcriber.NewFake(false))
	h.start()

	if got := h.ctl.State(); got != Capturing {
		t.Fatalf("state = %s, want Capturing", got)
	}
	greeting := fastConfig().Option.Opening("distributed systems")
	eventually(t, "greeting", func() bool { return h.hasTurn(conversation.RoleAssistant, greeting) })

	turns := h.turns()
	if turns[0].Role != conversation.RoleSystem || turns[0].Text != MsgStarted {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Text != greeting {
		t.Errorf("second turn = %+v", turns[1])
	}

	h.ctl.Stop()
	if got := h.ctl.State(); got != Ended {
		t.Fatalf("state = %s, want Ended", got)
	}
	if n := h.audio.Open(); n != 0 {
		t.Errorf("%d captures still open after Stop", n)
	}
	text, err := h.ctl.Feedback(context.Background())
	if err != nil || text != "keep going" {
		t.Errorf("Feedback = %q, %v", text, err)
	}
	last := h.turns()[len(h.turns())-1]
	if last.Text != MsgEnded {
		t.Errorf("last turn = %+v", last)
	}
}

func TestEmptyTranscriptRearmsWithoutResponding(t *testing.T) {
	fake := transcriber.NewFake(false,
		transcriber.FakeResult{Text: "   "},
		transcriber.FakeResult{Err: transcriber.ErrNoSpeech},
		transcriber.FakeResult{Text: "\n\t"},
	)
	h := newBatchHarness(t, fake)
	h.start()

	eventually(t, "three empty utterances", func() bool {
		_, finished, _ := fake.Stats()
		return finished >= 4
	})
	h.ctl.Stop()

	if n := len(h.llm.calls()); n != 0 {
		t.Errorf("completion called %d times for empty transcripts", n)
	}
	if h.rec.visited(Generating) {
		t.Error("session entered Generating without a transcript")
	}
	if !h.rec.sawStep(AwaitingTranscript, Capturing) {
		t.Error("session did not re-arm capture after no speech")
	}
	if n := h.count(conversation.RoleUser, ""); n != 0 {
		t.Errorf("%d user turns recorded", n)
	}
}

// fakeAssembly is a batch backend whose job status is chosen per poll.
type fakeAssembly struct {
	mu     sync.Mutex
	status func(job, attempt int) (string, string)
	jobs   int
	polls  map[string]int
}

func newFakeAssembly(t *testing.T, status func(job, attempt int) (string, string)) (*fakeAssembly, *httptest.Server) {
	f := &fakeAssembly{status: status, polls: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.test/clip"})
	})
	mux.HandleFunc("POST /transcript", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.jobs++
		id := fmt.Sprint(f.jobs)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "queued"})
	})
	mux.HandleFunc("GET /transcript/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		f.polls[id]++
		attempt := f.polls[id]
		var job int
		fmt.Sscan(id, &job)
		f.mu.Unlock()
		status, text := f.status(job, attempt)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": status, "text": text})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAssembly) pollsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func newBatch(url string) transcriber.Client {
	return transcriber.NewBatch(transcriber.BatchConfig{
		BaseURL: url,
		Poll:    transcriber.PollPolicy{Interval: time.Millisecond, MaxAttempts: 30, Backoff: 1},
	}, transcriber.StaticToken("test-key"), nil)
}

func TestBatchTranscriptReachesEngine(t *testing.T) {
	_, srv := newFakeAssembly(t, func(job, attempt int) (string, string) {
		return transcriber.StatusCompleted, "Hello there"
	})
	h := newBatchHarness(t, newBatch(srv.URL))
	h.start()

	eventually(t, "first completion", func() bool { return len(h.llm.calls()) >= 1 })
	msgs := h.llm.calls()[0].Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || last.Content != "Hello there" {
		t.Errorf("last message = %+v", last)
	}

	eventually(t, "reply recorded", func() bool { return h.hasTurn(conversation.RoleAssistant, "Tell me more.") })
	for _, turn := range h.turns() {
		if turn.Role == conversation.RoleUser && turn.AudioRef != "https://cdn.test/clip" {
			t.Errorf("user turn audio ref = %q", turn.AudioRef)
		}
	}
	eventually(t, "cooldown then capture", func() bool { return h.rec.sawStep(Cooldown, Capturing) })
}

func TestBatchPollTimeoutRearms(t *testing.T) {
	fa, srv := newFakeAssembly(t, func(job, attempt int) (string, string) {
		return transcriber.StatusProcessing, ""
	})
	h := newBatchHarness(t, newBatch(srv.URL))
	h.start()

	eventually(t, "timeout turn", func() bool { return h.hasTurn(conversation.RoleSystem, MsgTranscriptTimeout) })
	eventually(t, "re-armed capture", func() bool { return h.rec.sawStep(AwaitingTranscript, Capturing) })
	h.ctl.Stop()

	if n := fa.pollsFor("1"); n != 30 {
		t.Errorf("job 1 polled %d times, want 30", n)
	}
	if n := len(h.llm.calls()); n != 0 {
		t.Errorf("completion called %d times after timeout", n)
	}
	if h.rec.visited(Generating) {
		t.Error("session entered Generating after a timeout")
	}
}

func TestBatchJobErrorRearms(t *testing.T) {
	_, srv := newFakeAssembly(t, func(job, attempt int) (string, string) {
		if job == 1 {
			return transcriber.StatusError, ""
		}
		return transcriber.StatusCompleted, "second try"
	})
	h := newBatchHarness(t, newBatch(srv.URL))
	h.start()

	eventually(t, "second utterance answered", func() bool { return len(h.llm.calls()) >= 1 })
	if !h.hasTurn(conversation.RoleSystem, MsgTranscriptFailed) {
		t.Error("job error not surfaced as a system turn")
	}
	for _, turn := range h.turns() {
		if strings.Contains(turn.Text, "status") {
			t.Errorf("service detail leaked into turn %q", turn.Text)
		}
	}
}

func TestStreamingConnectionLostNeedsFreshStart(t *testing.T) {
	fake := transcriber.NewFake(true)
	cfg := fastConfig()
	cfg.SilenceTimeout = time.Second
	cfg.MaxDuration = 5 * time.Second
	h := newHarness(t, fake, audio.NewFakeContext(pcmOf(3*time.Second), 5*time.Millisecond), cfg)
	h.start()

	eventually(t, "six chunks forwarded", func() bool { return len(fake.Chunks()) >= 6 })
	chunks := fake.Chunks()
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Seq <= chunks[i-1].Seq {
			t.Fatalf("chunks out of order: %d after %d", chunks[i].Seq, chunks[i-1].Seq)
		}
	}
	fake.Drop()

	eventually(t, "Idle after drop", func() bool { return h.ctl.State() == Idle })
	if !h.hasTurn(conversation.RoleSystem, MsgConnectionLost) {
		t.Error("connection loss not surfaced")
	}
	if n := h.audio.Open(); n != 0 {
		t.Errorf("%d captures still open after connection loss", n)
	}

	time.Sleep(50 * time.Millisecond)
	if opened, _, _ := fake.Stats(); opened != 1 {
		t.Fatalf("transcriber opened %d times, want no reconnect", opened)
	}
	if got := h.ctl.State(); got != Idle {
		t.Fatalf("state = %s, want Idle until Start", got)
	}

	h.start()
	if opened, _, _ := fake.Stats(); opened != 2 {
		t.Errorf("opened = %d after fresh Start", opened)
	}
	if got := h.ctl.State(); got != Capturing {
		t.Errorf("state = %s after fresh Start", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := h.count(conversation.RoleAssistant, ""); n != 1 {
		t.Errorf("%d assistant turns, greeting should not repeat", n)
	}
}

func TestStreamingUtterance(t *testing.T) {
	fake := transcriber.NewFake(true, transcriber.FakeResult{Text: "I built a queue"})
	cfg := fastConfig()
	cfg.MaxDuration = 150 * time.Millisecond
	h := newHarness(t, fake, audio.NewFakeContext(pcmOf(3*time.Second), 5*time.Millisecond), cfg)
	h.start()

	eventually(t, "completion", func() bool { return len(h.llm.calls()) >= 1 })
	if !h.hasTurn(conversation.RoleUser, "I built a queue") {
		t.Error("user turn missing")
	}
	eventually(t, "final shown", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.finals) > 0 && h.rec.finals[0] == "I built a queue"
	})
	if len(fake.Chunks()) == 0 {
		t.Error("no chunks forwarded")
	}
}

func TestCompletionFailureFallsBack(t *testing.T) {
	fake := transcriber.NewFake(false, transcriber.FakeResult{Text: "I led the migration"})
	h := newBatchHarness(t, fake)
	h.llm.err = errors.New("upstream 502")
	h.start()

	eventually(t, "fallback reply", func() bool {
		return h.hasTurn(conversation.RoleAssistant, conversation.FallbackReply)
	})
	turns := h.turns()
	for i, turn := range turns {
		if turn.Text == conversation.FallbackReply {
			prev := turns[i-1]
			if prev.Role != conversation.RoleUser || prev.Text != "I led the migration" {
				t.Errorf("turn before fallback = %+v", prev)
			}
		}
	}
	eventually(t, "session continues", func() bool { return h.rec.sawStep(Cooldown, Capturing) })
}

func TestRespondSeesHistoryInOrder(t *testing.T) {
	answers := []string{"first answer", "second answer", "third answer"}
	fake := transcriber.NewFake(false)
	for _, a := range answers {
		fake.Push(transcriber.FakeResult{Text: a})
	}
	h := newBatchHarness(t, fake)
	h.start()

	eventually(t, "three completions", func() bool { return len(h.llm.calls()) >= 3 })
	h.ctl.Stop()

	greeting := fastConfig().Option.Opening("distributed systems")
	calls := h.llm.calls()
	for n := 0; n < 3; n++ {
		// system prompt, greeting, then one user/assistant pair per earlier call, then the new answer.
		want := []string{greeting}
		for i := 0; i < n; i++ {
			want = append(want, answers[i], "Tell me more.")
		}
		want = append(want, answers[n])

		msgs := calls[n].Messages
		if msgs[0].Role != llm.RoleSystem {
			t.Fatalf("call %d: first message role %s", n, msgs[0].Role)
		}
		var got []string
		for _, m := range msgs[1:] {
			got = append(got, m.Content)
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("call %d messages:\n got %q\nwant %q", n, got, want)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newBatchHarness(t, transcriber.NewFake(false))
	h.start()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctl.Stop()
		}()
	}
	wg.Wait()
	h.ctl.Stop()

	if _, err := h.ctl.Feedback(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := h.count(conversation.RoleSystem, MsgEnded); n != 1 {
		t.Errorf("%d session-ended turns", n)
	}
	if n := h.fb.calls.Load(); n != 1 {
		t.Errorf("feedback ran %d times", n)
	}
	h.rec.mu.Lock()
	fb := len(h.rec.fb)
	h.rec.mu.Unlock()
	if fb != 1 {
		t.Errorf("listener got %d feedback calls", fb)
	}
	if err := h.ctl.Start(context.Background()); !errors.Is(err, ErrEnded) {
		t.Errorf("Start after Stop = %v, want ErrEnded", err)
	}
}

func TestStopFromIdleStillSummarizes(t *testing.T) {
	h := newBatchHarness(t, transcriber.NewFake(false))
	h.ctl.Stop()

	if _, err := h.ctl.Feedback(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := h.fb.calls.Load(); n != 1 {
		t.Errorf("feedback ran %d times", n)
	}
	if h.ctl.State() != Ended {
		t.Errorf("state = %s", h.ctl.State())
	}
}

func TestStopDuringGenerationDropsReply(t *testing.T) {
	fake := transcriber.NewFake(false, transcriber.FakeResult{Text: "long answer"})
	h := newBatchHarness(t, fake)
	h.llm.block = make(chan struct{})
	h.start()

	eventually(t, "generating", func() bool { return h.ctl.State() == Generating })
	h.ctl.Stop()
	close(h.llm.block)
	time.Sleep(20 * time.Millisecond)

	turns := h.turns()
	if last := turns[len(turns)-1]; last.Text != MsgEnded {
		t.Errorf("turn after end: %+v", last)
	}
	if h.hasTurn(conversation.RoleAssistant, "Tell me more.") {
		t.Error("reply recorded after stop")
	}
	if n := h.audio.Open(); n != 0 {
		t.Errorf("%d captures open", n)
	}
}

func TestStartWhileActive(t *testing.T) {
	cfg := fastConfig()
	cfg.SilenceTimeout = time.Second
	h := newHarness(t, transcriber.NewFake(false), audio.NewFakeContext(pcmOf(time.Second), 0), cfg)
	h.start()
	if err := h.ctl.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}
	if n := h.audio.Opened(); n != 1 {
		t.Errorf("device opened %d times", n)
	}
}

func TestStartMicUnavailable(t *testing.T) {
	fake := transcriber.NewFake(false)
	fc := audio.NewFakeContext(pcmOf(time.Second), 0)
	fc.FailOpen(errors.New("permission denied"))
	h := newHarness(t, fake, fc, fastConfig())

	err := h.ctl.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if h.ctl.State() != Idle {
		t.Errorf("state = %s, want Idle", h.ctl.State())
	}
	if !h.hasTurn(conversation.RoleSystem, MsgMicUnavailable) {
		t.Error("mic failure not surfaced")
	}
	for _, turn := range h.turns() {
		if strings.Contains(turn.Text, "permission denied") {
			t.Error("raw device error shown to user")
		}
	}
	if _, _, closed := fake.Stats(); closed == 0 {
		t.Error("transcriber not released after mic failure")
	}

	fc.FailOpen(nil)
	h.start()
	if h.ctl.State() != Capturing {
		t.Errorf("state = %s after retry", h.ctl.State())
	}
}

func TestStartTranscriberUnavailable(t *testing.T) {
	fake := transcriber.NewFake(true)
	fake.FailOpen(transcriber.ErrConnection)
	h := newBatchHarness(t, fake)

	if err := h.ctl.Start(context.Background()); !errors.Is(err, transcriber.ErrConnection) {
		t.Fatalf("Start = %v", err)
	}
	if !h.hasTurn(conversation.RoleSystem, MsgServiceDown) {
		t.Error("service failure not surfaced")
	}
	if n := h.audio.Opened(); n != 0 {
		t.Errorf("device opened %d times", n)
	}
}

func TestMicLostMidSessionEnds(t *testing.T) {
	fake := transcriber.NewFake(false, transcriber.FakeResult{Text: "an answer"})
	h := newBatchHarness(t, fake)
	h.start()
	h.audio.FailOpen(errors.New("device unplugged"))

	eventually(t, "session ended", func() bool { return h.ctl.State() == Ended })
	if !h.hasTurn(conversation.RoleSystem, MsgMicLost) {
		t.Error("mic loss not surfaced")
	}
	if _, err := h.ctl.Feedback(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := h.fb.calls.Load(); n != 1 {
		t.Errorf("feedback ran %d times", n)
	}
}
