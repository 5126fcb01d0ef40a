// Package session drives one interview: it owns the microphone, the
// transcription connection and the conversation history, and moves between
// capturing, transcribing and replying until the user ends the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coach/audio"
	"coach/conversation"
	"coach/events"
	"coach/log"
	"coach/metrics"
	"coach/transcriber"
)

// Turns the controller writes itself. None of them carry service error text.
const (
	MsgStarted           = "Session started"
	MsgEnded             = "Session ended"
	MsgMicUnavailable    = "We couldn't access your microphone. Check that it is connected and allowed, then try again."
	MsgServiceDown       = "We couldn't reach the transcription service. Please try again in a moment."
	MsgTranscriptTimeout = "Transcription is taking too long. Let's try that answer again."
	MsgTranscriptFailed  = "Sorry, we couldn't transcribe that. Please try again."
	MsgConnectionLost    = "The transcription connection was lost. Press Start to continue."
	MsgMicLost           = "We lost access to your microphone, so the session has ended."
)

var (
	ErrEnded = errors.New("session has ended")
	ErrBusy  = errors.New("session already started")
)

const (
	DefaultSilenceTimeout  = 3 * time.Second
	DefaultMaxDuration     = 30 * time.Second
	DefaultGreetingDelay   = 1500 * time.Millisecond
	DefaultCooldownDelay   = time.Second
	DefaultFeedbackTimeout = 30 * time.Second

	eventBuffer    = 64
	publishTimeout = 5 * time.Second
)

// Recorder is the microphone. *audio.Capture implements it.
type Recorder interface {
	Begin(mode audio.Mode) (*audio.Handle, error)
	End(h *audio.Handle) (audio.Clip, error)
}

// Responder produces the coach's reply and records both turns.
type Responder interface {
	Respond(ctx context.Context, h *conversation.History, userText, audioRef string) string
}

type Summarizer interface {
	Summarize(ctx context.Context, turns []conversation.Turn) string
}

type Config struct {
	ID     string
	RoomID string
	Topic  string
	Option conversation.Option
	Expert string

	SilenceTimeout  time.Duration
	MaxDuration     time.Duration
	GreetingDelay   time.Duration
	CooldownDelay   time.Duration
	FeedbackTimeout time.Duration

	// VAD, when set, makes only voiced chunks reset the streaming silence timer.
	VAD *audio.VAD
}

func (c *Config) defaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.GreetingDelay < 0 {
		c.GreetingDelay = 0
	}
	if c.CooldownDelay <= 0 {
		c.CooldownDelay = DefaultCooldownDelay
	}
	if c.FeedbackTimeout <= 0 {
		c.FeedbackTimeout = DefaultFeedbackTimeout
	}
	if c.Expert == "" {
		c.Expert = conversation.PlaceholderExpert
	}
}

// Deps are the collaborators of one session. Metrics, Events and Listener
// are optional.
type Deps struct {
	Capture     Recorder
	Transcriber transcriber.Client
	Engine      Responder
	Feedback    Summarizer

	Listener Listener
	Metrics  *metrics.Metrics
	Events   events.Sink
}

type timerKind int

const (
	timerGreeting timerKind = iota
	timerSilence
	timerMax
	timerCooldown
)

func (k timerKind) String() string {
	return [...]string{"greeting", "silence", "max", "cooldown"}[k]
}

type ownedTimer struct {
	id uint64
	t  *time.Timer
}

// Messages handled by the loop.
type (
	startCmd struct {
		ctx   context.Context
		reply chan error
	}
	stopCmd struct {
		reply chan struct{}
	}
	acquired struct {
		reply  chan error
		handle *audio.Handle
		sttErr error
		micErr error
	}
	timerFired struct {
		kind timerKind
		id   uint64
	}
	chunkSent struct {
		epoch  uint64
		voiced bool
	}
	transcribed struct {
		epoch uint64
		res   transcriber.Result
		err   error
		audio time.Duration
	}
	replied struct {
		epoch   uint64
		reply   string
		elapsed time.Duration
	}
)

// Controller is the session state machine. Every state change happens on a
// single loop goroutine; device and network I/O run beside it and report
// back as messages tagged with the capture epoch they belong to, so results
// from an abandoned capture are dropped.
type Controller struct {
	cfg      Config
	capture  Recorder
	stt      transcriber.Client
	engine   Responder
	feedback Summarizer
	listener Listener
	metrics  *metrics.Metrics
	sink     events.Sink
	history  *conversation.History
	log      zerolog.Logger

	inbox  chan any
	done   chan struct{}
	outbox chan events.Event

	mu      sync.Mutex
	current State

	feedbackDone chan struct{}
	feedbackText string

	// Owned by the loop goroutine.
	state     State
	starting  bool
	greeted   bool
	startedAt time.Time
	epoch     uint64
	mic       *audio.Handle
	armed     *atomic.Bool
	drained   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	sttDone   <-chan struct{}
	sttFinals <-chan string
	timers    map[timerKind]ownedTimer
	timerSeq  uint64
}

func New(cfg Config, deps Deps) *Controller {
	cfg.defaults()
	c := &Controller{
		cfg:          cfg,
		capture:      deps.Capture,
		stt:          deps.Transcriber,
		engine:       deps.Engine,
		feedback:     deps.Feedback,
		listener:     deps.Listener,
		metrics:      deps.Metrics,
		sink:         deps.Events,
		history:      conversation.NewHistory(),
		log:          log.Session(cfg.ID),
		inbox:        make(chan any),
		done:         make(chan struct{}),
		outbox:       make(chan events.Event, eventBuffer),
		feedbackDone: make(chan struct{}),
		timers:       make(map[timerKind]ownedTimer),
	}
	if c.listener == nil {
		c.listener = nopListener{}
	}
	c.history.OnAppend = func(t conversation.Turn) {
		c.metrics.RecordTurn(string(t.Role))
		c.listener.OnTurn(t)
	}
	if c.sink != nil {
		go c.publishEvents()
	}
	go c.run()
	return c
}

func (c *Controller) ID() string                      { return c.cfg.ID }
func (c *Controller) Expert() string                  { return c.cfg.Expert }
func (c *Controller) Topic() string                   { return c.cfg.Topic }
func (c *Controller) History() *conversation.History  { return c.history }
func (c *Controller) Transcriber() transcriber.Client { return c.stt }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start opens the transcription backend and the microphone. On failure a
// system turn explains what went wrong and the session stays Idle.
func (c *Controller) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.post(startCmd{ctx: ctx, reply: reply}) {
		return ErrEnded
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the session. It is safe to call more than once and from any
// goroutine; only the first call has an effect.
func (c *Controller) Stop() {
	reply := make(chan struct{})
	if c.post(stopCmd{reply: reply}) {
		<-reply
	}
}

// Feedback waits for the end-of-session summary.
func (c *Controller) Feedback(ctx context.Context) (string, error) {
	select {
	case <-c.feedbackDone:
		return c.feedbackText, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once the session has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// post delivers msg to the loop. It reports false once the loop has exited.
func (c *Controller) post(msg any) bool {
	select {
	case c.inbox <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)
	defer close(c.outbox)
	for {
		select {
		case msg := <-c.inbox:
			if c.dispatch(msg) {
				return
			}
		case <-c.sttDone:
			c.sttDone = nil
			if err := c.stt.Err(); err != nil {
				c.connectionLost(err)
			}
		case text, ok := <-c.sttFinals:
			if !ok {
				c.sttFinals = nil
				continue
			}
			c.listener.OnTranscript(text)
		}
	}
}

// dispatch handles one message and reports whether the loop should exit.
func (c *Controller) dispatch(msg any) bool {
	switch m := msg.(type) {
	case startCmd:
		switch {
		case c.state != Idle || c.starting:
			m.reply <- ErrBusy
		default:
			c.starting = true
			go c.acquire(m)
		}
	case acquired:
		c.onAcquired(m)
	case stopCmd:
		c.stop()
		close(m.reply)
		return true
	case timerFired:
		c.onTimer(m)
	case chunkSent:
		if c.state == Capturing && m.epoch == c.epoch && (c.cfg.VAD == nil || m.voiced) {
			c.arm(timerSilence, c.cfg.SilenceTimeout)
		}
	case transcribed:
		if c.state == AwaitingTranscript && m.epoch == c.epoch {
			c.onTranscribed(m)
		}
	case replied:
		if c.state == Generating && m.epoch == c.epoch {
			c.metrics.RecordRespond(m.elapsed)
			c.transition(Cooldown)
			c.arm(timerCooldown, c.cfg.CooldownDelay)
		}
	}
	return c.state == Ended
}

// acquire runs off the loop: dialing and opening the device both block.
func (c *Controller) acquire(cmd startCmd) {
	res := acquired{reply: cmd.reply}
	if err := c.stt.Open(cmd.ctx); err != nil {
		res.sttErr = err
	} else if h, err := c.capture.Begin(c.mode()); err != nil {
		c.stt.Close()
		res.micErr = err
	} else {
		res.handle = h
	}
	if !c.post(res) {
		if res.handle != nil {
			c.capture.End(res.handle)
		}
		c.stt.Close()
		cmd.reply <- ErrEnded
	}
}

func (c *Controller) onAcquired(m acquired) {
	c.starting = false
	switch {
	case m.sttErr != nil:
		c.log.Error().Err(m.sttErr).Str("provider", c.stt.Name()).Msg("transcription open failed")
		c.system(MsgServiceDown)
		m.reply <- fmt.Errorf("opening transcription: %w", m.sttErr)
		return
	case m.micErr != nil:
		c.log.Error().Err(m.micErr).Msg("microphone open failed")
		c.system(MsgMicUnavailable)
		m.reply <- m.micErr
		return
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.stt.Streaming() {
		c.sttDone = c.stt.Done()
		c.sttFinals = c.stt.Finals()
	}
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
		c.metrics.SessionStarted()
		log.SessionStart(c.cfg.ID, c.cfg.RoomID, c.stt.Name(), c.mode().String())
		c.emit(events.Event{Type: events.SessionStarted})
	}

	c.system(MsgStarted)
	c.transition(Capturing)
	c.attach(m.handle)
	if !c.greeted {
		c.greeted = true
		c.arm(timerGreeting, c.cfg.GreetingDelay)
	} else {
		c.armCapture()
	}
	m.reply <- nil
}

func (c *Controller) onTimer(m timerFired) {
	t, ok := c.timers[m.kind]
	if !ok || t.id != m.id {
		return
	}
	delete(c.timers, m.kind)

	switch m.kind {
	case timerGreeting:
		if c.state != Capturing {
			return
		}
		if greeting := c.cfg.Option.Opening(c.cfg.Topic); greeting != "" {
			c.history.Append(conversation.Turn{Role: conversation.RoleAssistant, Text: greeting})
		}
		c.armCapture()
	case timerSilence, timerMax:
		if c.state == Capturing {
			c.log.Debug().Stringer("timer", m.kind).Msg("capture window closed")
			c.endCapture()
		}
	case timerCooldown:
		if c.state == Cooldown {
			c.rearm()
		}
	}
}

func (c *Controller) onTranscribed(m transcribed) {
	outcome := transcriber.Outcome(m.err)
	log.Transcription(c.cfg.ID, c.stt.Name(), outcome, m.audio, m.res.Elapsed)
	c.metrics.RecordTranscription(c.stt.Name(), outcome, m.res.Elapsed)
	c.emit(events.Event{Type: events.TranscriptOutcome, Outcome: outcome})

	var failed *transcriber.FailedError
	switch {
	case m.err == nil:
		c.transition(Generating)
		c.respond(m.res)
	case errors.Is(m.err, transcriber.ErrNoSpeech):
		c.rearm()
	case errors.Is(m.err, transcriber.ErrConnection):
		c.connectionLost(m.err)
	case errors.Is(m.err, transcriber.ErrTimeout):
		c.log.Warn().Err(m.err).Msg("transcription poll budget exhausted")
		c.system(MsgTranscriptTimeout)
		c.rearm()
	case errors.As(m.err, &failed):
		c.log.Error().Str("reason", failed.Reason).Msg("transcription job failed")
		c.system(MsgTranscriptFailed)
		c.rearm()
	default:
		c.log.Error().Err(m.err).Msg("transcription failed")
		c.system(MsgTranscriptFailed)
		c.rearm()
	}
}

func (c *Controller) respond(res transcriber.Result) {
	ctx, epoch := c.ctx, c.epoch
	go func() {
		start := time.Now()
		reply := c.engine.Respond(ctx, c.history, res.Text, res.AudioRef)
		c.post(replied{epoch: epoch, reply: reply, elapsed: time.Since(start)})
	}()
}

// attach takes ownership of a freshly begun capture. In streaming mode a
// pump forwards its chunks once the capture window is armed.
func (c *Controller) attach(h *audio.Handle) {
	c.epoch++
	c.mic = h
	c.armed = new(atomic.Bool)
	c.drained = nil
	if h.Chunks() == nil {
		return
	}
	if c.cfg.VAD != nil {
		c.cfg.VAD.Reset()
	}
	c.drained = make(chan struct{})
	go c.pump(c.ctx, h, c.armed, c.epoch, c.drained)
}

func (c *Controller) pump(ctx context.Context, h *audio.Handle, armed *atomic.Bool, epoch uint64, drained chan struct{}) {
	defer close(drained)
	failed := false
	for chunk := range h.Chunks() {
		if failed || !armed.Load() {
			continue
		}
		if err := c.stt.Send(ctx, chunk); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Int("seq", chunk.Seq).Msg("chunk not forwarded")
			}
			failed = true
			continue
		}
		voiced := c.cfg.VAD == nil || c.cfg.VAD.Voiced(chunk.PCM)
		c.post(chunkSent{epoch: epoch, voiced: voiced})
	}
}

func (c *Controller) armCapture() {
	c.armed.Store(true)
	c.arm(timerSilence, c.cfg.SilenceTimeout)
	c.arm(timerMax, c.cfg.MaxDuration)
}

// endCapture releases the microphone and hands the utterance to the
// transcriber. The streaming tail is forwarded before Finish runs.
func (c *Controller) endCapture() {
	h, drained := c.mic, c.drained
	c.mic = nil
	c.transition(AwaitingTranscript)

	clip, err := c.capture.End(h)
	if err != nil {
		c.log.Error().Err(err).Msg("closing capture")
		c.system(MsgTranscriptFailed)
		c.rearm()
		return
	}

	ctx, epoch := c.ctx, c.epoch
	go func() {
		if drained != nil {
			<-drained
		}
		res, err := c.stt.Finish(ctx, clip)
		c.post(transcribed{epoch: epoch, res: res, err: err, audio: clip.Duration})
	}()
}

// rearm starts the next capture. Losing the microphone mid-session cannot
// be recovered from, so it ends the session.
func (c *Controller) rearm() {
	h, err := c.capture.Begin(c.mode())
	if err != nil {
		c.log.Error().Err(err).Msg("microphone re-acquire failed")
		c.system(MsgMicLost)
		c.stop()
		return
	}
	c.transition(Capturing)
	c.attach(h)
	c.armCapture()
}

// connectionLost returns to Idle. Nothing reconnects until the next Start.
func (c *Controller) connectionLost(err error) {
	if !c.state.Active() {
		return
	}
	c.log.Error().Err(err).Str("state", c.state.String()).Msg("transcription connection lost")
	c.metrics.ConnectionLost()
	c.emit(events.Event{Type: events.ConnectionLost})

	c.release()
	c.system(MsgConnectionLost)
	c.transition(Idle)
}

// release cancels in-flight work and frees the microphone and transcriber.
func (c *Controller) release() {
	c.cancelTimers()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.epoch++
	if c.mic != nil {
		c.capture.End(c.mic)
		c.mic = nil
	}
	c.sttDone, c.sttFinals = nil, nil
	if err := c.stt.Close(); err != nil {
		c.log.Warn().Err(err).Msg("closing transcriber")
	}
}

func (c *Controller) stop() {
	if c.state == Ended {
		return
	}
	c.cancelTimers()
	if _, err := c.history.Close(conversation.Turn{Role: conversation.RoleSystem, Text: MsgEnded}); err != nil {
		c.log.Warn().Err(err).Msg("closing history")
	}
	c.release()
	c.transition(Ended)

	elapsed := time.Duration(0)
	if !c.startedAt.IsZero() {
		elapsed = time.Since(c.startedAt)
		c.metrics.SessionEnded(elapsed)
	}
	log.SessionEnd(c.cfg.ID, c.history.Len(), elapsed)
	c.emit(events.Event{Type: events.SessionEnded, Turns: c.history.Len()})

	go c.summarize(c.history.Turns())
}

// summarize runs exactly once per session, after Ended.
func (c *Controller) summarize(turns []conversation.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FeedbackTimeout)
	defer cancel()
	text := c.feedback.Summarize(ctx, turns)
	c.feedbackText = text
	c.listener.OnFeedback(text)
	close(c.feedbackDone)
}

func (c *Controller) transition(to State) bool {
	from := c.state
	if !from.CanTransition(to) {
		c.log.Error().Stringer("from", from).Stringer("to", to).Msg("illegal transition")
		return false
	}
	c.cancelTimers()
	c.state = to
	c.mu.Lock()
	c.current = to
	c.mu.Unlock()

	log.StateChange(c.cfg.ID, from.String(), to.String())
	c.emit(events.Event{Type: events.StateChanged, From: from.String(), To: to.String()})
	c.listener.OnState(from, to)
	return true
}

func (c *Controller) arm(kind timerKind, d time.Duration) {
	if t, ok := c.timers[kind]; ok {
		t.t.Stop()
	}
	c.timerSeq++
	id := c.timerSeq
	c.timers[kind] = ownedTimer{
		id: id,
		t:  time.AfterFunc(d, func() { c.post(timerFired{kind: kind, id: id}) }),
	}
}

func (c *Controller) cancelTimers() {
	for kind, t := range c.timers {
		t.t.Stop()
		delete(c.timers, kind)
	}
}

func (c *Controller) system(text string) {
	if _, err := c.history.Append(conversation.Turn{Role: conversation.RoleSystem, Text: text}); err != nil {
		c.log.Warn().Err(err).Str("text", text).Msg("system turn rejected")
	}
}

func (c *Controller) mode() audio.Mode {
	if c.stt.Streaming() {
		return audio.ModeStream
	}
	return audio.ModeBatch
}

func (c *Controller) emit(e events.Event) {
	if c.sink == nil {
		return
	}
	e.SessionID = c.cfg.ID
	e.RoomID = c.cfg.RoomID
	e.At = time.Now().UTC()
	select {
	case c.outbox <- e:
	default:
		c.log.Warn().Str("type", e.Type).Msg("event dropped")
	}
}

func (c *Controller) publishEvents() {
	for e := range c.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		c.sink.Publish(ctx, e)
		cancel()
	}
}
