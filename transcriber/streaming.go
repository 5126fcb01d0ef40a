package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"coach/audio"
	"coach/encoder"
	"coach/log"
)

const DefaultStreamURL = "wss://api.deepgram.com/v1/listen"

var streamFinalizeMax = 2 * time.Second

const (
	streamKeepAlive = 5 * time.Second
	streamCloseWait = 2 * time.Second
	finalsBuffer    = 16
)

type StreamConfig struct {
	URL      string
	Language string
	Model    string
}

type streamResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Streaming transcribes over a persistent websocket. Audio is forwarded
// chunk by chunk; Finish asks the server to flush and returns the finals
// received for the utterance.
type Streaming struct {
	cfg    StreamConfig
	tokens TokenSource

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	lastSeq   int
	lastSend  time.Time
	committed []string
	finals    chan string
	finalized chan struct{}
	done      chan struct{}
	recvDone  chan struct{}
	err       error
	closing   bool
	sent      int
	// stale counts Finalize requests whose acknowledgement Finish gave up
	// on. Results up to and including each of those acks are discarded.
	stale int
}

func NewStreaming(cfg StreamConfig, tokens TokenSource) *Streaming {
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	closed := make(chan struct{})
	close(closed)
	return &Streaming{cfg: cfg, tokens: tokens, done: closed, lastSeq: -1}
}

func (s *Streaming) Name() string    { return "deepgram" }
func (s *Streaming) Streaming() bool { return true }

func (s *Streaming) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("stream url: %w", err)
	}
	q := u.Query()
	q.Set("punctuate", "true")
	q.Set("language", s.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(encoder.SampleRate))
	q.Set("channels", strconv.Itoa(encoder.Channels))
	if s.cfg.Model != "" {
		q.Set("model", s.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the socket. Any previous connection must have been closed or lost.
func (s *Streaming) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return errors.New("stream already open")
	}
	s.mu.Unlock()

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: credential: %v", ErrConnection, err)
	}
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+token)

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrConnection, err)
	}
	log.Infof("stream connected in %dms", time.Since(start).Milliseconds())

	streamCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.lastSeq = -1
	s.lastSend = time.Now()
	s.committed = nil
	s.finals = make(chan string, finalsBuffer)
	s.finalized = make(chan struct{}, 1)
	s.done = make(chan struct{})
	s.recvDone = make(chan struct{})
	s.err = nil
	s.closing = false
	s.sent = 0
	s.stale = 0
	recvDone, done := s.recvDone, s.done
	s.mu.Unlock()

	go s.runReceiver(streamCtx, conn, recvDone)
	go s.runKeepAlive(streamCtx, conn, done)
	return nil
}

func (s *Streaming) Finals() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finals
}

func (s *Streaming) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Streaming) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send forwards chunk if it is newer than the last one sent. Stale chunks
// are dropped silently.
func (s *Streaming) Send(ctx context.Context, chunk audio.Chunk) error {
	s.mu.Lock()
	conn := s.conn
	if s.err != nil {
		s.mu.Unlock()
		return ErrConnection
	}
	if conn == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if chunk.Seq <= s.lastSeq {
		s.mu.Unlock()
		log.Debugf("stream: dropping out-of-order chunk %d (last %d)", chunk.Seq, s.lastSeq)
		return nil
	}
	if s.lastSeq == -1 {
		s.committed = nil
	}
	s.lastSeq = chunk.Seq
	s.lastSend = time.Now()
	s.sent++
	s.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageBinary, chunk.PCM); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.lost(fmt.Errorf("write: %w", err))
		return ErrConnection
	}
	return nil
}

// Finish flushes the server side of the current utterance. The chunk
// sequence restarts for the next capture.
func (s *Streaming) Finish(ctx context.Context, _ audio.Clip) (Result, error) {
	start := time.Now()

	s.mu.Lock()
	conn, finalized, done := s.conn, s.finalized, s.done
	if s.err != nil {
		s.mu.Unlock()
		return Result{}, ErrConnection
	}
	if conn == nil {
		s.mu.Unlock()
		return Result{}, ErrNotOpen
	}
	s.mu.Unlock()

	// A late acknowledgement from a previous utterance must not satisfy this one.
	select {
	case <-finalized:
	default:
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.lost(fmt.Errorf("finalize: %w", err))
		return Result{}, ErrConnection
	}

	timer := time.NewTimer(streamFinalizeMax)
	defer timer.Stop()
	select {
	case <-finalized:
	case <-timer.C:
		log.Warn("stream: finalize acknowledgement timed out")
		s.mu.Lock()
		s.stale++
		s.mu.Unlock()
	case <-done:
		if s.Err() != nil {
			return Result{}, ErrConnection
		}
		return Result{}, ErrNotOpen
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	s.mu.Lock()
	text := strings.Join(s.committed, " ")
	s.committed = nil
	s.lastSeq = -1
	s.mu.Unlock()

	text, err := clean(text)
	return Result{Text: text, Elapsed: time.Since(start)}, err
}

// Close ends the stream. It does not report an error through Err.
func (s *Streaming) Close() error {
	s.mu.Lock()
	conn, cancel, recvDone := s.conn, s.cancel, s.recvDone
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.conn = nil
	s.mu.Unlock()

	ctx, stop := context.WithTimeout(context.Background(), streamCloseWait)
	defer stop()
	conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	conn.Close(websocket.StatusNormalClosure, "")
	cancel()

	select {
	case <-recvDone:
	case <-time.After(streamCloseWait):
		log.Warn("stream receiver drain timeout")
	}
	s.finish()

	s.mu.Lock()
	sent := s.sent
	s.mu.Unlock()
	log.Infof("stream closed: sent=%d chunks", sent)
	return nil
}

// lost records an unexpected disconnect. Subsequent calls fail with ErrConnection.
func (s *Streaming) lost(err error) {
	s.mu.Lock()
	if s.closing || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	conn, cancel := s.conn, s.cancel
	s.conn = nil
	s.mu.Unlock()

	log.Errorf("stream connection lost: %v", err)
	if conn != nil {
		conn.CloseNow()
	}
	if cancel != nil {
		cancel()
	}
	s.finish()
}

func (s *Streaming) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Streaming) runReceiver(ctx context.Context, conn *websocket.Conn, recvDone chan struct{}) {
	defer close(recvDone)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.lost(fmt.Errorf("read: %w", err))
			}
			return
		}

		var resp streamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warnf("stream: unparseable message: %v", err)
			continue
		}

		if resp.FromFinalize {
			s.mu.Lock()
			if s.stale > 0 {
				s.stale--
				s.mu.Unlock()
				log.Debugf("stream: discarding late finalize result")
				continue
			}
			select {
			case s.finalized <- struct{}{}:
			default:
			}
			s.mu.Unlock()
		}

		if !(resp.IsFinal || resp.SpeechFinal || resp.FromFinalize) {
			continue
		}
		if len(resp.Channel.Alternatives) == 0 {
			continue
		}
		transcript := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if transcript == "" {
			continue
		}

		s.mu.Lock()
		if s.stale > 0 {
			s.mu.Unlock()
			continue
		}
		s.committed = append(s.committed, transcript)
		finals := s.finals
		s.mu.Unlock()

		select {
		case finals <- transcript:
		default:
		}
	}
}

// runKeepAlive stops the server from timing out an idle socket while the
// session is waiting on the user or the completion service.
func (s *Streaming) runKeepAlive(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(streamKeepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		idle := time.Since(s.lastSend)
		s.mu.Unlock()
		if idle < streamKeepAlive {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
			if ctx.Err() == nil {
				s.lost(fmt.Errorf("keepalive: %w", err))
			}
			return
		}
		s.mu.Lock()
		s.lastSend = time.Now()
		s.mu.Unlock()
	}
}
