package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"coach/audio"
)

// fakeDeepgram answers every Finalize with the scripted finals followed by
// the finalize acknowledgement.
type fakeDeepgram struct {
	finals     [][]string // one slice per Finalize
	delayFirst time.Duration

	mu      sync.Mutex
	auth    string
	query   string
	binary  [][]byte
	texts   []string
	conns   int
	dropNow chan struct{}
}

func (f *fakeDeepgram) result(text string, final, fromFinalize bool) []byte {
	msg := map[string]any{
		"type":          "Results",
		"is_final":      final,
		"from_finalize": fromFinalize,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text}},
		},
	}
	b, _ := json.Marshal(msg)
	return b
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.query = r.URL.RawQuery
	f.conns++
	drop := f.dropNow
	f.mu.Unlock()

	ctx := r.Context()
	finalizes := 0
	msgs := make(chan struct {
		typ  websocket.MessageType
		data []byte
	})
	go func() {
		defer close(msgs)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msgs <- struct {
				typ  websocket.MessageType
				data []byte
			}{typ, data}
		}
	}()

	for {
		select {
		case <-drop:
			conn.Close(websocket.StatusInternalError, "server going away")
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m.typ == websocket.MessageBinary {
				f.mu.Lock()
				f.binary = append(f.binary, m.data)
				f.mu.Unlock()
				// Interim results must be ignored by the client.
				conn.Write(ctx, websocket.MessageText, f.result("partial guess", false, false))
				continue
			}
			text := string(m.data)
			f.mu.Lock()
			f.texts = append(f.texts, text)
			f.mu.Unlock()
			if !strings.Contains(text, "Finalize") {
				continue
			}
			var finals []string
			if finalizes < len(f.finals) {
				finals = f.finals[finalizes]
			}
			if finalizes == 0 && f.delayFirst > 0 {
				time.Sleep(f.delayFirst)
			}
			finalizes++
			for _, s := range finals {
				conn.Write(ctx, websocket.MessageText, f.result(s, true, false))
			}
			conn.Write(ctx, websocket.MessageText, f.result("", true, true))
		}
	}
}

func newStreamServer(t *testing.T, fd *fakeDeepgram) *Streaming {
	t.Helper()
	if fd.dropNow == nil {
		fd.dropNow = make(chan struct{})
	}
	srv := httptest.NewServer(fd)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
	return NewStreaming(StreamConfig{URL: url, Language: "en"}, StaticToken("dg-key"))
}

func TestStreamingUtterance(t *testing.T) {
	fd := &fakeDeepgram{finals: [][]string{{"Tell me", "about yourself."}, {}}}
	s := newStreamServer(t, fd)
	ctx := context.Background()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := range 3 {
		if err := s.Send(ctx, audio.Chunk{Seq: i, PCM: []byte{byte(i), 0}}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	res, err := s.Finish(ctx, audio.Clip{})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.Text != "Tell me about yourself." {
		t.Errorf("Text = %q", res.Text)
	}

	var finals []string
	for len(finals) < 2 {
		select {
		case f := <-s.Finals():
			finals = append(finals, f)
		case <-time.After(time.Second):
			t.Fatalf("finals = %v", finals)
		}
	}

	// Second utterance: nothing recognised.
	if err := s.Send(ctx, audio.Chunk{Seq: 0, PCM: []byte{9, 9}}); err != nil {
		t.Fatalf("Send after Finish: %v", err)
	}
	if _, err := s.Finish(ctx, audio.Clip{}); !errors.Is(err, ErrNoSpeech) {
		t.Errorf("second Finish err = %v, want ErrNoSpeech", err)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.auth != "Token dg-key" {
		t.Errorf("Authorization = %q", fd.auth)
	}
	for _, want := range []string{"punctuate=true", "language=en", "sample_rate=16000", "encoding=linear16"} {
		if !strings.Contains(fd.query, want) {
			t.Errorf("query %q missing %s", fd.query, want)
		}
	}
	if len(fd.binary) != 4 {
		t.Errorf("server got %d audio frames, want 4", len(fd.binary))
	}
}

func TestStreamingLateFinalizeStaysWithItsUtterance(t *testing.T) {
	defer func(d time.Duration) { streamFinalizeMax = d }(streamFinalizeMax)
	streamFinalizeMax = 100 * time.Millisecond

	fd := &fakeDeepgram{
		finals:     [][]string{{"first answer"}, {"second answer"}},
		delayFirst: 400 * time.Millisecond,
	}
	s := newStreamServer(t, fd)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Send(ctx, audio.Chunk{Seq: 0, PCM: []byte{1, 0}})
	if _, err := s.Finish(ctx, audio.Clip{}); !errors.Is(err, ErrNoSpeech) {
		t.Errorf("first Finish err = %v, want ErrNoSpeech", err)
	}

	s.Send(ctx, audio.Chunk{Seq: 0, PCM: []byte{2, 0}})
	streamFinalizeMax = 2 * time.Second
	res, err := s.Finish(ctx, audio.Clip{})
	if err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if res.Text != "second answer" {
		t.Errorf("Text = %q, want %q", res.Text, "second answer")
	}
}

func TestStreamingDropsStaleChunks(t *testing.T) {
	fd := &fakeDeepgram{finals: [][]string{{"ok"}}}
	s := newStreamServer(t, fd)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, seq := range []int{0, 1, 1, 0, 2} {
		if err := s.Send(ctx, audio.Chunk{Seq: seq, PCM: []byte{byte(seq), 0}}); err != nil {
			t.Fatalf("Send %d: %v", seq, err)
		}
	}
	if _, err := s.Finish(ctx, audio.Clip{}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.binary) != 3 {
		t.Fatalf("server got %d frames, want 3", len(fd.binary))
	}
	for i, b := range fd.binary {
		if int(b[0]) != i {
			t.Errorf("frame %d carries seq %d", i, b[0])
		}
	}
}

func TestStreamingConnectionLost(t *testing.T) {
	fd := &fakeDeepgram{}
	s := newStreamServer(t, fd)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	close(fd.dropNow)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server drop")
	}
	if s.Err() == nil {
		t.Error("Err() = nil after unexpected close")
	}
	if err := s.Send(ctx, audio.Chunk{Seq: 0}); !errors.Is(err, ErrConnection) {
		t.Errorf("Send err = %v, want ErrConnection", err)
	}
	if _, err := s.Finish(ctx, audio.Clip{}); !errors.Is(err, ErrConnection) {
		t.Errorf("Finish err = %v, want ErrConnection", err)
	}
	if Outcome(ErrConnection) != "connection" {
		t.Error("connection outcome mislabelled")
	}
	s.Close()
}

func TestStreamingCloseIsClean(t *testing.T) {
	fd := &fakeDeepgram{}
	s := newStreamServer(t, fd)
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := s.Done()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done not closed by Close")
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v after clean close", s.Err())
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Send(context.Background(), audio.Chunk{}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after Close = %v, want ErrNotOpen", err)
	}
}

func TestStreamingReopenAfterDrop(t *testing.T) {
	fd := &fakeDeepgram{finals: [][]string{{"again"}}}
	s := newStreamServer(t, fd)
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	close(fd.dropNow)
	<-s.Done()

	fd.mu.Lock()
	fd.dropNow = make(chan struct{})
	fd.mu.Unlock()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if s.Err() != nil {
		t.Errorf("Err() = %v after reopen", s.Err())
	}
	s.Send(ctx, audio.Chunk{Seq: 0, PCM: []byte{1, 2}})
	res, err := s.Finish(ctx, audio.Clip{})
	if err != nil || res.Text != "again" {
		t.Errorf("Finish = %q, %v", res.Text, err)
	}
}

func TestStreamingDialFailure(t *testing.T) {
	s := NewStreaming(StreamConfig{URL: "ws://127.0.0.1:1/v1/listen"}, StaticToken("k"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Open(ctx); !errors.Is(err, ErrConnection) {
		t.Errorf("Open err = %v, want ErrConnection", err)
	}
}
