package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coach/audio"
	"coach/log"
)

const DefaultBatchURL = "https://api.assemblyai.com/v2"

// Job status values reported by the batch backend.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// PollPolicy bounds how long a batch job is waited on.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	// Backoff multiplies the interval after each attempt; values below 1 mean constant.
	Backoff     float64
	MaxInterval time.Duration
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: time.Second, MaxAttempts: 30, Backoff: 1}
}

func (p PollPolicy) next(d time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return d
	}
	d = time.Duration(float64(d) * p.Backoff)
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Job is the backend's view of one transcription request.
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusError
}

type BatchConfig struct {
	BaseURL  string
	Language string
	Poll     PollPolicy
}

// Batch uploads a finished recording, creates a job for it and polls until
// the job reaches a terminal status or the poll policy runs out.
type Batch struct {
	cfg    BatchConfig
	tokens TokenSource
	client *TracedClient
}

func NewBatch(cfg BatchConfig, tokens TokenSource, client *TracedClient) *Batch {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBatchURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = time.Second
	}
	if cfg.Poll.MaxAttempts <= 0 {
		cfg.Poll.MaxAttempts = 30
	}
	if client == nil {
		client = NewTracedClient(30 * time.Second)
	}
	return &Batch{cfg: cfg, tokens: tokens, client: client}
}

func (b *Batch) Name() string    { return "assemblyai" }
func (b *Batch) Streaming() bool { return false }

func (b *Batch) Open(ctx context.Context) error {
	go b.client.WarmConnection(b.cfg.BaseURL)
	return nil
}

func (b *Batch) Send(context.Context, audio.Chunk) error { return nil }
func (b *Batch) Finals() <-chan string                   { return nil }
func (b *Batch) Done() <-chan struct{}                   { return nil }
func (b *Batch) Err() error                              { return nil }
func (b *Batch) Close() error                            { return nil }

func (b *Batch) Finish(ctx context.Context, clip audio.Clip) (Result, error) {
	start := time.Now()
	if clip.Empty() {
		return Result{}, ErrNoSpeech
	}

	token, err := b.tokens.Token(ctx)
	if err != nil {
		return Result{}, &RequestError{Op: "token", Err: err}
	}

	uploadURL, err := b.upload(ctx, token, clip.Data)
	if err != nil {
		return Result{}, err
	}
	id, err := b.create(ctx, token, uploadURL)
	if err != nil {
		return Result{}, err
	}
	job, err := b.poll(ctx, token, id)
	if err != nil {
		return Result{AudioRef: uploadURL}, err
	}

	text, err := clean(job.Text)
	return Result{Text: text, AudioRef: uploadURL, Elapsed: time.Since(start)}, err
}

func (b *Batch) do(ctx context.Context, op, method, url, token string, body []byte, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("authorization", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.client.Do(op, req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("%s: status %d body %s", op, resp.StatusCode, truncate(resp.Body, 200))
		return &RequestError{Op: op, Status: resp.StatusCode}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func (b *Batch) upload(ctx context.Context, token string, data []byte) (string, error) {
	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := b.do(ctx, "upload", http.MethodPost, b.cfg.BaseURL+"/upload", token, data, "application/octet-stream", &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", &RequestError{Op: "upload", Err: fmt.Errorf("response has no upload_url")}
	}
	return out.UploadURL, nil
}

func (b *Batch) create(ctx context.Context, token, audioURL string) (string, error) {
	payload := map[string]any{
		"audio_url": audioURL,
		"punctuate": true,
	}
	if b.cfg.Language != "" {
		payload["language_code"] = b.cfg.Language
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var job Job
	if err := b.do(ctx, "create", http.MethodPost, b.cfg.BaseURL+"/transcript", token, body, "application/json", &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", &RequestError{Op: "create", Err: fmt.Errorf("response has no id")}
	}
	return job.ID, nil
}

// poll waits before every status check. Transient request failures use up
// an attempt but do not abort the job.
func (b *Batch) poll(ctx context.Context, token, id string) (Job, error) {
	interval := b.cfg.Poll.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; attempt <= b.cfg.Poll.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-timer.C:
		}

		var job Job
		err := b.do(ctx, "poll", http.MethodGet, b.cfg.BaseURL+"/transcript/"+id, token, nil, "", &job)
		switch {
		case ctx.Err() != nil:
			return Job{}, ctx.Err()
		case err != nil:
			log.Warnf("poll attempt %d/%d: %v", attempt, b.cfg.Poll.MaxAttempts, err)
		case job.Status == StatusCompleted:
			return job, nil
		case job.Status == StatusError:
			return job, &FailedError{Reason: job.Error}
		}

		interval = b.cfg.Poll.next(interval)
		timer.Reset(interval)
	}
	return Job{}, ErrTimeout
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
