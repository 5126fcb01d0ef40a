package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"coach/encoder"
	"coach/log"
)

// ErrDeviceUnavailable is returned when the microphone cannot be opened,
// started, or is already held by another capture.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Mode selects how captured audio leaves the handle.
type Mode int

const (
	// ModeStream emits fixed-size chunks while recording.
	ModeStream Mode = iota
	// ModeBatch buffers the whole recording and returns it as a Clip on End.
	ModeBatch
)

func (m Mode) String() string {
	if m == ModeBatch {
		return "batch"
	}
	return "stream"
}

// DefaultChunkDuration matches the timeslice the streaming backend expects.
const DefaultChunkDuration = 250 * time.Millisecond

const chunkBuffer = 64

// Chunk is one slice of PCM16 mono audio. Seq starts at 0 for every capture.
type Chunk struct {
	Seq int
	PCM []byte
}

// Clip is a finished batch recording.
type Clip struct {
	Data     []byte
	Format   string
	Duration time.Duration
	Samples  uint64
}

func (c Clip) Empty() bool { return c.Samples == 0 }

// Capture owns the microphone. At most one Handle is live at a time.
type Capture struct {
	ctx        Context
	device     *DeviceInfo
	chunkBytes int

	mu     sync.Mutex
	active *Handle
}

func NewCapture(ctx Context, device *DeviceInfo, chunk time.Duration) *Capture {
	if chunk <= 0 {
		chunk = DefaultChunkDuration
	}
	n := int(chunk * encoder.BytesPerSecond / time.Second)
	n -= n % 2
	return &Capture{ctx: ctx, device: device, chunkBytes: n}
}

// Begin opens and starts the device. It fails with ErrDeviceUnavailable if
// a previous handle has not been ended or the device refuses to open.
func (c *Capture) Begin(mode Mode) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, fmt.Errorf("%w: capture already in progress", ErrDeviceUnavailable)
	}

	dev, err := c.ctx.NewCapture(c.device, CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	h := &Handle{
		owner:      c,
		mode:       mode,
		dev:        dev,
		chunkBytes: c.chunkBytes,
		started:    time.Now(),
	}
	if mode == ModeStream {
		h.chunks = make(chan Chunk, chunkBuffer)
	}
	dev.SetCallback(h.onData)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	c.active = h
	log.Infof("capture begin: mode=%s device=%q", mode, dev.DeviceName())
	return h, nil
}

// End stops the handle and releases the device. In batch mode the recording
// is returned as a FLAC clip. Calling End twice returns an empty clip.
func (c *Capture) End(h *Handle) (Clip, error) {
	if h == nil {
		return Clip{}, nil
	}
	clip, err := h.end()

	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.mu.Unlock()
	return clip, err
}

// Active reports whether a handle currently holds the device.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Handle is one microphone acquisition.
type Handle struct {
	owner      *Capture
	mode       Mode
	dev        CaptureDevice
	chunkBytes int
	started    time.Time
	chunks     chan Chunk

	mu      sync.Mutex
	ended   bool
	pending []byte
	pcm     []byte
	seq     int
	dropped int
}

func (h *Handle) Mode() Mode { return h.mode }

// Chunks yields streaming audio in capture order. It is nil in batch mode
// and closed once End has flushed the tail.
func (h *Handle) Chunks() <-chan Chunk { return h.chunks }

func (h *Handle) onData(data []byte, _ uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	if h.mode == ModeBatch {
		h.pcm = append(h.pcm, data...)
		return
	}
	h.pending = append(h.pending, data...)
	for len(h.pending) >= h.chunkBytes {
		pcm := make([]byte, h.chunkBytes)
		copy(pcm, h.pending[:h.chunkBytes])
		h.pending = h.pending[h.chunkBytes:]
		h.emit(pcm)
	}
}

// emit must be called with h.mu held.
func (h *Handle) emit(pcm []byte) {
	select {
	case h.chunks <- Chunk{Seq: h.seq, PCM: pcm}:
		h.seq++
	default:
		h.dropped++
	}
}

func (h *Handle) end() (Clip, error) {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return Clip{}, nil
	}
	h.ended = true
	h.mu.Unlock()

	h.dev.ClearCallback()
	h.dev.Stop()
	h.dev.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	elapsed := time.Since(h.started)
	if h.mode == ModeStream {
		if len(h.pending) > 0 {
			h.emit(h.pending)
			h.pending = nil
		}
		close(h.chunks)
		if h.dropped > 0 {
			log.Warnf("capture end: dropped %d chunks", h.dropped)
		}
		log.Infof("capture end: mode=stream chunks=%d elapsed=%s", h.seq, elapsed.Round(time.Millisecond))
		return Clip{}, nil
	}

	pcm := h.pcm
	h.pcm = nil
	data, frames, err := encoder.EncodePCM(pcm)
	if err != nil {
		return Clip{}, fmt.Errorf("encoding clip: %w", err)
	}
	log.Infof("capture end: mode=batch audio=%s flac_kb=%.1f", encoder.Duration(len(pcm)).Round(time.Millisecond), float64(len(data))/1024)
	return Clip{
		Data:     data,
		Format:   "flac",
		Duration: encoder.Duration(len(pcm)),
		Samples:  frames,
	}, nil
}
