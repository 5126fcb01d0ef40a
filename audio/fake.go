package audio

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	fakeFrameSamples = 1024
	fakeFrameBytes   = fakeFrameSamples * 2
)

// FakeContext replays a fixed PCM recording on every capture. It backs the
// headless mode and the package tests.
type FakeContext struct {
	pcm      []byte
	interval time.Duration

	mu       sync.Mutex
	openErr  error
	startErr error

	opened atomic.Int32
	open   atomic.Int32
}

// NewFakeContext replays pcm frame by frame, waiting interval between frames.
// A zero interval delivers everything as fast as possible.
func NewFakeContext(pcm []byte, interval time.Duration) *FakeContext {
	return &FakeContext{pcm: pcm, interval: interval}
}

// NewFakeContextFromWAV loads a 16 kHz mono WAV file and plays it in real time.
func NewFakeContextFromWAV(path string) (*FakeContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	interval := time.Duration(fakeFrameSamples) * time.Second / 16000
	return NewFakeContext(data, interval), nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

// FailOpen makes subsequent NewCapture calls fail with err; nil clears it.
func (f *FakeContext) FailOpen(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// FailStart makes subsequent captures fail to start with err; nil clears it.
func (f *FakeContext) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// Opened counts captures created so far.
func (f *FakeContext) Opened() int { return int(f.opened.Load()) }

// Open counts captures that have been created but not closed.
func (f *FakeContext) Open() int { return int(f.open.Load()) }

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	openErr, startErr := f.openErr, f.startErr
	f.mu.Unlock()
	if openErr != nil {
		return nil, openErr
	}
	f.opened.Add(1)
	f.open.Add(1)
	return &FakeCapture{ctx: f, pcm: f.pcm, interval: f.interval, startErr: startErr}, nil
}

type FakeCapture struct {
	ctx      *FakeContext
	pcm      []byte
	interval time.Duration
	startErr error

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	closed   bool
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.stopCh != nil {
		return errors.New("fake capture already started")
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	go func() {
		defer close(f.feedDone)
		for pos := 0; pos < len(f.pcm); {
			select {
			case <-f.stopCh:
				return
			default:
			}
			end := min(pos+fakeFrameBytes, len(f.pcm))
			if cb := f.callback(); cb != nil {
				frame := make([]byte, end-pos)
				copy(frame, f.pcm[pos:end])
				cb(frame, uint32(len(frame)/2))
			}
			pos = end
			if f.interval > 0 {
				select {
				case <-f.stopCh:
					return
				case <-time.After(f.interval):
				}
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.ctx.open.Add(-1)
	}
}
