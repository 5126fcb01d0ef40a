package audio

import (
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"coach/encoder"
)

const (
	vadMode       = 3
	vadFrameMs    = 20
	vadFrameBytes = encoder.SampleRate * vadFrameMs / 1000 * 2 // 640 bytes
	vadDebounce   = 3                                          // consecutive speech frames to confirm voice
)

// VAD classifies chunks as voiced or not. The session uses it to reset the
// silence timer only while the user is actually speaking.
type VAD struct {
	vad *webrtcvad.VAD

	mu        sync.Mutex
	buf       []byte
	speechRun int
	total     int
	speech    int
}

func NewVAD() (*VAD, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}
	if err := v.SetMode(vadMode); err != nil {
		return nil, err
	}
	return &VAD{vad: v}, nil
}

// Voiced feeds pcm and reports whether it contained a run of speech frames.
// Leftover bytes carry over to the next call.
func (v *VAD) Voiced(pcm []byte) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	voiced := false
	v.buf = append(v.buf, pcm...)
	for len(v.buf) >= vadFrameBytes {
		frame := v.buf[:vadFrameBytes]
		v.buf = v.buf[vadFrameBytes:]

		active, err := v.vad.Process(encoder.SampleRate, frame)
		if err != nil {
			continue
		}
		v.total++
		if !active {
			v.speechRun = 0
			continue
		}
		v.speech++
		v.speechRun++
		if v.speechRun >= vadDebounce {
			voiced = true
		}
	}
	return voiced
}

// Stats returns processed and speech frame counts since the last Reset.
func (v *VAD) Stats() (total, speech int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total, v.speech
}

func (v *VAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.buf = v.buf[:0]
	v.speechRun = 0
	v.total, v.speech = 0, 0
}
