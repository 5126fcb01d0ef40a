// Package beep plays short audio cues around the capture window so the user
// knows when the coach is listening.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

type Cue int

const (
	// Listening marks the start of a capture window.
	Listening Cue = iota
	// Captured marks the end of a capture window.
	Captured
	// Failed is a low double beep for problems the user must act on.
	Failed
	// Finished closes the session.
	Finished
)

const sampleRate = 44100

type tone struct {
	freq   float64
	dur    float64
	volume float64
	decay  float64
	// repeat plays the tick again after gap seconds.
	repeat bool
	gap    float64
}

var tones = map[Cue]tone{
	Listening: {freq: 1200, dur: 0.2, volume: 0.5, decay: 60},
	Captured:  {freq: 900, dur: 0.2, volume: 0.5, decay: 40},
	Failed:    {freq: 350, dur: 0.08, volume: 0.6, decay: 30, repeat: true, gap: 0.05},
	Finished:  {freq: 660, dur: 0.12, volume: 0.4, decay: 25, repeat: true, gap: 0.08},
}

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

// Play starts c without waiting for it to finish.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	if _, ok := tones[c]; !ok {
		return
	}
	play(c)
}

var (
	rendered   = map[Cue][]int16{}
	renderOnce sync.Once
)

// mono returns the cue as mono PCM16 at sampleRate.
func mono(c Cue) []int16 {
	renderOnce.Do(func() {
		for cue, t := range tones {
			rendered[cue] = render(t)
		}
	})
	return rendered[c]
}

func render(t tone) []int16 {
	tick := make([]int16, int(sampleRate*t.dur))
	for i := range tick {
		ts := float64(i) / sampleRate
		envelope := math.Exp(-ts * t.decay)
		tick[i] = int16(math.Sin(2*math.Pi*t.freq*ts) * 32767 * t.volume * envelope)
	}
	if !t.repeat {
		return tick
	}
	out := make([]int16, 0, 2*len(tick)+int(sampleRate*t.gap))
	out = append(out, tick...)
	out = append(out, make([]int16, int(sampleRate*t.gap))...)
	return append(out, tick...)
}
