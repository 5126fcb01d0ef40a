package audio

import (
	"errors"
	"testing"
	"time"

	"coach/encoder"
)

func pcmOf(d time.Duration) []byte {
	n := int(d * encoder.BytesPerSecond / time.Second)
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = byte(i % 7)
	}
	return pcm
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("chunk channel never closed")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCaptureStreamChunksInOrder(t *testing.T) {
	// 1.1s of audio at 250ms chunks: 4 full chunks plus a 100ms tail.
	pcm := pcmOf(1100 * time.Millisecond)
	fc := NewFakeContext(pcm, 0)
	c := NewCapture(fc, nil, 250*time.Millisecond)

	h, err := c.Begin(ModeStream)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	var got []Chunk
	full := encoder.BytesPerSecond / 4
	for len(got) < 4 {
		select {
		case ch := <-h.Chunks():
			got = append(got, ch)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d chunks, want 4", len(got))
		}
	}
	// Let the fake finish delivering the tail before ending.
	time.Sleep(20 * time.Millisecond)

	clip, err := c.End(h)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !clip.Empty() {
		t.Error("stream capture should not produce a clip")
	}
	got = append(got, collect(t, h.Chunks())...)

	if len(got) != 5 {
		t.Fatalf("got %d chunks, want 5", len(got))
	}
	total := 0
	for i, ch := range got {
		if ch.Seq != i {
			t.Errorf("chunk %d has Seq %d", i, ch.Seq)
		}
		if i < 4 && len(ch.PCM) != full {
			t.Errorf("chunk %d len = %d, want %d", i, len(ch.PCM), full)
		}
		total += len(ch.PCM)
	}
	if total != len(pcm) {
		t.Errorf("total bytes = %d, want %d", total, len(pcm))
	}
}

func TestCaptureBatchReturnsClip(t *testing.T) {
	pcm := pcmOf(500 * time.Millisecond)
	fc := NewFakeContext(pcm, 0)
	c := NewCapture(fc, nil, 0)

	h, err := c.Begin(ModeBatch)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if h.Chunks() != nil {
		t.Error("batch handle should not expose chunks")
	}
	time.Sleep(20 * time.Millisecond)

	clip, err := c.End(h)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if clip.Format != "flac" {
		t.Errorf("Format = %q, want flac", clip.Format)
	}
	if clip.Samples != uint64(len(pcm)/2) {
		t.Errorf("Samples = %d, want %d", clip.Samples, len(pcm)/2)
	}
	if clip.Duration != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", clip.Duration)
	}
	if string(clip.Data[:4]) != "fLaC" {
		t.Error("clip is not FLAC")
	}
}

func TestCaptureExclusive(t *testing.T) {
	fc := NewFakeContext(nil, 0)
	c := NewCapture(fc, nil, 0)

	h, err := c.Begin(ModeStream)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := c.Begin(ModeStream); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("second Begin err = %v, want ErrDeviceUnavailable", err)
	}
	if _, err := c.End(h); err != nil {
		t.Fatalf("End: %v", err)
	}
	h2, err := c.Begin(ModeBatch)
	if err != nil {
		t.Fatalf("Begin after End: %v", err)
	}
	c.End(h2)
}

func TestCaptureEndIdempotentReleasesDevice(t *testing.T) {
	fc := NewFakeContext(pcmOf(100*time.Millisecond), 0)
	c := NewCapture(fc, nil, 0)

	h, err := c.Begin(ModeStream)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if fc.Open() != 1 {
		t.Fatalf("open = %d, want 1", fc.Open())
	}
	c.End(h)
	c.End(h)
	if fc.Open() != 0 {
		t.Errorf("open = %d after End, want 0", fc.Open())
	}
	if c.Active() {
		t.Error("capture still active after End")
	}
}

func TestCaptureOpenFailure(t *testing.T) {
	fc := NewFakeContext(nil, 0)
	fc.FailOpen(errors.New("no such device"))
	c := NewCapture(fc, nil, 0)

	if _, err := c.Begin(ModeStream); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if c.Active() {
		t.Error("failed Begin left capture active")
	}
}

func TestCaptureStartFailureReleases(t *testing.T) {
	fc := NewFakeContext(nil, 0)
	fc.FailStart(errors.New("permission denied"))
	c := NewCapture(fc, nil, 0)

	if _, err := c.Begin(ModeBatch); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if fc.Open() != 0 {
		t.Errorf("open = %d, want 0", fc.Open())
	}

	fc.FailStart(nil)
	h, err := c.Begin(ModeBatch)
	if err != nil {
		t.Fatalf("Begin after clearing failure: %v", err)
	}
	c.End(h)
}

func TestCaptureRealtimeFeed(t *testing.T) {
	fc := NewFakeContext(pcmOf(time.Second), 5*time.Millisecond)
	c := NewCapture(fc, nil, 100*time.Millisecond)

	h, err := c.Begin(ModeStream)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	first := <-h.Chunks()
	if first.Seq != 0 {
		t.Errorf("first Seq = %d", first.Seq)
	}
	c.End(h)
	waitFor(t, func() bool { return fc.Open() == 0 })
}
