package encoder

import (
	"encoding/binary"
	"time"
)

// PCM layout shared by capture and every transcription backend.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096

	BytesPerSecond = SampleRate * Channels * BitsPerSample / 8
)

// Duration returns the playback length of n bytes of PCM16 mono audio.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / BytesPerSecond
}

// Samples converts little-endian PCM16 bytes into samples. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
