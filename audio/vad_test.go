package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func genTone(freq float64, durationMs int) []byte {
	n := 16000 * durationMs / 1000
	buf := make([]byte, n*2)
	for i := range n {
		sample := int16(16000 * math.Sin(2*math.Pi*freq*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func genSilence(durationMs int) []byte {
	return make([]byte, 16000*durationMs/1000*2)
}

func TestVADSilence(t *testing.T) {
	v, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	if v.Voiced(genSilence(300)) {
		t.Error("silence classified as voiced")
	}
	total, speech := v.Stats()
	if total != 15 {
		t.Errorf("total frames = %d, want 15", total)
	}
	if speech != 0 {
		t.Errorf("speech frames = %d, want 0", speech)
	}
}

func TestVADOddChunkSizes(t *testing.T) {
	v, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	data := genSilence(100)
	for i := 0; i < len(data); i += 333 {
		v.Voiced(data[i:min(i+333, len(data))])
	}
	if total, _ := v.Stats(); total != 5 {
		t.Errorf("total frames = %d, want 5", total)
	}
}

func TestVADTone(t *testing.T) {
	v, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	if !v.Voiced(genTone(440, 300)) {
		t.Skip("pure tone not classified as speech")
	}
}

func TestVADReset(t *testing.T) {
	v, err := NewVAD()
	if err != nil {
		t.Fatal(err)
	}
	v.Voiced(genSilence(50))
	v.Reset()
	if total, speech := v.Stats(); total != 0 || speech != 0 {
		t.Errorf("after Reset stats = %d/%d", total, speech)
	}
}
