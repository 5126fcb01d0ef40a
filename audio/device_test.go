package audio

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestPickDevice(t *testing.T) {
	devices := []DeviceInfo{{ID: "a", Name: "Built-in"}, {ID: "b", Name: "AirPods Pro"}, {ID: "c", Name: "USB Mic"}}

	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"enter", "\r", 0},
		{"down twice", "jj\r", 2},
		{"clamped", "jjjj\r", 2},
		{"arrows", "\x1b[B\x1b[B\x1b[A\r", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got, err := pickDevice(&oneByOne{s: tt.input}, &out, devices)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
			if !strings.Contains(out.String(), "headset") {
				t.Error("bluetooth device not tagged")
			}
		})
	}
}

func TestPickDeviceCancel(t *testing.T) {
	_, err := pickDevice(&oneByOne{s: "\x03"}, &bytes.Buffer{}, []DeviceInfo{{Name: "a"}, {Name: "b"}})
	if !errors.Is(err, ErrSelectionCancelled) {
		t.Errorf("err = %v, want ErrSelectionCancelled", err)
	}
}

func TestFindDevice(t *testing.T) {
	fc := NewFakeContext(nil, 0)
	d, err := FindDevice(fc, "FAK")
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "fake" {
		t.Errorf("ID = %q", d.ID)
	}
	if _, err := FindDevice(fc, "nope"); err == nil {
		t.Error("expected error for unknown device")
	}
}

func TestIsBluetooth(t *testing.T) {
	for name, want := range map[string]bool{
		"AirPods Pro":         true,
		"Jabra Evolve2 (BT)":  true,
		"Built-in Microphone": false,
	} {
		if got := IsBluetooth(name); got != want {
			t.Errorf("IsBluetooth(%q) = %v, want %v", name, got, want)
		}
	}
}

// oneByOne yields escape sequences whole and everything else a byte at a time,
// the way a raw-mode terminal delivers key presses.
type oneByOne struct {
	s string
}

func (r *oneByOne) Read(p []byte) (int, error) {
	if r.s == "" {
		return 0, errors.New("eof")
	}
	n := 1
	if r.s[0] == 0x1b && len(r.s) >= 3 {
		n = 3
	}
	n = copy(p, r.s[:n])
	r.s = r.s[n:]
	return n, nil
}
