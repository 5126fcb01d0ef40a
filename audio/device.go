package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrSelectionCancelled is returned when the user aborts the picker with Ctrl+C.
var ErrSelectionCancelled = errors.New("device selection cancelled")

// FindDevice returns the device whose name contains query, case-insensitively.
func FindDevice(ctx Context, query string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	q := strings.ToLower(query)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), q) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no microphone matching %q", query)
}

// SelectDevice shows an arrow-key picker on the terminal. With a single
// device it returns immediately.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, errors.New("no microphones found")
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	idx, err := pickDevice(os.Stdin, os.Stdout, devices)
	if err != nil {
		return nil, err
	}
	return &devices[idx], nil
}

func renderDevices(w io.Writer, devices []DeviceInfo, cursor int) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select microphone (↑/↓ or j/k, Enter to confirm):\r\n\r\n")
	for i, d := range devices {
		tag := ""
		if IsBluetooth(d.Name) {
			tag = " \x1b[33m[headset: lower quality]\x1b[0m"
		}
		if i == cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, tag)
		}
	}
}

func pickDevice(r io.Reader, w io.Writer, devices []DeviceInfo) (int, error) {
	cursor := 0
	renderDevices(w, devices, cursor)

	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("reading input: %w", err)
		}
		switch {
		case n == 1 && buf[0] == '\r':
			fmt.Fprint(w, "\r\n")
			return cursor, nil
		case n == 1 && buf[0] == 3:
			fmt.Fprint(w, "\r\n")
			return 0, ErrSelectionCancelled
		case n == 1 && buf[0] == 'j', n == 3 && buf[0] == 0x1b && buf[2] == 'B':
			cursor = min(cursor+1, len(devices)-1)
		case n == 1 && buf[0] == 'k', n == 3 && buf[0] == 0x1b && buf[2] == 'A':
			cursor = max(cursor-1, 0)
		}
		fmt.Fprintf(w, "\x1b[%dA", len(devices)+2)
		renderDevices(w, devices, cursor)
	}
}
