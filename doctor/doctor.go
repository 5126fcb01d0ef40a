package doctor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"coach/audio"
	"coach/conversation"
	"coach/llm"
	"coach/room"
	"coach/transcriber"
)

const DefaultRecord = 3 * time.Second

// Options carries the collaborators under test. Rooms is optional.
type Options struct {
	Audio       audio.Context
	Device      *audio.DeviceInfo
	Transcriber transcriber.Client
	LLM         conversation.Completer
	Model       string
	Rooms       room.Store
	RoomID      string

	Record      time.Duration
	Interactive bool
	In          io.Reader
	Out         io.Writer
}

type check struct {
	name string
	run  func(ctx context.Context, o *Options, st *state) error
}

// state is shared between checks; the transcription check reuses the
// microphone check's device.
type state struct {
	capture *audio.Capture
	in      *bufio.Reader
}

var checks = []check{
	{"Microphone", checkMic},
	{"Transcription", checkTranscription},
	{"Completion service", checkCompletion},
	{"Room store", checkRooms},
}

// Run executes the checks in order and returns an exit code (0=all pass, 1=any fail).
// A failing microphone check skips the transcription check.
func Run(ctx context.Context, o Options) int {
	if o.Record <= 0 {
		o.Record = DefaultRecord
	}
	if o.Interactive {
		resetTerminal()
		setupInterruptHandler()
	}
	out := o.Out
	fmt.Fprintln(out, "coach doctor - system diagnostics")
	fmt.Fprintln(out, "=================================")

	st := &state{in: bufio.NewReader(o.In)}
	if o.Audio != nil {
		st.capture = audio.NewCapture(o.Audio, o.Device, 0)
	}

	failed := 0
	micOK := true
	for i, c := range checks {
		fmt.Fprintf(out, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		if c.name == "Transcription" && !micOK {
			fmt.Fprintln(out, "  SKIP: microphone check failed")
			failed++
			continue
		}
		err := c.run(ctx, &o, st)
		var skip skipError
		switch {
		case errors.As(err, &skip):
			fmt.Fprintf(out, "  SKIP: %s\n", skip)
		case err != nil:
			fmt.Fprintf(out, "  FAIL: %v\n", err)
			failed++
			if c.name == "Microphone" {
				micOK = false
			}
		}
	}

	fmt.Fprintln(out)
	if failed == 0 {
		fmt.Fprintln(out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(out, "Some checks failed. See details above.")
	return 1
}

type skipError string

func (s skipError) Error() string { return string(s) }

func checkMic(_ context.Context, o *Options, st *state) error {
	if st.capture == nil {
		return errors.New("no audio backend")
	}
	devices, err := o.Audio.Devices()
	if err != nil {
		return fmt.Errorf("cannot list devices: %w", err)
	}
	if len(devices) == 0 {
		return errors.New("no capture devices found")
	}
	name := "system default"
	if o.Device != nil {
		name = o.Device.Name
	}
	fmt.Fprintf(o.Out, "  Device: %s\n", name)

	h, err := st.capture.Begin(audio.ModeBatch)
	if err != nil {
		return err
	}
	time.Sleep(min(o.Record, time.Second))
	clip, err := st.capture.End(h)
	if err != nil {
		return err
	}
	if clip.Empty() {
		return errors.New("no audio captured")
	}
	fmt.Fprintf(o.Out, "  PASS: captured %s (%.1f KB flac)\n", clip.Duration.Round(10*time.Millisecond), float64(len(clip.Data))/1024)
	return nil
}

func checkTranscription(ctx context.Context, o *Options, st *state) error {
	stt := o.Transcriber
	if stt == nil {
		return errors.New("no transcription credentials configured")
	}
	if err := stt.Open(ctx); err != nil {
		return fmt.Errorf("cannot reach %s: %w", stt.Name(), err)
	}
	defer stt.Close()

	if o.Interactive {
		fmt.Fprintf(o.Out, "Press Enter and speak for %s...", o.Record)
		st.in.ReadString('\n')
	}

	text, err := record(ctx, st.capture, stt, o.Record)
	switch {
	case errors.Is(err, transcriber.ErrNoSpeech):
		text = "(no speech detected)"
	case err != nil:
		return fmt.Errorf("%s: %w", stt.Name(), err)
	}
	fmt.Fprintf(o.Out, "\n  Transcribed text: %s\n\n", text)

	if !o.Interactive {
		fmt.Fprintf(o.Out, "  PASS: %s answered\n", stt.Name())
		return nil
	}
	fmt.Fprint(o.Out, "Is this correct? [y/n]: ")
	confirm, _ := st.in.ReadString('\n')
	confirm = strings.TrimSpace(strings.ToLower(confirm))
	if confirm != "y" && confirm != "yes" {
		return errors.New("transcription not confirmed")
	}
	fmt.Fprintln(o.Out, "  PASS: transcription verified by user")
	return nil
}

// record captures for d in the transcriber's mode and returns its text.
func record(ctx context.Context, capture *audio.Capture, stt transcriber.Client, d time.Duration) (string, error) {
	mode := audio.ModeBatch
	if stt.Streaming() {
		mode = audio.ModeStream
	}
	h, err := capture.Begin(mode)
	if err != nil {
		return "", err
	}

	forwarded := make(chan error, 1)
	if chunks := h.Chunks(); chunks != nil {
		go func() {
			var sendErr error
			for c := range chunks {
				if sendErr == nil {
					sendErr = stt.Send(ctx, c)
				}
			}
			forwarded <- sendErr
		}()
	} else {
		forwarded <- nil
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
	clip, err := capture.End(h)
	if err != nil {
		return "", err
	}
	if err := <-forwarded; err != nil {
		return "", err
	}
	res, err := stt.Finish(ctx, clip)
	return res.Text, err
}

func checkCompletion(ctx context.Context, o *Options, _ *state) error {
	if o.LLM == nil {
		return errors.New("no completion credentials configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	reply, err := o.LLM.Complete(ctx, llm.Request{
		Model:     o.Model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "Reply with the single word OK."}},
		MaxTokens: 5,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(o.Out, "  PASS: %q in %dms\n", reply, time.Since(start).Milliseconds())
	return nil
}

func checkRooms(ctx context.Context, o *Options, _ *state) error {
	if o.Rooms == nil {
		return skipError("no room database configured")
	}
	if o.RoomID == "" {
		fmt.Fprintln(o.Out, "  PASS: room store open")
		return nil
	}
	info, err := o.Rooms.Lookup(ctx, o.RoomID)
	if errors.Is(err, room.ErrNotFound) {
		fmt.Fprintf(o.Out, "  PASS: room %s not found, sessions will use the placeholder coach\n", o.RoomID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(o.Out, "  PASS: room %s: %s / %s with %s\n", info.ID, info.Topic, info.CoachingOption, conversation.ResolveExpert(info.ExpertName))
	return nil
}
