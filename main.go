package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"coach/audio"
	"coach/beep"
	"coach/config"
	"coach/conversation"
	"coach/doctor"
	"coach/events"
	"coach/llm"
	"coach/log"
	"coach/metrics"
	"coach/room"
	"coach/session"
	"coach/shutdown"
	"coach/transcriber"
)

var version = "dev"

const (
	tokenTTL      = 5 * time.Minute
	defaultOption = "Mock Interview"
)

type options struct {
	roomID string
	topic  string
	option string
	expert string

	stt    string
	lang   string
	setup  bool
	device string
	vad    bool

	doctor      bool
	logPath     string
	logStderr   bool
	metricsAddr string
	profile     string
	test        bool
	version     bool
	crash       bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "rooms" {
		os.Exit(runRooms(os.Args[2:], os.Stdout))
	}
	os.Exit(run())
}

func parseFlags(cfg *config.Config) *options {
	o := &options{}
	flag.StringVar(&o.roomID, "room", "", "Discussion room id to load topic, option and expert from")
	flag.StringVar(&o.topic, "topic", "", "Interview topic (overrides the room)")
	flag.StringVar(&o.option, "option", "", "Coaching option, e.g. \"Mock Interview\" (overrides the room)")
	flag.StringVar(&o.expert, "expert", "", "Expert persona name (overrides the room)")
	flag.StringVar(&o.stt, "stt", cfg.STTMode, "Transcription mode: stream or batch")
	flag.StringVar(&o.lang, "lang", cfg.Language, "Language code for transcription (e.g., en, es, fr)")
	flag.BoolVar(&o.setup, "setup", false, "Select microphone device (otherwise uses system default)")
	flag.StringVar(&o.device, "device", "", "Use named microphone device")
	flag.BoolVar(&o.vad, "vad", false, "Only voiced audio resets the silence timer")
	flag.BoolVar(&o.doctor, "doctor", false, "Run system diagnostics and exit")
	flag.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	flag.BoolVar(&o.logStderr, "logstderr", false, "Write diagnostics to stderr instead of the log file")
	flag.StringVar(&o.metricsAddr, "metrics", cfg.MetricsAddr, "Serve Prometheus metrics on this address (e.g., :9090)")
	flag.StringVar(&o.profile, "profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	flag.BoolVar(&o.test, "test", false, "Headless mode: replay a WAV file as the microphone, driven by stdin")
	flag.BoolVar(&o.version, "version", false, "Print version and exit")
	flag.BoolVar(&o.crash, "crash", false, "Trigger synthetic panic for testing crash logging")
	flag.Parse()
	return o
}

func run() int {
	cfg := config.Load()
	o := parseFlags(cfg)
	cfg.STTMode = o.stt
	cfg.Language = o.lang
	cfg.MetricsAddr = o.metricsAddr

	if o.version {
		fmt.Printf("coach %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(o.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if o.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", o.profile)
			if err := http.ListenAndServe(o.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if o.crash {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if o.logStderr {
		log.InitWriter(os.Stderr, cfg.LogLevel)
	} else if err := log.Init(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	stt, err := newTranscriber(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	completer := llm.New(llm.Config{
		APIKey:  cfg.LLMKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		AppName: "coach",
	})

	rooms, closeRooms, err := openRooms(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeRooms()

	if o.test {
		beep.Disable()
	} else {
		beep.Init()
	}

	var actx audio.Context
	if o.test {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: coach -test <wav-file>")
			return 1
		}
		fake, err := audio.NewFakeContextFromWAV(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
			return 1
		}
		actx = fake
	} else {
		actx, err = audio.NewContext()
		if err != nil {
			log.Errorf("audio context init error: %v", err)
			fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
			return 1
		}
	}
	defer actx.Close()

	device := pickDevice(actx, o)

	if o.doctor {
		return doctor.Run(context.Background(), doctor.Options{
			Audio:       actx,
			Device:      device,
			Transcriber: stt,
			LLM:         completer,
			Model:       cfg.LLMModel,
			Rooms:       rooms,
			RoomID:      o.roomID,
			Interactive: !o.test,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	info, err := resolveRoom(context.Background(), rooms, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	option, ok := conversation.FindOption(info.CoachingOption)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown coaching option %q\n", info.CoachingOption)
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv, err := metrics.Serve(cfg.MetricsAddr, reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: metrics server: %v\n", err)
		} else {
			defer shutdownServer(srv)
		}
	}

	pub := events.New(events.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		Enabled: cfg.KafkaEnabled,
	}, m)
	defer pub.Close()

	engine := conversation.NewEngine(completer, option, info.Topic)
	engine.MaxTurns = cfg.MaxTurns
	engine.OnFallback = recordFallback(m)
	fb := conversation.NewFeedback(completer)
	fb.Model = cfg.FeedbackModel
	fb.OnFallback = engine.OnFallback

	var vad *audio.VAD
	if o.vad {
		if vad, err = audio.NewVAD(); err != nil {
			log.Warnf("vad disabled: %v", err)
			vad = nil
		}
	}

	ui := newUI(o.test, info, cfg.STTMode, deviceName(device))
	ctrl := session.New(session.Config{
		RoomID:         info.ID,
		Topic:          info.Topic,
		Option:         option,
		Expert:         info.ExpertName,
		SilenceTimeout: cfg.SilenceTimeout,
		MaxDuration:    cfg.MaxCapture,
		GreetingDelay:  cfg.GreetingDelay,
		CooldownDelay:  cfg.Cooldown,
		VAD:            vad,
	}, session.Deps{
		Capture:     audio.NewCapture(actx, device, cfg.ChunkDuration),
		Transcriber: stt,
		Engine:      engine,
		Feedback:    fb,
		Listener:    session.Listeners{cueListener{}, ui.listener()},
		Metrics:     m,
		Events:      pub,
	})

	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)
	go func() {
		<-sig
		ctrl.Stop()
		ui.quit()
	}()

	return ui.run(ctrl)
}

// initCrashLog sends fatal runtime output to crash_log.txt next to the diagnostics log.
func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func newTranscriber(cfg *config.Config) (transcriber.Client, error) {
	var tokens transcriber.TokenSource
	switch {
	case cfg.TokenURL != "":
		tokens = transcriber.NewHTTPTokenSource(cfg.TokenURL, tokenTTL)
	case cfg.STTKey() != "":
		tokens = transcriber.StaticToken(cfg.STTKey())
	}
	return transcriber.New(transcriber.Config{
		Mode:      transcriber.Mode(cfg.STTMode),
		Language:  cfg.Language,
		StreamURL: cfg.DeepgramURL,
		Model:     cfg.DeepgramModel,
		BatchURL:  cfg.AssemblyAIURL,
		Poll: transcriber.PollPolicy{
			Interval:    cfg.PollInterval,
			MaxAttempts: cfg.PollAttempts,
			Backoff:     cfg.PollBackoff,
			MaxInterval: cfg.PollMaxBackoff,
		},
	}, tokens)
}

// openRooms returns the SQLite store when COACH_DB is set and an empty
// in-memory store otherwise.
func openRooms(cfg *config.Config) (room.Store, func(), error) {
	if cfg.DBPath == "" {
		return room.NewStatic(), func() {}, nil
	}
	s, err := room.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

// resolveRoom loads the room named by -room and lets -topic, -option and
// -expert override its fields. A missing room is not fatal when the flags
// say enough to run.
func resolveRoom(ctx context.Context, rooms room.Store, o *options) (room.Info, error) {
	info := room.Info{ID: o.roomID}
	if o.roomID != "" {
		found, err := rooms.Lookup(ctx, o.roomID)
		switch {
		case err == nil:
			info = found
		case errors.Is(err, room.ErrNotFound):
			log.Warnf("room %s not found", o.roomID)
		default:
			return room.Info{}, fmt.Errorf("loading room %s: %w", o.roomID, err)
		}
	}
	if o.topic != "" {
		info.Topic = o.topic
	}
	if o.option != "" {
		info.CoachingOption = o.option
	}
	if o.expert != "" {
		info.ExpertName = o.expert
	}
	if info.CoachingOption == "" {
		info.CoachingOption = defaultOption
	}
	if info.Topic == "" {
		return room.Info{}, errors.New("no topic: pass -topic or a -room that has one")
	}
	info.ExpertName = conversation.ResolveExpert(info.ExpertName)
	return info, nil
}

func pickDevice(actx audio.Context, o *options) *audio.DeviceInfo {
	switch {
	case o.device != "":
		dev, err := audio.FindDevice(actx, o.device)
		if err != nil {
			log.Warnf("device %q: %v", o.device, err)
			fmt.Fprintf(os.Stderr, "Warning: %v, using system default\n", err)
			return nil
		}
		return dev
	case o.setup:
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: device selection failed: %v\n", err)
			return nil
		}
		return dev
	}
	return nil
}

// recordFallback counts papered-over completion failures. The conversation
// package logs them itself.
func recordFallback(m *metrics.Metrics) func(op string, err error) {
	return func(op string, _ error) { m.RecordFallback(op) }
}

func deviceName(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "system default"
	}
	if audio.IsBluetooth(dev.Name) {
		return dev.Name + " (BT!)"
	}
	return dev.Name
}

func shutdownServer(srv *metrics.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
