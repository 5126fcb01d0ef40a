package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

// DiagFileName is the diagnostics log written inside the log directory.
const DiagFileName = "diagnostics_log.txt"

// Network is the request timing breakdown reported by traced HTTP calls.
type Network struct {
	Op         string
	DNS        time.Duration
	TLS        time.Duration
	TTFB       time.Duration
	Total      time.Duration
	ConnReused bool
	Status     int
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}
	// Priority 2: COACH_LOG_PATH environment variable
	if envPath := os.Getenv("COACH_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}
	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Init opens the diagnostics file in Dir. level is a zerolog level name;
// unknown names fall back to info.
func Init(level string) error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, DiagFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	diagFile = f
	setup(zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}, level)
	return nil
}

// InitWriter logs JSON lines to w instead of a file. Used by headless runs
// that want logs on stderr.
func InitWriter(w io.Writer, level string) {
	logMu.Lock()
	defer logMu.Unlock()
	setup(w, level)
}

func setup(w io.Writer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	pid = os.Getpid()
	diagLog = zerolog.New(w).Level(lvl).With().Timestamp().Int("pid", pid).Logger()
	logReady = true
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	logReady = false
}

// Session returns a logger tagged with the session id. Before Init it
// discards everything.
func Session(id string) zerolog.Logger {
	if !logReady {
		return zerolog.Nop()
	}
	return diagLog.With().Str("session", id).Logger()
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	if !logReady {
		return zerolog.Nop()
	}
	return diagLog.With().Str("component", name).Logger()
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...any) {
	if logReady {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func NetworkMetrics(m Network) {
	if !logReady {
		return
	}
	conn := "new"
	if m.ConnReused {
		conn = "reused"
	}
	diagLog.Debug().
		Str("op", m.Op).
		Str("conn", conn).
		Int("status", m.Status).
		Float64("dns_ms", ms(m.DNS)).
		Float64("tls_ms", ms(m.TLS)).
		Float64("ttfb_ms", ms(m.TTFB)).
		Float64("total_ms", ms(m.Total)).
		Msg("http")
}

func SessionStart(id, room, provider, mode string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("room", room).
		Str("provider", provider).
		Str("mode", mode).
		Msg("session_start")
}

func SessionEnd(id string, turns int, elapsed time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Int("turns", turns).
		Float64("elapsed_s", elapsed.Seconds()).
		Msg("session_end")
}

func StateChange(id, from, to string) {
	if !logReady {
		return
	}
	diagLog.Debug().
		Str("session", id).
		Str("from", from).
		Str("to", to).
		Msg("state")
}

// Transcription records one utterance outcome. Transcript text is never logged.
func Transcription(id, provider, outcome string, audio, elapsed time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("provider", provider).
		Str("outcome", outcome).
		Float64("audio_s", audio.Seconds()).
		Float64("elapsed_ms", ms(elapsed)).
		Msg("transcription")
}

func CompletionFallback(op string, err error) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Str("op", op).
		Err(err).
		Msg("completion_fallback")
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
