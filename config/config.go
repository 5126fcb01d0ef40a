// Package config reads runtime settings from the environment, falling back
// to a .env file in the working directory. Flags in main override these.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Config struct {
	// Transcription
	STTMode        string // "stream" or "batch"
	Language       string
	DeepgramKey    string
	DeepgramURL    string
	DeepgramModel  string
	AssemblyAIKey  string
	AssemblyAIURL  string
	TokenURL       string
	PollInterval   time.Duration
	PollAttempts   int
	PollBackoff    float64
	PollMaxBackoff time.Duration

	// Completion
	LLMKey        string
	LLMBaseURL    string
	LLMModel      string
	FeedbackModel string
	MaxTurns      int

	// Turn-taking
	SilenceTimeout time.Duration
	MaxCapture     time.Duration
	GreetingDelay  time.Duration
	Cooldown       time.Duration
	ChunkDuration  time.Duration

	// Storage and telemetry
	DBPath       string
	MetricsAddr  string
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	LogLevel     string
}

// Load builds a Config from the environment.
func Load() *Config {
	return &Config{
		STTMode:        getEnv("COACH_STT_MODE", "stream"),
		Language:       getEnv("COACH_LANGUAGE", "en"),
		DeepgramKey:    getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramURL:    getEnv("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
		DeepgramModel:  getEnv("DEEPGRAM_MODEL", ""),
		AssemblyAIKey:  getEnv("ASSEMBLYAI_API_KEY", ""),
		AssemblyAIURL:  getEnv("ASSEMBLYAI_URL", "https://api.assemblyai.com/v2"),
		TokenURL:       getEnv("COACH_TOKEN_URL", ""),
		PollInterval:   getDuration("COACH_POLL_INTERVAL", time.Second),
		PollAttempts:   getInt("COACH_POLL_ATTEMPTS", 30),
		PollBackoff:    getFloat("COACH_POLL_BACKOFF", 1),
		PollMaxBackoff: getDuration("COACH_POLL_MAX_INTERVAL", 5*time.Second),

		LLMKey:        getEnv("OPENROUTER_API_KEY", ""),
		LLMBaseURL:    getEnv("COACH_LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMModel:      getEnv("COACH_LLM_MODEL", "mistralai/mixtral-8x7b-instruct"),
		FeedbackModel: getEnv("COACH_FEEDBACK_MODEL", "google/gemini-2.5-pro-exp-03-25:free"),
		MaxTurns:      getInt("COACH_MAX_TURNS", 20),

		SilenceTimeout: getDuration("COACH_SILENCE_TIMEOUT", 3*time.Second),
		MaxCapture:     getDuration("COACH_MAX_CAPTURE", 30*time.Second),
		GreetingDelay:  getDuration("COACH_GREETING_DELAY", 1500*time.Millisecond),
		Cooldown:       getDuration("COACH_COOLDOWN", time.Second),
		ChunkDuration:  getDuration("COACH_CHUNK", 250*time.Millisecond),

		DBPath:       getEnv("COACH_DB", ""),
		MetricsAddr:  getEnv("COACH_METRICS_ADDR", ""),
		KafkaEnabled: getBool("KAFKA_ENABLED", false),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "coach.session.events"),
		LogLevel:     getEnv("COACH_LOG_LEVEL", "info"),
	}
}

// STTKey returns the API key for the selected transcription mode.
func (c *Config) STTKey() string {
	if c.STTMode == "batch" {
		return c.AssemblyAIKey
	}
	return c.DeepgramKey
}

func getEnv(key, def string) string {
	v := ""
	if val, ok := lookupEnv(key); ok {
		v = val
	} else {
		loadDotEnvOnce.Do(loadDotEnv)
		if val, ok := dotEnv[key]; ok {
			v = val
		}
	}
	if v == "" {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	// bare numbers are milliseconds
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getInt(key string, def int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil && n > 0 {
		return n
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil && f > 0 {
		return f
	}
	return def
}

func getBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// lookupEnv is swapped out in tests.
var lookupEnv = os.LookupEnv

var (
	dotEnv         map[string]string
	loadDotEnvOnce sync.Once
)

func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(cwd, ".env"))
	if err != nil {
		return
	}
	dotEnv = parseDotEnv(string(data))
}

// parseDotEnv reads KEY=VALUE lines. Blank lines and # comments are
// skipped, an optional "export " prefix is dropped, and matching quotes
// around the value are removed.
func parseDotEnv(data string) map[string]string {
	m := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:idx])
		v := strings.TrimSpace(line[idx+1:])
		if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
		m[k] = v
	}
	return m
}
