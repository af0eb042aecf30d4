package observ

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	throttleMu sync.Mutex
	throttles  = map[string]*rate.Limiter{}
)

// Configure sets the global log level and output format ("json" or "console").
func Configure(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logMu.Lock()
	logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	logMu.Unlock()
	return nil
}

// SetOutput redirects log lines, mainly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	logger = logger.Output(w)
	logMu.Unlock()
}

// Log writes one structured info line. It never panics and never blocks the caller on errors.
func Log(event string, kv map[string]any) {
	emit(zerolog.InfoLevel, event, kv)
}

// Warn writes one structured warning line.
func Warn(event string, kv map[string]any) {
	emit(zerolog.WarnLevel, event, kv)
}

// Error writes one structured error line.
func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	if err != nil {
		kv["error"] = err.Error()
	}
	emit(zerolog.ErrorLevel, event, kv)
}

// Throttled logs a warning at most once per interval for the given event name.
// Used for conditions that can repeat on every fill or every bar.
func Throttled(event string, every time.Duration, kv map[string]any) {
	throttleMu.Lock()
	lim, ok := throttles[event]
	if !ok {
		lim = rate.NewLimiter(rate.Every(every), 1)
		throttles[event] = lim
	}
	throttleMu.Unlock()

	if !lim.Allow() {
		IncCounter("log_suppressed_total", map[string]string{"event": event})
		return
	}
	emit(zerolog.WarnLevel, event, kv)
}

func emit(level zerolog.Level, event string, kv map[string]any) {
	defer func() {
		// telemetry must not take down the decision path
		_ = recover()
	}()

	logMu.RLock()
	l := logger
	logMu.RUnlock()

	e := l.WithLevel(level)
	if e == nil {
		return
	}
	e.Str("event", event).Fields(kv).Send()
}
