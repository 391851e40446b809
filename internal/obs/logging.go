package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level is the verbosity tier of the proxy log. Each event is tagged with the
// tier it belongs to and is emitted only when the configured tier includes it.
type Level string

const (
	LevelMinimal Level = "minimal"
	LevelNormal  Level = "normal"
	LevelVerbose Level = "verbose"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

func ParseLevel(value string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(value))) {
	case LevelMinimal:
		return LevelMinimal, nil
	case LevelNormal, "":
		return LevelNormal, nil
	case LevelVerbose:
		return LevelVerbose, nil
	}
	return "", fmt.Errorf("unknown log level %q (want minimal, normal or verbose)", value)
}

func (l Level) rank() int32 {
	switch l {
	case LevelMinimal:
		return 0
	case LevelVerbose:
		return 2
	default:
		return 1
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelMinimal:
		return zerolog.InfoLevel
	case LevelVerbose:
		return zerolog.TraceLevel
	default:
		return zerolog.DebugLevel
	}
}

func levelFromRank(rank int32) Level {
	switch rank {
	case 0:
		return LevelMinimal
	case 2:
		return LevelVerbose
	default:
		return LevelNormal
	}
}

// Logger emits structured events {level, kind, fields}. The tier threshold is
// shared between loggers derived with With so a runtime change applies to all.
type Logger struct {
	zl        zerolog.Logger
	threshold *atomic.Int32
}

func NewLogger(w io.Writer, format string, level Level) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := w
	if format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	threshold := &atomic.Int32{}
	threshold.Store(level.rank())
	return &Logger{
		zl:        zerolog.New(out).With().Timestamp().Logger(),
		threshold: threshold,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	threshold := &atomic.Int32{}
	return &Logger{zl: zerolog.Nop(), threshold: threshold}
}

func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.threshold.Store(level.rank())
}

func (l *Logger) Level() Level {
	if l == nil {
		return LevelMinimal
	}
	return levelFromRank(l.threshold.Load())
}

func (l *Logger) Enabled(tier Level) bool {
	if l == nil {
		return false
	}
	return tier.rank() <= l.threshold.Load()
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zl: l.zl.With().Str(key, value).Logger(), threshold: l.threshold}
}

// Event starts an event of the given tier. The returned event is nil (and every
// zerolog method on it a no-op) when the tier is filtered out.
func (l *Logger) Event(tier Level, kind string) *zerolog.Event {
	if !l.Enabled(tier) {
		return nil
	}
	return l.zl.WithLevel(tier.zerologLevel()).Str("kind", kind)
}

func (l *Logger) Warn(kind string) *zerolog.Event {
	if l == nil {
		return nil
	}
	return l.zl.Warn().Str("kind", kind)
}

// Error always emits regardless of the tier threshold.
func (l *Logger) Error(kind string, err error) *zerolog.Event {
	if l == nil {
		return nil
	}
	return l.zl.Error().Str("kind", kind).Err(err)
}

// HeaderDict renders headers for logging with credentials redacted.
func HeaderDict(header http.Header) *zerolog.Event {
	dict := zerolog.Dict()
	keys := make([]string, 0, len(header))
	for key := range header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		dict.Str(key, RedactHeaderValue(key, strings.Join(header.Values(key), ", ")))
	}
	return dict
}

// WithBody attaches a payload to the event, inline as JSON when it parses.
func WithBody(event *zerolog.Event, key string, body []byte) *zerolog.Event {
	if event == nil {
		return nil
	}
	if len(body) > 0 && json.Valid(body) {
		return event.RawJSON(key, body)
	}
	return event.Str(key, string(body))
}

func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if strings.EqualFold(name, "x-goog-api-key") {
		if len(value) > 5 {
			return value[:5] + "..."
		}
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
