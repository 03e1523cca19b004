package log

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

var (
	mu       sync.Mutex
	logger   *stdlog.Logger
	minLevel = LevelInfo
)

// SetLevel sets the minimum level that will be written. Safe to call at any
// point; messages below the level are dropped.
func SetLevel(l Level) {
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(l *stdlog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func Debug(msg string, kv ...any) {
	write(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	write(LevelInfo, msg, kv...)
}

// Warn reports a recoverable problem, such as a single malformed event
// inside an otherwise healthy source.
func Warn(msg string, kv ...any) {
	write(LevelWarn, msg, kv...)
}

// Error reports a failure. The error is rendered as the leading err= pair.
func Error(msg string, err error, kv ...any) {
	write(LevelError, msg, append([]any{"err", err}, kv...)...)
}

func write(level Level, msg string, kv ...any) {
	mu.Lock()
	if logger == nil {
		logger = stdlog.New(os.Stderr, "", 0)
	}
	out := logger
	min := minLevel
	mu.Unlock()

	if level < min {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	appendKVs(&b, kv)

	out.Println(b.String())
}

// appendKVs renders kv as " key=value" pairs. Keys must be strings; a
// trailing odd value is ignored.
func appendKVs(b *strings.Builder, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(formatValue(kv[i+1]))
	}
}

func formatValue(v any) string {
	s := fmt.Sprint(v)
	if strings.ContainsAny(s, " \t\n") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
