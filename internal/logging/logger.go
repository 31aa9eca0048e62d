package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(input string) Level {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Fields are the structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// sink is shared between a logger and every child derived with With, so a
// level change on the root applies to the whole tree.
type sink struct {
	mu    sync.Mutex
	level atomic.Int32
	out   *log.Logger
}

// Logger writes one JSON object per line.
type Logger struct {
	sink *sink
	base Fields
}

func New(level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	s := &sink{out: log.New(output, "", 0)}
	s.level.Store(int32(level))
	return &Logger{sink: s, base: Fields{}}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(LevelError+1, io.Discard)
}

// Open resolves an output name from configuration: "", "stdout", "stderr" or
// a file path opened for append.
func Open(level Level, output string) (*Logger, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return New(level, os.Stdout), io.NopCloser(nil), nil
	case "stderr":
		return New(level, os.Stderr), io.NopCloser(nil), nil
	}
	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return New(level, file), file, nil
}

func (l *Logger) With(fields Fields) *Logger {
	child := &Logger{
		sink: l.sink,
		base: make(Fields, len(l.base)+len(fields)),
	}
	for k, v := range l.base {
		child.base[k] = v
	}
	for k, v := range fields {
		child.base[k] = v
	}
	return child
}

func (l *Logger) Enabled(level Level) bool {
	return level >= Level(l.sink.level.Load())
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if !l.Enabled(level) {
		return
	}
	payload := make(Fields, len(l.base)+len(fields)+3)
	for k, v := range l.base {
		payload[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		payload[k] = v
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["message"] = msg
	data, err := json.Marshal(payload)
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if err != nil {
		l.sink.out.Printf("{\"level\":\"error\",\"message\":\"log marshal failed\",\"error\":%q}", err.Error())
		return
	}
	l.sink.out.Println(string(data))
}

func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log(LevelError, msg, fields) }

func (l *Logger) SetLevel(level Level) {
	l.sink.level.Store(int32(level))
}

func (l *Logger) Level() Level {
	return Level(l.sink.level.Load())
}
