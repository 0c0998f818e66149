// Package logging provides the engine's structured JSON logger. Components
// log through the package-level helpers; the shared instance is created on
// first use and writes one JSON object per line.
package logging

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "github.com/halcyonlabs/sphere/backend/internal/errors"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name used in log output.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name (any case) to a Level. Unknown or empty names
// fall back to info.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes structured JSON entries at or above its minimum level.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// New creates a logger writing to out.
func New(out io.Writer, level Level) *Logger {
	return &Logger{out: out, level: level}
}

var (
	global *Logger
	once   sync.Once
)

// Init sets the shared logger. Only the first call takes effect.
func Init(out io.Writer, level Level) {
	once.Do(func() {
		global = New(out, level)
	})
}

// Get returns the shared logger, creating a stdout logger on first use with
// the level taken from SPHERE_LOG_LEVEL.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, ParseLevel(os.Getenv("SPHERE_LOG_LEVEL")))
	}
	return global
}

// entry is the wire shape of one log line. Code carries the engine error
// code when the logged error is an AppError, so failures can be grepped by
// taxonomy rather than message text.
type entry struct {
	Time    string                 `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// emit builds and writes one entry.
func (l *Logger) emit(level Level, message string, err error, context map[string]interface{}) {
	if level < l.level {
		return
	}

	e := entry{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Level:   level.String(),
		Message: message,
		Context: context,
	}
	if err != nil {
		e.Error = err.Error()
		var appErr *apperrors.AppError
		if stderrors.As(err, &appErr) {
			e.Code = string(appErr.Code)
		}
	}

	data, marshalErr := json.Marshal(e)
	if marshalErr != nil {
		// Context carried something unserializable; keep the line, drop the
		// context.
		data, _ = json.Marshal(entry{Time: e.Time, Level: e.Level, Message: e.Message, Error: e.Error, Code: e.Code})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))
}

// mergeContext flattens the variadic context maps; later maps win on key
// collisions.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	switch len(context) {
	case 0:
		return nil
	case 1:
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.emit(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.emit(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.emit(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error with its cause.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.emit(LevelError, message, err, mergeContext(context...))
}

// Package-level helpers over the shared logger.

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
