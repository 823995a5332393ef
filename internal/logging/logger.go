// Package logging provides structured logging for the zicio project
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger wraps stdlib log with level support, an output format, and an
// ordered set of context fields picked up by With* calls. Fields
// propagate to every child logger returned by With*, so a Logger handed
// to a single channel's control loop via WithChannel carries channel_id
// on every line it emits afterward, including ones added later by
// WithChunk.
type Logger struct {
	logger *log.Logger // used when format == "text"
	out    io.Writer   // used when format == "json"
	level  LogLevel
	format string // "text" or "json"
	fields []field
	mu     *sync.Mutex
}

type field struct {
	key string
	val any
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
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
		return "UNKNOWN"
	}
}

// Config holds logging configuration. Format selects "text" (the
// default, stdlib-log-style lines with key=value suffixes) or "json"
// (one object per line, for log shipping). Sync is accepted but has no
// effect: every line, in either format, is already written under the
// mutex shared by all loggers derived from one NewLogger call. NoColor is
// accepted for parity
// with terminal-facing callers but this package never emits ANSI color
// codes, so it is a no-op kept for configuration-struct compatibility.
type Config struct {
	Level   LogLevel
	Format  string
	Output  io.Writer
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		out:    output,
		level:  config.Level,
		format: format,
		mu:     &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// with returns a copy of l carrying an additional context field. The
// backing mutex and stdlib *log.Logger are shared across the family of
// loggers derived from one NewLogger call, so lines from a base logger
// fanned out per channel or per chunk still serialize against each
// other.
func (l *Logger) with(key string, val any) *Logger {
	next := *l
	next.fields = append(append([]field(nil), l.fields...), field{key, val})
	return &next
}

// WithPool tags every subsequent line with the originating pool's key
// (spec.md §2 pool_key).
func (l *Logger) WithPool(key string) *Logger { return l.with("pool_key", key) }

// WithChannel tags lines with the channel id driving a firehose control
// loop (spec.md §3 channel_id).
func (l *Logger) WithChannel(channelID int32) *Logger { return l.with("channel_id", channelID) }

// WithChunk tags lines with the chunk a premap/fetch/derail decision was
// made about (spec.md §4 chunk_id).
func (l *Logger) WithChunk(chunkID uint32) *Logger { return l.with("chunk_id", chunkID) }

// WithMonotonicID tags lines with the monotonic chunk sequence number
// (spec.md §3 monotonic_id), distinct from chunk_id, which is the
// file-set-wide index in [0, T) and repeats every round over the file set.
func (l *Logger) WithMonotonicID(monotonicID uint64) *Logger {
	return l.with("monotonic_id", monotonicID)
}

// WithError tags lines with an error's message. A nil err returns l
// unchanged so callers can write logger.WithError(err).Error(msg)
// without a guard.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := append(append([]field(nil), l.fields...), argsToFields(args)...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.writeJSON(level, msg, all)
		return
	}
	l.logger.Printf("%s %s%s", prefix, msg, formatFields(all))
}

func (l *Logger) writeJSON(level LogLevel, msg string, fields []field) {
	obj := make(map[string]any, len(fields)+3)
	obj["time"] = time.Now().Format(time.RFC3339Nano)
	obj["level"] = level.String()
	obj["msg"] = msg
	for _, f := range fields {
		obj[f.key] = f.val
	}
	enc, err := json.Marshal(obj)
	if err != nil {
		fmt.Fprintf(l.out, "{\"level\":\"ERROR\",\"msg\":\"logging: marshal: %v\"}\n", err)
		return
	}
	l.out.Write(append(enc, '\n'))
}

// argsToFields converts a Debug/Info/Warn/Error-style variadic key-value
// tail into fields, the structured counterpart of formatArgs: it keeps
// the pairs as typed values instead of flattening them into a string up
// front, so json mode can marshal them directly.
func argsToFields(args []any) []field {
	if len(args) == 0 {
		return nil
	}
	fields := make([]field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields = append(fields, field{key: fmt.Sprintf("%v", args[i]), val: args[i+1]})
	}
	return fields
}

func formatFields(fields []field) string {
	if len(fields) == 0 {
		return ""
	}
	var result string
	for _, f := range fields {
		if result != "" {
			result += " "
		}
		result += fmt.Sprintf("%s=%v", f.key, f.val)
	}
	return " " + result
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility with interfaces.Logger
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
