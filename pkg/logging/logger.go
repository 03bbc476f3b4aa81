// Package logging provides the structured, leveled logger used by every kvs
// component. Lines look like:
//
//	[2024-01-02 15:04:05.000] [INFO] [storage] segment rotated [segment=3] (kvstore.go:212 storage.(*KvStore).rotate)
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name such as "debug" or "WARN" to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

// sink is shared by a logger and everything derived from it so that derived
// loggers follow level changes and never interleave partial lines.
type sink struct {
	mu         sync.Mutex
	out        io.Writer
	level      atomic.Int32
	timeFormat string
}

// Logger writes leveled lines tagged with a component and key=value fields.
// Loggers are immutable; the With* methods return derived copies.
type Logger struct {
	sink      *sink
	component string
	fields    map[string]interface{}
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level      LogLevel
	Component  string
	Output     io.Writer
	TimeFormat string
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      INFO,
		Component:  "kvs",
		Output:     os.Stderr,
		TimeFormat: "2006-01-02 15:04:05.000",
	}
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) *Logger {
	defaults := DefaultLogConfig()
	if config == nil {
		config = defaults
	}

	s := &sink{out: config.Output, timeFormat: config.TimeFormat}
	if s.out == nil {
		s.out = defaults.Output
	}
	if s.timeFormat == "" {
		s.timeFormat = defaults.TimeFormat
	}
	s.level.Store(int32(config.Level))

	component := config.Component
	if component == "" {
		component = defaults.Component
	}
	return &Logger{sink: s, component: component}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewLogger(&LogConfig{Level: FATAL + 1, Output: io.Discard})
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// SetGlobalLogger replaces the logger used by the package-level functions.
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(nil)
	}
	return globalLogger
}

func (l *Logger) derive(component string, fields map[string]interface{}) *Logger {
	return &Logger{sink: l.sink, component: component, fields: fields}
}

// WithComponent creates a new logger with a specific component name
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.fields)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := copyFields(l.fields, 1)
	fields[key] = value
	return l.derive(l.component, fields)
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := copyFields(l.fields, len(fields))
	for k, v := range fields {
		merged[k] = v
	}
	return l.derive(l.component, merged)
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// SetLevel sets the logging level. It affects every logger derived from the
// same root.
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.level.Store(int32(level))
}

// Level returns the current logging level.
func (l *Logger) Level() LogLevel {
	return LogLevel(l.sink.level.Load())
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.Level()
}

func (l *Logger) Debug(message string) { l.log(DEBUG, message) }
func (l *Logger) Info(message string)  { l.log(INFO, message) }
func (l *Logger) Warn(message string)  { l.log(WARN, message) }
func (l *Logger) Error(message string) { l.log(ERROR, message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.Enabled(DEBUG) {
		l.log(DEBUG, fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string) {
	l.log(FATAL, message)
	os.Exit(1)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// log is the internal logging method. It must be called directly from one
// of the exported methods so that the caller lookup lands on user code.
func (l *Logger) log(level LogLevel, message string) {
	if !l.Enabled(level) {
		return
	}

	var caller string
	if pc, file, line, ok := runtime.Caller(2); ok {
		funcName := runtime.FuncForPC(pc).Name()
		funcName = funcName[strings.LastIndex(funcName, "/")+1:]
		file = file[strings.LastIndex(file, "/")+1:]
		caller = fmt.Sprintf("%s:%d %s", file, line, funcName)
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format(l.sink.timeFormat))
	b.WriteString("] [")
	b.WriteString(level.String())
	b.WriteString("] [")
	b.WriteString(l.component)
	b.WriteString("] ")
	b.WriteString(message)

	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, l.fields[k])
		}
		b.WriteString("]")
	}
	b.WriteString(" (")
	b.WriteString(caller)
	b.WriteString(")\n")

	l.sink.mu.Lock()
	io.WriteString(l.sink.out, b.String())
	l.sink.mu.Unlock()
}

func copyFields(fields map[string]interface{}, extra int) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+extra)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Package-level convenience functions using the global logger

func Debug(message string) { GetGlobalLogger().Debug(message) }
func Info(message string)  { GetGlobalLogger().Info(message) }
func Warn(message string)  { GetGlobalLogger().Warn(message) }
func Error(message string) { GetGlobalLogger().Error(message) }

func Debugf(format string, args ...interface{}) { GetGlobalLogger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetGlobalLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetGlobalLogger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetGlobalLogger().Errorf(format, args...) }

// WithComponent creates a logger with a component name
func WithComponent(component string) *Logger {
	return GetGlobalLogger().WithComponent(component)
}

// WithField creates a logger with an additional field
func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

// WithError creates a logger with an error field
func WithError(err error) *Logger {
	return GetGlobalLogger().WithError(err)
}

// SetGlobalLevel sets the global logger level
func SetGlobalLevel(level LogLevel) {
	GetGlobalLogger().SetLevel(level)
}

// LegacyAdapter lets the standard log package write through a Logger.
// grpc-go and net/http report their own errors that way.
type LegacyAdapter struct {
	logger *Logger
}

// NewLegacyAdapter creates an adapter for the standard log package
func NewLegacyAdapter(logger *Logger) *LegacyAdapter {
	return &LegacyAdapter{logger: logger}
}

// Write implements io.Writer for compatibility with standard log
func (a *LegacyAdapter) Write(p []byte) (n int, err error) {
	a.logger.Info(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// StdLogger returns a *log.Logger that writes through logger, for APIs such
// as http.Server.ErrorLog.
func StdLogger(logger *Logger) *log.Logger {
	return log.New(NewLegacyAdapter(logger), "", 0)
}

// SetStandardLogger replaces the standard library logger with our structured logger
func SetStandardLogger(logger *Logger) {
	log.SetOutput(NewLegacyAdapter(logger))
	log.SetFlags(0)
}
