package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	baseMu     sync.RWMutex
	baseLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	baseLevel  = Info
)

// ConfigureLogging sets the process-wide output format and default level used by
// every Logger created afterwards. format is "json" or "console".
func ConfigureLogging(level, format string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	baseLogger = zerolog.New(out).With().Timestamp().Logger()
	baseLevel = lvl
	baseMu.Unlock()
	return nil
}

// SetOutput redirects every Logger created afterwards to w as JSON lines.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	baseLogger = zerolog.New(w).With().Timestamp().Logger()
	baseMu.Unlock()
}

// ParseLogLevel maps a textual level to a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug, nil
	case "", "info":
		return Info, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	case "critical", "fatal":
		return Critical, nil
	default:
		return NotSet, fmt.Errorf("unknown log level %q", level)
	}
}

// Logger provides structured logging with a component prefix
type Logger struct {
	prefix string
	zl     zerolog.Logger

	logLevel      LogLevel
	logLevelMutex sync.RWMutex
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	baseMu.RLock()
	zl := baseLogger.With().Str("component", prefix).Logger()
	lvl := baseLevel
	baseMu.RUnlock()

	if len(logLevel) > 0 {
		lvl = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		zl:       zl,
		logLevel: lvl,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

// Prefix returns the component name the logger was created with.
func (l *Logger) Prefix() string {
	return l.prefix
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(Info, l.zl.Info(), msg, keyvals)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(Error, l.zl.Error(), msg, keyvals)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(Warning, l.zl.Warn(), msg, keyvals)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(Debug, l.zl.Debug(), msg, keyvals)
}

func (l *Logger) enabled(level LogLevel) bool {
	l.logLevelMutex.RLock()
	defer l.logLevelMutex.RUnlock()
	return level >= l.logLevel
}

// log attaches key-value pairs to the event. A trailing key without a value is
// recorded under "extra".
func (l *Logger) log(level LogLevel, ev *zerolog.Event, msg string, keyvals []interface{}) {
	if !l.enabled(level) {
		ev.Discard()
		return
	}
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 >= len(keyvals) {
			ev = ev.Interface("extra", keyvals[i])
			break
		}
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		case string:
			ev = ev.Str(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
