package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[string]LogLevel{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
	"fatal": FATAL,
}

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	exit = os.Exit
)

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(toZerolog(level))
}

// ParseLevel maps a config string such as "debug" to a LogLevel.
// Unknown names fall back to INFO.
func ParseLevel(name string) LogLevel {
	if lvl, ok := levelNames[name]; ok {
		return lvl
	}
	return INFO
}

// SetOutput replaces the log sink. JSON lines are written when json is true,
// otherwise a human readable console format.
func SetOutput(w io.Writer, json bool) {
	mu.Lock()
	defer mu.Unlock()
	lvl := base.GetLevel()
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05", NoColor: true}
	}
	base = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func logMessage(level zerolog.Level, component, message string, fields map[string]any) {
	l := current()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func Debug(message string) {
	logMessage(zerolog.DebugLevel, "", message, nil)
}

func DebugC(component, message string) {
	logMessage(zerolog.DebugLevel, component, message, nil)
}

func DebugCF(component, message string, fields map[string]any) {
	logMessage(zerolog.DebugLevel, component, message, fields)
}

func Info(message string) {
	logMessage(zerolog.InfoLevel, "", message, nil)
}

func InfoC(component, message string) {
	logMessage(zerolog.InfoLevel, component, message, nil)
}

func InfoCF(component, message string, fields map[string]any) {
	logMessage(zerolog.InfoLevel, component, message, fields)
}

func Warn(message string) {
	logMessage(zerolog.WarnLevel, "", message, nil)
}

func WarnC(component, message string) {
	logMessage(zerolog.WarnLevel, component, message, nil)
}

func WarnCF(component, message string, fields map[string]any) {
	logMessage(zerolog.WarnLevel, component, message, fields)
}

func Error(message string) {
	logMessage(zerolog.ErrorLevel, "", message, nil)
}

func ErrorC(component, message string) {
	logMessage(zerolog.ErrorLevel, component, message, nil)
}

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(zerolog.ErrorLevel, component, message, fields)
}

// FatalCF logs at error level and terminates the process with exit status 1.
func FatalCF(component, message string, fields map[string]any) {
	logMessage(zerolog.ErrorLevel, component, message, fields)
	exit(1)
}
