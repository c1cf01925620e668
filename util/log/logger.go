package log

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug

	PrefixError = "\033[31m[ERROR]\033[0m \u001B[34m"
	PrefixWarn  = "\033[33m[WARN]\033[0m \u001B[34m"
	PrefixInfo  = "\033[32m[INFO]\033[0m \u001B[34m"
	PrefixDebug = "\033[36m[DEBUG]\033[0m \u001B[34m"
)

var (
	prefixs      = []string{PrefixError, PrefixWarn, PrefixInfo, PrefixDebug}
	globalLogger = NewLogger(LevelDebug, os.Stdout)

	ErrInvalidLevel = errors.New("invalid log level")
)

// Logger writes leveled messages, levels above the configured one are discarded.
type Logger struct {
	mu      sync.RWMutex
	out     io.Writer
	loggers []*log.Logger
}

func NewLogger(level int, out io.Writer) *Logger {
	if level < 0 {
		panic(ErrInvalidLevel)
	}
	l := &Logger{out: out}
	l.build(level)
	return l
}

func (l *Logger) build(level int) {
	if level > LevelDebug {
		level = LevelDebug
	}
	loggers := make([]*log.Logger, LevelDebug+1)
	i := 0
	for ; i <= level; i++ {
		if i == LevelInfo {
			loggers[i] = log.New(l.out, prefixs[i], log.LstdFlags)
		} else {
			loggers[i] = log.New(l.out, prefixs[i], log.LstdFlags|log.Lshortfile)
		}
	}
	for ; i <= LevelDebug; i++ {
		loggers[i] = log.New(io.Discard, "", 0)
	}
	l.loggers = loggers
}

func (l *Logger) logger(level int) *log.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loggers[level]
}

// output writes through the level's logger. depth 1 is the caller of
// output; the public methods pass 2 so the file of their caller is reported.
func (l *Logger) output(level, depth int, msg string) {
	_ = l.logger(level).Output(depth+1, "\033[0m"+msg)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.output(LevelInfo, 2, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.output(LevelWarn, 2, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(err error) {
	l.output(LevelError, 2, err.Error())
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.output(LevelError, 2, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.output(LevelDebug, 2, fmt.Sprintf(format, args...))
}

// SetLevel rebuilds the per-level loggers, keeping the current output.
func (l *Logger) SetLevel(level int) error {
	if level < 0 {
		return ErrInvalidLevel
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.build(level)
	return nil
}

func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = out
	for _, logger := range l.loggers {
		if logger.Writer() != io.Discard {
			logger.SetOutput(out)
		}
	}
}

// ParseLevel maps a level name from the config file to its constant.
func ParseLevel(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, name)
}

func Info(format string, args ...interface{}) {
	globalLogger.output(LevelInfo, 2, fmt.Sprintf(format, args...))
}

func Warn(format string, args ...interface{}) {
	globalLogger.output(LevelWarn, 2, fmt.Sprintf(format, args...))
}

func Error(err error) {
	globalLogger.output(LevelError, 2, err.Error())
}

func Errorf(format string, args ...interface{}) {
	globalLogger.output(LevelError, 2, fmt.Sprintf(format, args...))
}

func Debug(format string, args ...interface{}) {
	globalLogger.output(LevelDebug, 2, fmt.Sprintf(format, args...))
}

func SetOutput(out io.Writer) {
	globalLogger.SetOutput(out)
}

func SetLevel(level int) error {
	return globalLogger.SetLevel(level)
}
