package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"time"
)

type LogLevel string

const (
	FatalLevel    = "fatal"
	ErrorLevel    = "error"
	WarningLevel  = "warn"
	InfoLevel     = "info"
	DebugLevel    = "debug"
	TraceLevel    = "trace"
	DisabledLevel = "disabled"
)

var levelmap = map[LogLevel]int{
	TraceLevel:    5,
	DebugLevel:    4,
	InfoLevel:     3,
	WarningLevel:  2,
	ErrorLevel:    1,
	FatalLevel:    0,
	DisabledLevel: -1,
}

type logWrapper struct {
	log   *log.Logger
	Level LogLevel
}

func (l *logWrapper) Printf(level LogLevel, format string, args ...any) {
	if !ShouldLog(level, l.Level) {
		return
	}
	l.Println(level, fmt.Sprintf(format, args...))
}

func (l *logWrapper) Println(level LogLevel, args ...any) {
	if !ShouldLog(level, l.Level) {
		return
	}
	ts := time.Now().Local()
	timeStr := fmt.Sprintf("%s.%03d", ts.Format("2006-01-02 15:04:05"), ts.Nanosecond()/1000000)
	levelStr := fmt.Sprintf("- %5s -", level)
	allArgs := []any{timeStr, levelStr}
	allArgs = append(allArgs, args...)
	l.log.Println(allArgs...)
}

var (
	stdoutLog logWrapper
	stderrLog logWrapper
)

func init() {
	stdoutLog = logWrapper{log.New(os.Stdout, "", 0), InfoLevel}
	stderrLog = logWrapper{log.New(os.Stderr, "", 0), InfoLevel}
}

func SetLevel(loglevel LogLevel) error {
	_, ok := levelmap[loglevel]
	if !ok {
		return fmt.Errorf("No such log level %s", loglevel)
	}

	stderrLog.Level = loglevel
	stdoutLog.Level = loglevel
	return nil
}

// Redirect all output to the given writer.
// Used by tests to capture log output.
func SetOutput(w io.Writer) {
	stdoutLog.log = log.New(w, "", 0)
	stderrLog.log = log.New(w, "", 0)
}

func ValidLogLevel(level LogLevel) bool {
	_, ok := levelmap[level]
	return ok
}

func ShouldLog(logLevel, enabled LogLevel) bool {
	if !ValidLogLevel(logLevel) || !ValidLogLevel(enabled) {
		return false
	}
	return levelmap[logLevel] <= levelmap[enabled]
}

func Trace(args ...any) {
	stdoutLog.Println(TraceLevel, args...)
}

func Debug(args ...any) {
	stdoutLog.Println(DebugLevel, args...)
}

func Info(args ...any) {
	stdoutLog.Println(InfoLevel, args...)
}

func Warn(args ...any) {
	stderrLog.Println(WarningLevel, args...)
}

func Error(args ...any) {
	stderrLog.Println(ErrorLevel, args...)
}

func Fatal(args ...any) {
	stderrLog.Println(FatalLevel, args...)
	debug.PrintStack()
	os.Exit(1)
}

func Tracef(format string, args ...any) {
	stdoutLog.Printf(TraceLevel, format, args...)
}

func Debugf(format string, args ...any) {
	stdoutLog.Printf(DebugLevel, format, args...)
}

func Infof(format string, args ...any) {
	stdoutLog.Printf(InfoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	stderrLog.Printf(WarningLevel, format, args...)
}

func Errorf(format string, args ...any) {
	stderrLog.Printf(ErrorLevel, format, args...)
}

func Fatalf(format string, args ...any) {
	stderrLog.Printf(FatalLevel, format, args...)
	debug.PrintStack()
	os.Exit(1)
}
