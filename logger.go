package fixd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"text/template"
	"time"
)

// LogLevel is the severity of a log line.
type LogLevel uint8

// Log levels, in increasing severity.
const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
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
		return "OFF"
	}
}

// defaultLoggerFormat mirrors the line shape of the teacher's own logger:
// the app name, an RFC3339 timestamp, the bracketed level, and the message.
const defaultLoggerFormat = `{{.app}} {{.time}} [{{.level}}] {{.msg}}` + "\n"

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Logger is a small leveled logger, modeled on the teacher's own: a fixed
// `text/template` line format rendered through a pooled buffer, writing to
// an arbitrary `io.Writer`.
type Logger struct {
	mu sync.Mutex

	App    string
	Level  LogLevel
	Output io.Writer

	tmpl *template.Template
}

// NewLogger returns a Logger with App "fixd", writing at LevelInfo to
// output, or to os.Stderr if output is nil.
func NewLogger(output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}

	tmpl := template.Must(template.New("fixd-log").Parse(defaultLoggerFormat))

	return &Logger{
		App:    "fixd",
		Level:  LevelInfo,
		Output: output,
		tmpl:   tmpl,
	}
}

// SetFormat overrides the log line template. It may reference any of the
// fields "app", "time", "level", and "msg".
func (l *Logger) SetFormat(format string) error {
	tmpl, err := template.New("fixd-log").Parse(format)
	if err != nil {
		return fmt.Errorf("fixd: invalid log format: %w", err)
	}

	l.mu.Lock()
	l.tmpl = tmpl
	l.mu.Unlock()

	return nil
}

func (l *Logger) log(level LogLevel, msg string) {
	if level < l.Level {
		return
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	data := map[string]string{
		"app":   l.App,
		"time":  time.Now().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}

	l.mu.Lock()
	tmpl := l.tmpl
	l.mu.Unlock()

	if err := tmpl.Execute(buf, data); err != nil {
		fmt.Fprintf(l.Output, "fixd: log template error: %s\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.Output.Write(buf.Bytes())
}

// Debugf logs at LevelDebug.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Infof logs at LevelInfo.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at LevelWarn.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs at LevelError.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}
