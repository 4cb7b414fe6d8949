package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	rootInstance *root
	rootOnce     sync.Once
)

// root is the process-wide sink shared by all component loggers.
type root struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

func getRoot() *root {
	rootOnce.Do(func() {
		rootInstance = &root{out: os.Stderr, level: DEBUG}
		if dir, err := os.UserHomeDir(); err == nil {
			path := filepath.Join(dir, "pulse-debug.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				rootInstance.file = f
			} else {
				log.Printf("failed to open log file %s: %v", path, err)
			}
		}
	})
	return rootInstance
}

// SetLevel sets the minimum level emitted by every component logger.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

func (r *root) write(level Level, component, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// 2025-09-30 12:34:56 [INFO] [Agent] agent.go:123 - message
	msg := fmt.Sprintf(format, args...)
	lineStr := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), levelString(level), component, file, line, msg)
	lineStr = Redact(lineStr)

	fmt.Fprint(r.out, lineStr)
	if r.file != nil {
		fmt.Fprint(r.file, lineStr)
	}
}

func levelString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	if component == "" {
		component = "PULSE"
	}
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	getRoot().write(DEBUG, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	getRoot().write(INFO, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	getRoot().write(WARN, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	getRoot().write(ERROR, l.component, format, args...)
}
