// Package logging writes component-scoped log lines for webpilot. Every
// logger in a process shares one run file, <dir>/<run-id>-webpilot.log, so a
// task's pool, executor and planner lines interleave in order.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the minimum severity a Logger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

const timestampLayout = "2006-01-02 15:04:05.000"

// ParseVerbosity maps a config verbosity onto a Level.
func ParseVerbosity(verbosity string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(verbosity)) {
	case "quiet":
		return LevelWarn, nil
	case "", "normal":
		return LevelInfo, nil
	case "verbose", "debug":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("invalid verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", verbosity)
}

// process holds the per-process log settings.
var process = struct {
	mu    sync.Mutex
	dir   string
	runID string
	level Level
	file  *sink
}{level: LevelInfo}

// SetLevel sets the minimum level written by every logger.
func SetLevel(l Level) {
	process.mu.Lock()
	process.level = l
	process.mu.Unlock()
}

func enabled(l Level) bool {
	process.mu.Lock()
	defer process.mu.Unlock()
	return l >= process.level
}

// SetLogDirectory sets where the run file is created. It has no effect once
// a file logger exists.
func SetLogDirectory(dir string) {
	process.mu.Lock()
	defer process.mu.Unlock()
	if dir != "" && process.file == nil {
		process.dir = dir
	}
}

func currentRunID() string {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.runID == "" {
		process.runID = uuid.New().String()
	}
	return process.runID
}

// runFile opens the shared run file on first use.
func runFile() (*sink, error) {
	process.mu.Lock()
	defer process.mu.Unlock()

	if process.file != nil {
		return process.file, nil
	}
	if process.runID == "" {
		process.runID = uuid.New().String()
	}
	if process.dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		process.dir = filepath.Join(home, ".webpilot", "logs")
	}
	if err := os.MkdirAll(process.dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(process.dir, process.runID+"-webpilot.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	process.file = &sink{out: log.New(f, "", 0), closer: f, path: path}
	return process.file, nil
}

// sink is an output shared by a logger and everything derived from it.
type sink struct {
	out    *log.Logger
	closer io.Closer
	path   string
	once   sync.Once
}

func (s *sink) close() error {
	var err error
	s.once.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// Logger writes lines tagged with a component name. A nil *Logger discards
// everything, so components may hold one without checking.
type Logger struct {
	component string
	runID     string
	sink      *sink
}

// NewLogger returns a logger writing to the run file. When the file cannot
// be opened it returns a stderr logger together with the error.
func NewLogger(component string) (*Logger, error) {
	s, err := runFile()
	if err != nil {
		fallback := &sink{out: log.New(os.Stderr, "", 0)}
		fallback.out.Printf("webpilot: file logging unavailable, using stderr: %v", err)
		return &Logger{component: component, runID: currentRunID(), sink: fallback}, err
	}
	return &Logger{component: component, runID: currentRunID(), sink: s}, nil
}

// MustLogger is NewLogger without the error, which the stderr fallback
// has already reported.
func MustLogger(component string) *Logger {
	l, _ := NewLogger(component)
	return l
}

// NewWriterLogger returns a logger writing to w.
func NewWriterLogger(component string, w io.Writer) *Logger {
	return &Logger{component: component, runID: currentRunID(), sink: &sink{out: log.New(w, "", 0)}}
}

// With returns a logger for a sub-component on the same output.
func (l *Logger) With(sub string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{component: l.component + "/" + sub, runID: l.runID, sink: l.sink}
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if l == nil || !enabled(level) {
		return
	}
	l.sink.out.Printf("[%s] [%s] [%s] %s",
		time.Now().Format(timestampLayout), l.component, level, fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(LevelWarn, format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// RunID returns the process run ID.
func (l *Logger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Path returns the run file path, or "" for writer and stderr loggers.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.sink.path
}

// Close closes the shared run file. Later writes from any logger on the
// same file are lost. Safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.sink.close()
}
