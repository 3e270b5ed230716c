package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useTempDir resets the process log state onto a temporary directory.
func useTempDir(t *testing.T) string {
	t.Helper()

	process.mu.Lock()
	saved := struct {
		dir, runID string
		level      Level
		file       *sink
	}{process.dir, process.runID, process.level, process.file}
	process.dir, process.runID, process.file = "", "", nil
	process.mu.Unlock()

	dir := t.TempDir()
	SetLogDirectory(dir)

	t.Cleanup(func() {
		process.mu.Lock()
		if process.file != nil {
			_ = process.file.close()
		}
		process.dir, process.runID, process.level, process.file = saved.dir, saved.runID, saved.level, saved.file
		process.mu.Unlock()
	})
	return dir
}

func TestNewLoggerCreatesRunFile(t *testing.T) {
	dir := useTempDir(t)

	logger, err := NewLogger("pool")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	if logger.RunID() == "" {
		t.Error("expected a run ID")
	}
	want := filepath.Join(dir, logger.RunID()+"-webpilot.log")
	if logger.Path() != want {
		t.Errorf("Path() = %q, want %q", logger.Path(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("run file missing: %v", err)
	}
}

func TestLevelsAreTagged(t *testing.T) {
	useTempDir(t)
	SetLevel(LevelDebug)

	logger, err := NewLogger("executor")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debugf("resolved %d pages", 2)
	logger.Infof("step started")
	logger.Warnf("navigation slow")
	logger.Errorf("step failed")

	content, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatalf("read run file: %v", err)
	}
	for _, want := range []string{
		"[executor] [DEBUG] resolved 2 pages",
		"[executor] [INFO] step started",
		"[executor] [WARN] navigation slow",
		"[executor] [ERROR] step failed",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("missing %q in:\n%s", want, content)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	useTempDir(t)
	SetLevel(LevelWarn)

	var buf bytes.Buffer
	logger := NewWriterLogger("pool", &buf)

	logger.Debugf("hidden debug")
	logger.Infof("hidden info")
	logger.Warnf("shown warning")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("expected debug and info to be filtered, got:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "[pool] [WARN] shown warning") {
		t.Errorf("expected warning in output, got:\n%s", buf.String())
	}
}

func TestWithSharesOutput(t *testing.T) {
	useTempDir(t)

	var buf bytes.Buffer
	parent := NewWriterLogger("agent", &buf)
	parent.With("task-1").Infof("hello")
	parent.Infof("bye")

	out := buf.String()
	if !strings.Contains(out, "[agent/task-1] [INFO] hello") || !strings.Contains(out, "[agent] [INFO] bye") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	var l *Logger
	l.Infof("dropped")
	if l.With("x") != nil {
		t.Error("With on nil logger should stay nil")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}

func TestComponentsShareRunFile(t *testing.T) {
	useTempDir(t)

	pool, err := NewLogger("pool")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	agent, err := NewLogger("agent")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if pool.Path() != agent.Path() || pool.RunID() != agent.RunID() {
		t.Fatalf("expected one run file, got %q and %q", pool.Path(), agent.Path())
	}

	pool.Infof("from pool")
	agent.Infof("from agent")

	content, err := os.ReadFile(pool.Path())
	if err != nil {
		t.Fatalf("read run file: %v", err)
	}
	if !strings.Contains(string(content), "[pool]") || !strings.Contains(string(content), "[agent]") {
		t.Errorf("run file missing component lines:\n%s", content)
	}
}

func TestCloseTwice(t *testing.T) {
	useTempDir(t)

	logger, err := NewLogger("test")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestParseVerbosity(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"quiet", LevelWarn, false},
		{"normal", LevelInfo, false},
		{"", LevelInfo, false},
		{"Verbose", LevelDebug, false},
		{"debug", LevelDebug, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseVerbosity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVerbosity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseVerbosity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
