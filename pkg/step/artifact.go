package step

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/webpilot/pkg/types"
)

// RunSummary is written to summary.json when a task ends.
type RunSummary struct {
	TaskID    string            `json:"task_id"`
	OwnerID   string            `json:"owner_id"`
	Goal      string            `json:"goal"`
	Status    types.TaskStatus  `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Duration  string            `json:"duration"`
	Result    *types.TaskResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Steps     []*types.Step     `json:"steps"`
	Log       []string          `json:"log,omitempty"`
}

// ArtifactWriter stores per-run screenshots and summaries under one root.
type ArtifactWriter struct {
	outputDir   string
	screenshots bool
	summary     bool
}

// ArtifactOption configures an ArtifactWriter.
type ArtifactOption func(*ArtifactWriter)

// WithScreenshots toggles screenshot capture.
func WithScreenshots(enabled bool) ArtifactOption {
	return func(w *ArtifactWriter) {
		w.screenshots = enabled
	}
}

// WithSummary toggles summary.json output.
func WithSummary(enabled bool) ArtifactOption {
	return func(w *ArtifactWriter) {
		w.summary = enabled
	}
}

// NewArtifactWriter creates a writer rooted at outputDir.
func NewArtifactWriter(outputDir string, opts ...ArtifactOption) *ArtifactWriter {
	w := &ArtifactWriter{
		outputDir:   outputDir,
		screenshots: true,
		summary:     true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ScreenshotsEnabled reports whether screenshots should be captured.
func (w *ArtifactWriter) ScreenshotsEnabled() bool {
	return w != nil && w.screenshots && w.outputDir != ""
}

// RunPath returns the directory holding a run's artifacts.
func (w *ArtifactWriter) RunPath(runDir string) string {
	return filepath.Join(w.outputDir, runDir)
}

// SaveScreenshot stores png as step-<n>.png in the run directory and returns
// its reference relative to the artifact root.
func (w *ArtifactWriter) SaveScreenshot(runDir string, stepIndex int, png []byte) (string, error) {
	if err := validRunDir(runDir); err != nil {
		return "", err
	}
	dir := w.RunPath(runDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	name := fmt.Sprintf("step-%d.png", stepIndex)
	if err := os.WriteFile(filepath.Join(dir, name), png, 0600); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return filepath.ToSlash(filepath.Join(runDir, name)), nil
}

// WriteSummary writes summary.json for the run. It is a no-op when summaries
// are disabled.
func (w *ArtifactWriter) WriteSummary(runDir string, summary *RunSummary) error {
	if w == nil || !w.summary || w.outputDir == "" {
		return nil
	}
	if err := validRunDir(runDir); err != nil {
		return err
	}
	dir := w.RunPath(runDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	if writeErr := os.WriteFile(filepath.Join(dir, "summary.json"), data, 0600); writeErr != nil {
		return fmt.Errorf("failed to write run summary: %w", writeErr)
	}
	return nil
}

func validRunDir(runDir string) error {
	if runDir == "" || strings.Contains(runDir, "..") || filepath.IsAbs(runDir) {
		return fmt.Errorf("invalid run directory %q", runDir)
	}
	return nil
}
