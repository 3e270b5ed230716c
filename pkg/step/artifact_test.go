package step

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/entrhq/webpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	w := NewArtifactWriter(dir)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	summary := &RunSummary{
		TaskID:    "task-1",
		Goal:      "read the heading",
		Status:    types.TaskStatusCompleted,
		StartTime: start,
		EndTime:   start.Add(3 * time.Second),
		Duration:  "3s",
		Result:    &types.TaskResult{Summary: "done", StepCount: 2},
		Steps: []*types.Step{
			{Index: 0, Kind: types.StepKindAction, Instruction: "open", Status: types.StepStatusCompleted},
		},
	}
	require.NoError(t, w.WriteSummary("run-1", summary))

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "summary.json"))
	require.NoError(t, err)

	var got RunSummary
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "done", got.Result.Summary)
	assert.Len(t, got.Steps, 1)
}

func TestWriteSummaryDisabled(t *testing.T) {
	dir := t.TempDir()
	w := NewArtifactWriter(dir, WithSummary(false))

	require.NoError(t, w.WriteSummary("run-1", &RunSummary{}))
	_, err := os.Stat(filepath.Join(dir, "run-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactRunDirValidation(t *testing.T) {
	w := NewArtifactWriter(t.TempDir())

	for _, dir := range []string{"", "../escape", "/abs"} {
		_, err := w.SaveScreenshot(dir, 0, []byte("png"))
		assert.Error(t, err, dir)
	}
}

func TestScreenshotsEnabled(t *testing.T) {
	var nilWriter *ArtifactWriter
	assert.False(t, nilWriter.ScreenshotsEnabled())
	assert.False(t, NewArtifactWriter("").ScreenshotsEnabled())
	assert.False(t, NewArtifactWriter("out", WithScreenshots(false)).ScreenshotsEnabled())
	assert.True(t, NewArtifactWriter("out").ScreenshotsEnabled())
}
