package buildsys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadProjectTasks parses the repository's own tasks.star with cargo replaced by a command
// that prints the filter followed by its arguments.
func loadProjectTasks(t *testing.T) (string, *Script) {
	t.Helper()
	t.Setenv("CARGO", `echo "$LOG_FILTER"`)

	root, err := filepath.Abs(filepath.Join("..", ".."))
	require.NoError(t, err)

	script, err := Parse(context.Background(), filepath.Join(root, "tasks.star"), root, nil)
	require.NoError(t, err)
	return root, script
}

func TestProjectTasksDeclared(t *testing.T) {
	_, script := loadProjectTasks(t)

	for _, name := range []string{"start", "debug", "trace", "trace-module", "test", "test-trace", "test-trace-solo"} {
		task, ok := script.Tasks[name]
		if assert.True(t, ok, name) {
			assert.True(t, task.Variadic, name)
			assert.NotEmpty(t, task.Desc, name)
		}
	}

	assert.Len(t, script.Tasks, 7)
	assert.Equal(t, []string{"MODULE"}, script.Tasks["trace-module"].Params)
	assert.Equal(t, "--nocapture", script.Options["nocapture"].Default())
}

func TestProjectTasksRun(t *testing.T) {
	root, script := loadProjectTasks(t)

	cases := []struct {
		task     string
		args     []string
		expected string
	}{
		{"start", nil, "info run --release\n"},
		{"start", []string{"--fullscreen"}, "info run --release --fullscreen\n"},
		{"debug", []string{"a", "b"}, "debug run --release a b\n"},
		{"trace", nil, "trace run --release\n"},
		{"trace-module", []string{"lattice::framework::frame_controller"}, "info,lattice::framework::frame_controller=trace run --release\n"},
		{"trace-module", []string{"lattice", "--windowed"}, "info,lattice=trace run --release --windowed\n"},
		{"test", nil, "trace test\n"},
		{"test", []string{"frame_timing"}, "trace test frame_timing\n"},
		{"test-trace", []string{"frame_timing"}, "trace test frame_timing -- --nocapture\n"},
		{"test-trace", nil, "trace test -- --nocapture\n"},
		{"test-trace-solo", []string{"frame_timing"}, "trace test frame_timing -- --nocapture\n"},
	}

	for _, tc := range cases {
		out, err := run(root, script, tc.task, tc.args...)
		if assert.NoError(t, err, tc.task) {
			assert.Equal(t, tc.expected, out, "%s %v", tc.task, tc.args)
		}
	}
}

func TestProjectTasksTraceModuleErrors(t *testing.T) {
	root, script := loadProjectTasks(t)

	_, err := run(root, script, "trace-module")
	assert.Error(t, err)

	for _, module := range []string{"not-a-module", "lattice/frame", "lattice,wgpu_core"} {
		out, err := run(root, script, "trace-module", module)
		assert.Error(t, err, module)
		assert.Empty(t, out, module)
	}
}

func TestProjectTasksCustomSelfCommand(t *testing.T) {
	root, script := loadProjectTasks(t)

	out, err := runWithOptions(root, script, RunOptions{SelfCommand: "just"}, "test-trace", "frame_timing")
	require.NoError(t, err)
	assert.Equal(t, "trace test frame_timing -- --nocapture\n", out)
}
