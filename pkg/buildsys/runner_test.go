package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/interp"
)

const filterTasks = `
def configure():
    task(
        short = "start",
        variadic = True,
        env = {"LOG_FILTER": log_filter("info")},
        cmds = ['echo "$LOG_FILTER" "$@"'],
    )
    task(
        short = "trace-module",
        params = ["module"],
        variadic = True,
        env = {"LOG_FILTER": log_filter("info", {"${MODULE}": "trace"})},
        cmds = ['echo "$LOG_FILTER" "$@"'],
    )
    task(
        short = "test",
        variadic = True,
        env = {"LOG_FILTER": log_filter("trace")},
        cmds = ['echo "$LOG_FILTER" test "$@"'],
    )
    task(
        short = "test-trace",
        variadic = True,
        cmds = ['task test "$@" -- --nocapture'],
    )
    task(
        short = "fixed",
        cmds = ["echo fixed"],
    )
`

func TestRunForwardsArguments(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	out, err := run(dir, script, "start", "--fullscreen", "two words")
	require.NoError(t, err)
	assert.Equal(t, "info --fullscreen two words\n", out)
}

func TestRunWithoutArguments(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	out, err := run(dir, script, "start")
	require.NoError(t, err)
	assert.Equal(t, "info\n", out)
}

func TestRunBindsParameters(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	out, err := run(dir, script, "trace-module", "lattice::framework::frame_controller", "--windowed")
	require.NoError(t, err)
	assert.Equal(t, "info,lattice::framework::frame_controller=trace --windowed\n", out)
}

func TestRunRejectsInvalidDirective(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	for _, module := range []string{"not a module", "lattice/frame", "lattice,wgpu", "lattice=debug"} {
		out, err := run(dir, script, "trace-module", module)
		require.Error(t, err, module)
		assert.Contains(t, err.Error(), "LOG_FILTER", module)
		assert.Empty(t, out, module)
	}
}

func TestRunFilterParamsAsLevel(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "level", params = ["level"], env = {"LOG_FILTER": "$LEVEL,wgpu=warn"}, cmds = ['echo "$LOG_FILTER"'])
    task(short = "unrelated", params = ["dir"], env = {"LOG_FILTER": "info"}, cmds = ['echo "$LOG_FILTER"'])
`)

	out, err := run(dir, script, "level", "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug,wgpu=warn\n", out)

	out, err = run(dir, script, "unrelated", "assets/models")
	require.NoError(t, err, "DIR isn't referenced by the filter")
	assert.Equal(t, "info\n", out)
}

func TestReferencesParam(t *testing.T) {
	assert.True(t, referencesParam("info,${MODULE}=trace", "MODULE"))
	assert.True(t, referencesParam("info,$MODULE=trace", "MODULE"))
	assert.True(t, referencesParam("${MODULE:-lattice}=trace", "MODULE"))
	assert.False(t, referencesParam("info,${MODULES}=trace", "MODULE"))
	assert.False(t, referencesParam("info,MODULE=trace", "MODULE"))
}

func TestRunFilterCheckedBeforeDeps(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "shaders", cmds = ["echo shaders"])
    task(short = "start", deps = ["shaders"], env = {"LOG_FILTER": "=loud"}, cmds = ["echo start"])
`)

	out, err := run(dir, script, "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_FILTER")
	assert.Empty(t, out)
}

func TestRunCustomFilterVar(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "rust-log", env = {"RUST_LOG": "=loud"}, cmds = ["echo $RUST_LOG"])
`)

	out, err := run(dir, script, "rust-log")
	require.NoError(t, err, "RUST_LOG isn't validated unless it's the filter variable")
	assert.Equal(t, "=loud\n", out)

	_, err = runWithOptions(dir, script, RunOptions{FilterVar: "RUST_LOG"}, "rust-log")
	assert.Error(t, err)
}

func TestRunArgumentErrors(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	_, err := run(dir, script, "trace-module")
	assert.Error(t, err, "missing MODULE")

	_, err = run(dir, script, "fixed", "unexpected")
	assert.Error(t, err, "fixed doesn't take arguments")

	_, err = run(dir, script, "missing")
	assert.Error(t, err)
}

func TestRunDelegatesToSelf(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	out, err := run(dir, script, "test-trace", "frame_timing")
	require.NoError(t, err)
	assert.Equal(t, "trace test frame_timing -- --nocapture\n", out)
}

func TestRunDelegationRedirect(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "inner", variadic = True, cmds = ['echo "$@"'])
    task(short = "outer", cmds = ["task inner a b > inner.txt", "echo done"])
`)

	out, err := run(dir, script, "outer")
	require.NoError(t, err)
	assert.Equal(t, "done\n", out)

	content, err := os.ReadFile(filepath.Join(dir, "inner.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a b\n", string(content))
}

func TestRunCustomSelfCommand(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "inner", cmds = ["echo inner"])
    task(short = "outer", cmds = ["just inner"])
`)

	out, err := runWithOptions(dir, script, RunOptions{SelfCommand: "just"}, "outer")
	require.NoError(t, err)
	assert.Equal(t, "inner\n", out)
}

func TestRunExportsSelfCommand(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "inner", variadic = True, cmds = ['echo inner "$@"'])
    task(short = "outer", cmds = ['"$TASK_SELF" inner via "$TASK_SELF"'])
`)

	out, err := run(dir, script, "outer")
	require.NoError(t, err)
	assert.Equal(t, "inner via task\n", out)

	out, err = runWithOptions(dir, script, RunOptions{SelfCommand: "just"}, "outer")
	require.NoError(t, err)
	assert.Equal(t, "inner via just\n", out)
}

func TestRunDetectsRecursion(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "a", cmds = ["task b"])
    task(short = "b", cmds = ["task a"])
`)

	_, err := run(dir, script, "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursively")
}

func TestRunExitStatus(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "fail", cmds = ["echo before", "exit 3", "echo after"])
    task(short = "wrapper", cmds = ["task fail"])
    task(short = "dep", deps = ["fail"], cmds = ["echo unreachable"])
`)

	for _, name := range []string{"fail", "wrapper", "dep"} {
		out, err := run(dir, script, name)
		require.Error(t, err, name)

		status, ok := interp.IsExitStatus(eris.Cause(err))
		require.True(t, ok, name)
		assert.Equal(t, uint8(3), status, name)
		assert.Equal(t, "before\n", out, name)
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "x", cmds = ["false", "echo after"])
`)

	out, err := run(dir, script, "x")
	assert.Error(t, err)
	assert.Empty(t, out)
}

func TestRunDryRun(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	out, err := runWithOptions(dir, script, RunOptions{DryRun: true}, "start", "--fullscreen")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunDepsOnce(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "shaders", cmds = ["echo shaders"])
    task(short = "assets", deps = ["shaders"], cmds = ["echo assets"])
    task(short = "start", deps = ["shaders", "assets"], cmds = ["echo start"])
`)

	out, err := run(dir, script, "start")
	require.NoError(t, err)
	assert.Equal(t, "shaders\nassets\nstart\n", out)
}

func TestRunTaskRefs(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    prepare = task(cmds = ["echo prepare"])
    task(short = "start", cmds = [prepare, "echo start"])
`)

	out, err := run(dir, script, "start")
	require.NoError(t, err)
	assert.Equal(t, "prepare\nstart\n", out)
}

func TestRunSkipIfExists(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "fetch", skip_if_exists = ["assets/*.png"], cmds = ["echo fetched"])
`)

	out, err := run(dir, script, "fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetched\n", out)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "happy-tree.png"), nil, 0o644))

	out, err = run(dir, script, "fetch")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = runWithOptions(dir, script, RunOptions{Force: true}, "fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetched\n", out)
}

func TestRunInputsOutputs(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "compile", inputs = ["shader.wgsl"], outputs = ["shader.spv"], cmds = ["echo compiled"])
`)

	input := filepath.Join(dir, "shader.wgsl")
	output := filepath.Join(dir, "shader.spv")
	require.NoError(t, os.WriteFile(input, nil, 0o644))

	out, err := run(dir, script, "compile")
	require.NoError(t, err)
	assert.Equal(t, "compiled\n", out, "missing output")

	require.NoError(t, os.WriteFile(output, nil, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(input, past, past))

	out, err = run(dir, script, "compile")
	require.NoError(t, err)
	assert.Empty(t, out, "output is newer than input")

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(input, future, future))

	out, err = run(dir, script, "compile")
	require.NoError(t, err)
	assert.Equal(t, "compiled\n", out, "input changed")
}

func TestRunCoreutils(t *testing.T) {
	dir, script := parseTasks(t, `
def configure():
    task(short = "shuffle", cmds = [
        "mkdir -p build/a/b",
        "echo hi > build/a/b/f.txt",
        "mv build/a/b/f.txt build/g.txt",
        "rm -r build/a",
        "rm missing.txt || echo recovered",
        "rm -f missing.txt",
    ])
`)

	out, err := run(dir, script, "shuffle")
	require.NoError(t, err)
	assert.Contains(t, out, "recovered")

	content, err := os.ReadFile(filepath.Join(dir, "build", "g.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(content))

	_, err = os.Stat(filepath.Join(dir, "build", "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunRespectsCancellation(t *testing.T) {
	dir, script := parseTasks(t, filterTasks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTask(ctx, dir, "start", nil, script.Tasks, RunOptions{Stdout: &nopWriter{}, Stderr: &nopWriter{}})
	assert.ErrorIs(t, err, context.Canceled)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
