package buildsys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTaskFile(t *testing.T, content string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.star")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return dir, path
}

func parseTasks(t *testing.T, content string) (string, *Script) {
	t.Helper()

	dir, path := writeTaskFile(t, content)
	script, err := Parse(context.Background(), path, dir, nil)
	require.NoError(t, err)
	return dir, script
}

func runWithOptions(dir string, script *Script, opts RunOptions, name string, args ...string) (string, error) {
	var out bytes.Buffer
	opts.Stdin = strings.NewReader("")
	opts.Stdout = &out
	opts.Stderr = &out

	err := RunTask(context.Background(), dir, name, args, script.Tasks, opts)
	return out.String(), err
}

func run(dir string, script *Script, name string, args ...string) (string, error) {
	return runWithOptions(dir, script, RunOptions{}, name, args...)
}

func TestMergeEnv(t *testing.T) {
	result := mergeEnv(
		[]string{"PATH=/bin", "LOG_FILTER=warn", "HOME=/home/me"},
		map[string]string{"LOG_FILTER": "info", "MODULE": "lattice"},
		map[string]string{"LOG_FILTER": "trace"},
	)

	assert.Equal(t, []string{"PATH=/bin", "HOME=/home/me", "LOG_FILTER=trace", "MODULE=lattice"}, result)
}

func TestLookupDocumentKey(t *testing.T) {
	doc := map[string]interface{}{
		"package": map[string]interface{}{
			"name":    "learn_wgpu",
			"authors": []interface{}{"a", "b"},
		},
	}

	value, err := lookupDocumentKey(doc, "package.name")
	require.NoError(t, err)
	assert.Equal(t, "learn_wgpu", value)

	value, err = lookupDocumentKey(doc, "package.authors.1")
	require.NoError(t, err)
	assert.Equal(t, "b", value)

	value, err = lookupDocumentKey(doc, "package.authors.5")
	require.NoError(t, err)
	assert.Nil(t, value)

	value, err = lookupDocumentKey(doc, "dependencies.wgpu")
	require.NoError(t, err)
	assert.Nil(t, value)

	_, err = lookupDocumentKey(doc, "package.name.first")
	assert.Error(t, err)
}

func TestTaskPaths(t *testing.T) {
	root := t.TempDir()
	state := &evalState{root: root, file: filepath.Join(root, "examples", "tasks.star")}

	assert.Equal(t, "//src/main.rs", state.display(filepath.Join(root, "src", "main.rs")))
	assert.Equal(t, filepath.Dir(root), state.display(filepath.Dir(root)))
	assert.Equal(t, filepath.Join(root, "src"), state.resolve("//src"))
	assert.Equal(t, filepath.Join(root, "examples", "shaders"), state.resolve("shaders"))
	assert.Equal(t, filepath.Join(root, "examples"), state.resolve())
	assert.Equal(t, filepath.Join(root, "assets", "x.png"), joinTaskPath(root, filepath.Join(root, "assets"), "x.png"))
}

func TestToStarlark(t *testing.T) {
	value, err := toStarlark(map[string]interface{}{
		"frames": []interface{}{int64(1), 2.5, "three", true, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"frames": (1, 2.5, "three", True, None)}`, value.String())

	_, err = toStarlark(struct{}{})
	assert.Error(t, err)
}
