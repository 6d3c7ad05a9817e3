package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTaskFileInParent(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "src", "framework")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tasks.star"), []byte("def configure():\n    pass\n"), 0o644))

	found, err := FindTaskFile(nested, "tasks.star")
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(filepath.Join(root, "tasks.star"))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, filepath.Dir(found), Root(found))
}

func TestFindTaskFileSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a")
	require.NoError(t, os.MkdirAll(filepath.Join(nested, "tasks.star"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tasks.star"), nil, 0o644))

	found, err := FindTaskFile(nested, "tasks.star")
	require.NoError(t, err)
	assert.Equal(t, root, filepath.Dir(found))
}

func TestFindTaskFileMissing(t *testing.T) {
	_, err := FindTaskFile(t.TempDir(), "definitely-not-here.star")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}
