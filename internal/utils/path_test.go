package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, err := ResolvePath("")
	assert.Error(t, err)

	got, err := ResolvePath("~/datasets/cats")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "datasets", "cats"), got)

	got, err = ResolvePath("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)

	got, err = ResolvePath("/tmp/a/../b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/tmp/b"), got)

	got, err = ResolvePath("relative")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	// only a leading ~ segment is expanded
	got, err = ResolvePath("~backup")
	require.NoError(t, err)
	assert.Equal(t, "~backup", filepath.Base(got))
}

func TestEnsureParentAndExists(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a", "b", "c.txt")

	assert.False(t, DirExists(filepath.Dir(file)))
	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Dir(file)))
	require.NoError(t, EnsureParent(file), "existing folders are fine")

	assert.False(t, FileExists(file))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, FileExists(filepath.Dir(file)))
	assert.False(t, DirExists(file))
}
