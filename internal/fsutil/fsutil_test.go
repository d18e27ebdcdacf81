package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveToDirEmptyDestination(t *testing.T) {
	_, err := MoveToDir("anything", "  ")
	require.Error(t, err)
}

func TestMoveToDirCreatesDirAndMoves(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "in.json")
	require.NoError(t, os.WriteFile(src, []byte(`{}`), 0o644))

	dstDir := filepath.Join(tmp, "quarantine")
	dst, err := MoveToDir(src, dstDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dstDir, "in.json"), dst)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source should be gone")
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(b))
}

func TestMoveAsidePlacesFileInSiblingDir(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n"), 0o644))

	dst, err := MoveAside(src, DuplicateDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, DuplicateDir, "report.csv"), dst)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestMoveToDirAvoidsCollision(t *testing.T) {
	tmp := t.TempDir()
	dstDir := filepath.Join(tmp, "dst")
	require.NoError(t, os.MkdirAll(dstDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dstDir, "a.json"), []byte("old"), 0o644))

	src := filepath.Join(tmp, "a.json")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))

	dst, err := MoveToDir(src, dstDir)
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Join(dstDir, "a.json"), dst)
	assert.True(t, strings.HasPrefix(filepath.Base(dst), "a-"))

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))

	// Pre-existing file untouched.
	b, err = os.ReadFile(filepath.Join(dstDir, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
}
