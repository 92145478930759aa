package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/xfer-engine/internal/task"
)

func TestBasePath_WithRoots(t *testing.T) {
	p := NewWithRoots(map[task.BaseDirectory]string{
		task.BaseTemporary: "/tmp/xfer-test",
	})

	got, err := p.BasePath(task.BaseTemporary)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xfer-test", got)

	_, err = p.BasePath(task.BaseApplicationDocuments)
	require.ErrorIs(t, err, ErrUnknownBaseDirectory)
}

func TestMoveFile_SameVolumeRename(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.tmp")
	dst := filepath.Join(dir, "nested", "dst.bin")

	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o600))
	require.NoError(t, MoveFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}
