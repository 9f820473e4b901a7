package octree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestDirectoryPersistence(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "directory")
	defer cleanup()
	path := filepath.Join(tmp, "directory.bin")

	d, err := NewCellDirectory(path, 3)
	require.NoError(t, err)

	root := geometry.LeveledGridCell{Lod: 0, Pos: geometry.GridCell{X: 1, Y: 2, Z: 3}}
	child := geometry.LeveledGridCell{Lod: 1, Pos: geometry.GridCell{X: 2, Y: 4, Z: 6}}
	assert.False(t, d.Exists(root))
	d.Add(root)
	d.Add(child)
	d.Add(root) // idempotent
	assert.True(t, d.Exists(root))
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, uint64(1), d.NumNodes(0))
	assert.Equal(t, uint64(1), d.NumNodes(1))
	assert.Equal(t, uint64(0), d.NumNodes(2))
	require.NoError(t, d.WriteIfDirty())

	// Reopen and verify.
	d2, err := NewCellDirectory(path, 3)
	require.NoError(t, err)
	assert.True(t, d2.Exists(root))
	assert.True(t, d2.Exists(child))
	assert.Equal(t, []geometry.LeveledGridCell{root}, d2.RootCells())
}

func TestDirectoryWriteIfDirtyIsCheap(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "directory")
	defer cleanup()
	path := filepath.Join(tmp, "directory.bin")

	d, err := NewCellDirectory(path, 0)
	require.NoError(t, err)
	require.NoError(t, d.WriteIfDirty())

	// No changes: the second write is a no-op even if the file vanishes.
	require.NoError(t, os.Remove(path))
	require.NoError(t, d.WriteIfDirty())
	assert.False(t, fileExists(path))

	d.Add(geometry.LeveledGridCell{})
	require.NoError(t, d.WriteIfDirty())
	assert.True(t, fileExists(path))
}
