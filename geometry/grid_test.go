package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellAt(t *testing.T) {
	g := NewGridHierarchy(10)

	// Cell edge at level 0 is 1024 local units.
	assert.Equal(t, int64(1024), g.CellSize(0))
	assert.Equal(t, int64(512), g.CellSize(1))

	assert.Equal(t, GridCell{0, 0, 0}, g.CellAtI32(Vec3i32{0, 0, 0}, 0))
	assert.Equal(t, GridCell{0, 0, 0}, g.CellAtI32(Vec3i32{1023, 1023, 1023}, 0))
	assert.Equal(t, GridCell{1, 0, 0}, g.CellAtI32(Vec3i32{1024, 0, 0}, 0))
	// Floor division: negative positions land in negative cells.
	assert.Equal(t, GridCell{-1, -1, -1}, g.CellAtI32(Vec3i32{-1, -1, -1}, 0))
	assert.Equal(t, GridCell{-1, 0, 0}, g.CellAtI32(Vec3i32{-1024, 0, 0}, 0))
	assert.Equal(t, GridCell{-2, 0, 0}, g.CellAtI32(Vec3i32{-1025, 0, 0}, 0))

	assert.Equal(t, GridCell{1, 0, 3}, g.CellAtF64(Vec3{512.0, 0.0, 1536.0}, 1))
	assert.Equal(t, GridCell{-1, 0, 0}, g.CellAtF64(Vec3{-0.5, 0.0, 0.0}, 1))
}

func TestLeveledCellBounds(t *testing.T) {
	g := NewGridHierarchy(10)

	b := g.LeveledCellBoundsI32(LeveledGridCell{Lod: 0, Pos: GridCell{0, 0, 0}})
	assert.Equal(t, Vec3i32{0, 0, 0}, b.Min)
	assert.Equal(t, Vec3i32{1023, 1023, 1023}, b.Max)

	bf := g.LeveledCellBoundsF64(LeveledGridCell{Lod: 0, Pos: GridCell{0, 0, 0}})
	assert.Equal(t, Vec3{0, 0, 0}, bf.Min)
	assert.Equal(t, Vec3{1023.9999999999999, 1023.9999999999999, 1023.9999999999999}, bf.Max)

	b1 := g.LeveledCellBoundsI32(LeveledGridCell{Lod: 1, Pos: GridCell{-1, 0, 2}})
	assert.Equal(t, Vec3i32{-512, 0, 1024}, b1.Min)
	assert.Equal(t, Vec3i32{-1, 511, 1535}, b1.Max)
}

func TestParentChildren(t *testing.T) {
	c := LeveledGridCell{Lod: 1, Pos: GridCell{1, 2, 3}}
	children := c.Children()
	assert.Equal(t, LeveledGridCell{Lod: 2, Pos: GridCell{2, 4, 6}}, children[0])
	assert.Equal(t, LeveledGridCell{Lod: 2, Pos: GridCell{3, 4, 6}}, children[1])
	assert.Equal(t, LeveledGridCell{Lod: 2, Pos: GridCell{2, 5, 6}}, children[2])
	assert.Equal(t, LeveledGridCell{Lod: 2, Pos: GridCell{3, 5, 7}}, children[7])
	for _, child := range children {
		parent, ok := child.Parent()
		assert.True(t, ok)
		assert.Equal(t, c, parent)
		assert.True(t, c.ContainsCell(child))
	}

	// Negative cells round toward their true parent.
	neg := LeveledGridCell{Lod: 1, Pos: GridCell{-1, -2, -3}}
	parent, ok := neg.Parent()
	assert.True(t, ok)
	assert.Equal(t, LeveledGridCell{Lod: 0, Pos: GridCell{-1, -1, -2}}, parent)

	_, ok = LeveledGridCell{}.Parent()
	assert.False(t, ok)
}

func TestCellCenter(t *testing.T) {
	g := NewGridHierarchy(4)
	c := LeveledGridCell{Lod: 0, Pos: GridCell{0, 0, 0}}
	// Bounds [0, 15]; integer center rounds down.
	assert.Equal(t, Vec3i32{7, 7, 7}, g.CellCenterI32(c))
	assert.Equal(t, Vec3{8, 8, 8}, g.CellCenterF64(c))
}
