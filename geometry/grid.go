// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package geometry

import (
	"fmt"
	"math"
)

// LodLevel identifies a level of detail. Level 0 is the coarsest; larger
// levels are finer.
type LodLevel uint8

// String implements fmt.Stringer.
func (l LodLevel) String() string {
	return fmt.Sprintf("lod%d", uint8(l))
}

// GridCell identifies one cube of a grid at some level of detail.
type GridCell struct {
	X, Y, Z int32
}

// LeveledGridCell identifies a cell across the whole grid hierarchy.
// It keys octree nodes and sampling buckets.
type LeveledGridCell struct {
	Lod LodLevel
	Pos GridCell
}

// Parent returns the cell at the next coarser level containing c. The
// second return value is false when c is already at level 0.
func (c LeveledGridCell) Parent() (LeveledGridCell, bool) {
	if c.Lod == 0 {
		return LeveledGridCell{}, false
	}
	return LeveledGridCell{
		Lod: c.Lod - 1,
		Pos: GridCell{X: c.Pos.X >> 1, Y: c.Pos.Y >> 1, Z: c.Pos.Z >> 1},
	}, true
}

// Children returns the eight cells at the next finer level contained in c.
func (c LeveledGridCell) Children() [8]LeveledGridCell {
	var children [8]LeveledGridCell
	for i := 0; i < 8; i++ {
		children[i] = LeveledGridCell{
			Lod: c.Lod + 1,
			Pos: GridCell{
				X: c.Pos.X<<1 + int32(i&1),
				Y: c.Pos.Y<<1 + int32(i>>1&1),
				Z: c.Pos.Z<<1 + int32(i>>2&1),
			},
		}
	}
	return children
}

// ContainsCell reports whether child is c itself or a descendant of c.
func (c LeveledGridCell) ContainsCell(child LeveledGridCell) bool {
	if child.Lod < c.Lod {
		return false
	}
	shift := child.Lod - c.Lod
	return child.Pos.X>>shift == c.Pos.X &&
		child.Pos.Y>>shift == c.Pos.Y &&
		child.Pos.Z>>shift == c.Pos.Z
}

// String implements fmt.Stringer.
func (c LeveledGridCell) String() string {
	return fmt.Sprintf("%v/%d-%d-%d", c.Lod, c.Pos.X, c.Pos.Y, c.Pos.Z)
}

// GridHierarchy defines a hierarchy of grids: at level 0 the cell edge
// length is 2^shift local units, and every finer level halves it.
type GridHierarchy struct {
	shift uint8
}

// NewGridHierarchy returns the hierarchy with the given shift.
func NewGridHierarchy(shift uint8) GridHierarchy {
	return GridHierarchy{shift: shift}
}

// Shift returns the hierarchy's shift parameter.
func (g GridHierarchy) Shift() uint8 {
	return g.shift
}

// CellSize returns the cell edge length at the given level, in local units.
// REQUIRES: lod <= shift. Levels finer than the shift only make sense for
// f64 positions; use CellSizeF64 there.
func (g GridHierarchy) CellSize(lod LodLevel) int64 {
	return 1 << (g.shift - uint8(lod))
}

// CellSizeF64 returns the cell edge length at the given level. Unlike
// CellSize it supports levels finer than the shift, where cells become
// fractional.
func (g GridHierarchy) CellSizeF64(lod LodLevel) float64 {
	return math.Exp2(float64(g.shift) - float64(lod))
}

// CellAtI32 returns the cell containing the given local position at the
// given level. Integer cells use floor division, so negative coordinates
// map to negative cell indices.
func (g GridHierarchy) CellAtI32(pos Vec3i32, lod LodLevel) GridCell {
	shift := g.shift - uint8(lod)
	return GridCell{
		X: pos.X >> shift,
		Y: pos.Y >> shift,
		Z: pos.Z >> shift,
	}
}

// CellAtF64 returns the cell containing the given local position at the
// given level.
func (g GridHierarchy) CellAtF64(pos Vec3, lod LodLevel) GridCell {
	size := g.CellSizeF64(lod)
	return GridCell{
		X: int32(math.Floor(pos.X / size)),
		Y: int32(math.Floor(pos.Y / size)),
		Z: int32(math.Floor(pos.Z / size)),
	}
}

// LeveledCellBoundsI32 returns the inclusive local-coordinate bounds of a
// cell.
func (g GridHierarchy) LeveledCellBoundsI32(c LeveledGridCell) AabbI32 {
	size := g.CellSize(c.Lod)
	min := Vec3i32{
		X: int32(int64(c.Pos.X) * size),
		Y: int32(int64(c.Pos.Y) * size),
		Z: int32(int64(c.Pos.Z) * size),
	}
	return AabbI32{
		Min: min,
		Max: Vec3i32{
			X: min.X + int32(size) - 1,
			Y: min.Y + int32(size) - 1,
			Z: min.Z + int32(size) - 1,
		},
	}
}

// LeveledCellBoundsF64 returns the local-coordinate bounds of a cell for
// f64 positions. The upper bound is the largest float below the next
// cell's lower bound, so cells do not overlap.
func (g GridHierarchy) LeveledCellBoundsF64(c LeveledGridCell) Aabb {
	size := g.CellSizeF64(c.Lod)
	min := Vec3{
		X: float64(c.Pos.X) * size,
		Y: float64(c.Pos.Y) * size,
		Z: float64(c.Pos.Z) * size,
	}
	return Aabb{
		Min: min,
		Max: Vec3{
			X: math.Nextafter(min.X+size, math.Inf(-1)),
			Y: math.Nextafter(min.Y+size, math.Inf(-1)),
			Z: math.Nextafter(min.Z+size, math.Inf(-1)),
		},
	}
}

// CellCenterI32 returns the center of a cell in local i32 coordinates,
// rounded down.
func (g GridHierarchy) CellCenterI32(c LeveledGridCell) Vec3i32 {
	b := g.LeveledCellBoundsI32(c)
	return Vec3i32{
		X: int32((int64(b.Min.X) + int64(b.Max.X)) / 2),
		Y: int32((int64(b.Min.Y) + int64(b.Max.Y)) / 2),
		Z: int32((int64(b.Min.Z) + int64(b.Max.Z)) / 2),
	}
}

// CellCenterF64 returns the center of a cell in local f64 coordinates.
func (g GridHierarchy) CellCenterF64(c LeveledGridCell) Vec3 {
	size := g.CellSizeF64(c.Lod)
	return Vec3{
		X: (float64(c.Pos.X) + 0.5) * size,
		Y: (float64(c.Pos.Y) + 0.5) * size,
		Z: (float64(c.Pos.Z) + 0.5) * size,
	}
}
