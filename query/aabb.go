// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package query

import (
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// Aabb matches all points inside a bounding box given in global
// coordinates.
type Aabb struct {
	Bounds geometry.Aabb
}

// Prepare implements Query. The box is clamped to the coordinate system's
// representable bounds and converted to local coordinates; a box that
// vanishes entirely prepares to the empty query.
func (q Aabb) Prepare(ctx *Context) (Executable, error) {
	if q.Bounds.IsEmpty() {
		return emptyExecutable{}, nil
	}
	bounds := ctx.CoordinateSystem.Bounds(ctx.PositionType)
	cutMin := q.Bounds.Min.Sup(bounds.Min)
	cutMax := q.Bounds.Max.Inf(bounds.Max)
	if geometry.NewAabb(cutMin, cutMax).IsEmpty() {
		return emptyExecutable{}, nil
	}
	switch ctx.PositionType {
	case geometry.PositionI32:
		// The clamping above guarantees both corners encode.
		localMin, err := ctx.CoordinateSystem.EncodeI32(cutMin)
		if err != nil {
			return nil, err
		}
		localMax, err := ctx.CoordinateSystem.EncodeI32(cutMax)
		if err != nil {
			return nil, err
		}
		// A negative scale flips corners during encoding.
		lo := geometry.Vec3i32{X: minI32(localMin.X, localMax.X), Y: minI32(localMin.Y, localMax.Y), Z: minI32(localMin.Z, localMax.Z)}
		hi := geometry.Vec3i32{X: maxI32(localMin.X, localMax.X), Y: maxI32(localMin.Y, localMax.Y), Z: maxI32(localMin.Z, localMax.Z)}
		return &aabbExecutableI32{
			nodeHierarchy: ctx.NodeHierarchy,
			aabb:          geometry.AabbI32{Min: lo, Max: hi},
		}, nil
	default:
		localMin, err := ctx.CoordinateSystem.EncodeF64(cutMin)
		if err != nil {
			return nil, err
		}
		localMax, err := ctx.CoordinateSystem.EncodeF64(cutMax)
		if err != nil {
			return nil, err
		}
		return &aabbExecutableF64{
			nodeHierarchy: ctx.NodeHierarchy,
			aabb:          geometry.NewAabb(localMin.Inf(localMax), localMin.Sup(localMax)),
		}, nil
	}
}

type aabbExecutableI32 struct {
	nodeHierarchy geometry.GridHierarchy
	aabb          geometry.AabbI32
}

func (q *aabbExecutableI32) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	nodeAabb := q.nodeHierarchy.LeveledCellBoundsI32(cell)
	if !q.aabb.Intersects(nodeAabb) {
		return Negative
	}
	if q.aabb.ContainsAabb(nodeAabb) {
		return Positive
	}
	return Partial
}

func (q *aabbExecutableI32) MatchesPoints(_ geometry.LodLevel, points *point.Buffer) []bool {
	bits := make([]bool, points.Len())
	for i := range bits {
		bits[i] = q.aabb.Contains(points.PositionI32(i))
	}
	return bits
}

type aabbExecutableF64 struct {
	nodeHierarchy geometry.GridHierarchy
	aabb          geometry.Aabb
}

func (q *aabbExecutableF64) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	nodeAabb := q.nodeHierarchy.LeveledCellBoundsF64(cell)
	if !q.aabb.Intersects(nodeAabb) {
		return Negative
	}
	if q.aabb.ContainsAabb(nodeAabb) {
		return Positive
	}
	return Partial
}

func (q *aabbExecutableF64) MatchesPoints(_ geometry.LodLevel, points *point.Buffer) []bool {
	bits := make([]bool, points.Len())
	for i := range bits {
		bits[i] = q.aabb.Contains(points.PositionF64(i))
	}
	return bits
}

func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
