// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package query

import (
	"math"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// ViewFrustum matches the points a viewer camera can see, at a level of
// detail that falls off with distance: a node matches only while its
// nominal point spacing, projected to the screen, stays above the
// configured minimum pixel distance.
type ViewFrustum struct {
	// ViewProjection maps world coordinates to clip space;
	// ViewProjectionInv is its inverse.
	ViewProjection    geometry.Mat4
	ViewProjectionInv geometry.Mat4
	// ClipMinDist is the minimum point distance in clip units
	// (2 * pixels / window width).
	ClipMinDist float64
	// Lod0Dist is the nominal point distance at LOD 0 in global units.
	// When zero, Prepare derives it from the point hierarchy and the
	// coordinate system.
	Lod0Dist float64
}

// Prepare implements Query.
func (q ViewFrustum) Prepare(ctx *Context) (Executable, error) {
	lod0Dist := q.Lod0Dist
	if lod0Dist == 0 {
		lod0Dist = ctx.CoordinateSystem.DecodeDistance(ctx.PointHierarchy.CellSizeF64(0))
	}
	clipCube := cubeVerticesFromAabb(geometry.NewAabb(
		geometry.Vec3{X: -1, Y: -1, Z: -1}, geometry.Vec3{X: 1, Y: 1, Z: 1}))
	frustumVerts := clipCube.transform(func(v geometry.Vec3) geometry.Vec3 {
		h := q.ViewProjectionInv.MulVec4(geometry.Vec4{X: v.X, Y: v.Y, Z: v.Z, W: 1})
		return h.XYZ().Scale(1 / h.W)
	})
	return &viewFrustumExecutable{
		vp:            q.ViewProjection,
		vpInv:         q.ViewProjectionInv,
		clipMinDist:   q.ClipMinDist,
		lod0Dist:      lod0Dist,
		nodeHierarchy: ctx.NodeHierarchy,
		coordinate:    ctx.CoordinateSystem,
		positionType:  ctx.PositionType,
		frustumVerts:  frustumVerts,
		frustumPlanes: frustumVerts.planes(),
	}, nil
}

type viewFrustumExecutable struct {
	vp            geometry.Mat4
	vpInv         geometry.Mat4
	clipMinDist   float64
	lod0Dist      float64
	nodeHierarchy geometry.GridHierarchy
	coordinate    geometry.CoordinateSystem
	positionType  geometry.PositionType
	frustumVerts  cubeVertices
	frustumPlanes [6]plane
}

// maxLodAt returns the finest LOD worth loading for a point at the given
// homogeneous depth w.
func (q *viewFrustumExecutable) maxLodAt(w float64) geometry.LodLevel {
	minPointDist := q.vpInv.MulVec4(geometry.Vec4{X: q.clipMinDist * w}).XYZ().Norm()
	if minPointDist <= 0 {
		return geometry.LodLevel(math.MaxUint8)
	}
	lod := math.Ceil(math.Log2(q.lod0Dist / minPointDist))
	if lod < 0 {
		return 0
	}
	if lod > math.MaxUint8 {
		return geometry.LodLevel(math.MaxUint8)
	}
	return geometry.LodLevel(lod)
}

// maxLodPosition returns the finest LOD for one global position, or false
// when the position is outside the frustum.
func (q *viewFrustumExecutable) maxLodPosition(pos geometry.Vec3) (geometry.LodLevel, bool) {
	h := q.vp.MulVec4(geometry.Vec4{X: pos.X, Y: pos.Y, Z: pos.Z, W: 1})
	if h.W <= 0 {
		return 0, false
	}
	if h.X < -h.W || h.X > h.W || h.Y < -h.W || h.Y > h.W || h.Z < -h.W || h.Z > h.W {
		return 0, false
	}
	return q.maxLodAt(h.W), true
}

func (q *viewFrustumExecutable) nodeBoundsGlobal(cell geometry.LeveledGridCell) geometry.Aabb {
	var localMin, localMax geometry.Vec3
	if q.positionType == geometry.PositionI32 {
		b := q.nodeHierarchy.LeveledCellBoundsI32(cell)
		localMin, localMax = b.Min.ToF64(), b.Max.ToF64()
	} else {
		b := q.nodeHierarchy.LeveledCellBoundsF64(cell)
		localMin, localMax = b.Min, b.Max
	}
	gMin := q.coordinate.DecodeF64(localMin)
	gMax := q.coordinate.DecodeF64(localMax)
	return geometry.NewAabb(gMin.Inf(gMax), gMin.Sup(gMax))
}

func (q *viewFrustumExecutable) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	bounds := q.nodeBoundsGlobal(cell)
	boxVerts := cubeVerticesFromAabb(bounds)
	boxPlanes := boxVerts.planes()

	// Both volumes are convex: separating axis test over the face planes.
	for _, bp := range boxPlanes {
		separated := true
		for _, fv := range q.frustumVerts {
			if !bp.isOnNegativeSide(fv) {
				separated = false
				break
			}
		}
		if separated {
			return Negative
		}
	}
	inside := true
	for _, fp := range q.frustumPlanes {
		outsideCnt := 0
		for _, bv := range boxVerts {
			if fp.isOnNegativeSide(bv) {
				outsideCnt++
			}
		}
		if outsideCnt == 8 {
			return Negative
		}
		if outsideCnt > 0 {
			inside = false
		}
	}

	// The point of the box closest to the camera bounds the finest LOD
	// any of its points can require.
	nearPlane := q.frustumPlanes[4]
	nearest := boxVerts[0]
	nearestD := nearPlane.signedDistance(nearest)
	farthest := boxVerts[0]
	farthestD := nearestD
	for _, bv := range boxVerts[1:] {
		d := nearPlane.signedDistance(bv)
		if d < nearestD {
			nearest, nearestD = bv, d
		}
		if d > farthestD {
			farthest, farthestD = bv, d
		}
	}
	if nearestD < 0 {
		// The near plane cuts through the box.
		nearest = nearPlane.projectOntoPlane(nearest)
	}
	wNear := q.vp.MulVec4(geometry.Vec4{X: nearest.X, Y: nearest.Y, Z: nearest.Z, W: 1}).W
	if wNear <= 0 {
		wNear = 1e-9
	}
	if cell.Lod > q.maxLodAt(wNear) {
		return Negative
	}
	if inside {
		wFar := q.vp.MulVec4(geometry.Vec4{X: farthest.X, Y: farthest.Y, Z: farthest.Z, W: 1}).W
		if wFar > 0 && cell.Lod <= q.maxLodAt(wFar) {
			return Positive
		}
	}
	return Partial
}

func (q *viewFrustumExecutable) MatchesPoints(lod geometry.LodLevel, points *point.Buffer) []bool {
	bits := make([]bool, points.Len())
	for i := range bits {
		global := q.coordinate.DecodeF64(points.PositionAsF64(i))
		maxLod, visible := q.maxLodPosition(global)
		bits[i] = visible && lod <= maxLod
	}
	return bits
}
