// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package query

import "github.com/grailbio/lidarserv/geometry"

// plane is a 3D plane in normal form. Signed distances are positive on the
// side the normal points to; the frustum and box planes below all point
// into their volume.
type plane struct {
	normal geometry.Vec3
	d      float64
}

// planeFromTriangle builds the plane through three points. The normal
// follows the right-hand rule over (p2-p1, p3-p1).
func planeFromTriangle(p1, p2, p3 geometry.Vec3) plane {
	n := p2.Sub(p1).Cross(p3.Sub(p1))
	n = n.Scale(1.0 / n.Norm())
	return plane{normal: n, d: -n.Dot(p1)}
}

func (p plane) signedDistance(v geometry.Vec3) float64 {
	return p.normal.Dot(v) + p.d
}

func (p plane) isOnNegativeSide(v geometry.Vec3) bool {
	return p.signedDistance(v) < 0
}

func (p plane) projectOntoPlane(v geometry.Vec3) geometry.Vec3 {
	return v.Sub(p.normal.Scale(p.signedDistance(v)))
}

// cubeVertices holds the eight corners of a (possibly projectively
// distorted) box, ordered with z varying fastest, then y, then x.
type cubeVertices [8]geometry.Vec3

func cubeVerticesFromAabb(a geometry.Aabb) cubeVertices {
	var c cubeVertices
	for i := 0; i < 8; i++ {
		v := geometry.Vec3{X: a.Min.X, Y: a.Min.Y, Z: a.Min.Z}
		if i&4 != 0 {
			v.X = a.Max.X
		}
		if i&2 != 0 {
			v.Y = a.Max.Y
		}
		if i&1 != 0 {
			v.Z = a.Max.Z
		}
		c[i] = v
	}
	return c
}

func (c cubeVertices) transform(f func(geometry.Vec3) geometry.Vec3) cubeVertices {
	var out cubeVertices
	for i, v := range c {
		out[i] = f(v)
	}
	return out
}

// Vertex accessors; the digit encodes min (1) or max (2) per axis.
func (c cubeVertices) x1y1z1() geometry.Vec3 { return c[0] }
func (c cubeVertices) x1y1z2() geometry.Vec3 { return c[1] }
func (c cubeVertices) x1y2z1() geometry.Vec3 { return c[2] }
func (c cubeVertices) x1y2z2() geometry.Vec3 { return c[3] }
func (c cubeVertices) x2y1z1() geometry.Vec3 { return c[4] }
func (c cubeVertices) x2y1z2() geometry.Vec3 { return c[5] }
func (c cubeVertices) x2y2z1() geometry.Vec3 { return c[6] }

// planes returns the six face planes with normals pointing into the box.
// Index 4 (the z-min face) is the near clipping plane when the vertices
// are an unprojected clip cube.
func (c cubeVertices) planes() [6]plane {
	return [6]plane{
		planeFromTriangle(c.x1y1z1(), c.x1y2z1(), c.x1y1z2()), // x min
		planeFromTriangle(c.x2y1z1(), c.x2y1z2(), c.x2y2z1()), // x max
		planeFromTriangle(c.x1y1z1(), c.x1y1z2(), c.x2y1z1()), // y min
		planeFromTriangle(c.x1y2z1(), c.x2y2z1(), c.x1y2z2()), // y max
		planeFromTriangle(c.x1y1z1(), c.x2y1z1(), c.x1y2z1()), // z min
		planeFromTriangle(c.x1y1z2(), c.x1y2z2(), c.x2y1z2()), // z max
	}
}
