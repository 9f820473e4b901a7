// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package geometry provides the spatial primitives the point cloud index is
// built on: 3D vectors, axis-aligned bounding boxes, the coordinate system
// that maps between global (f64) and local (i32 or f64) positions, and the
// grid hierarchy that assigns positions to octree cells at each level of
// detail.
package geometry
