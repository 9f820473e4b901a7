// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// Sampling is a per-node point thinning: at most one point is kept per
// cell of the point hierarchy at the node's level of detail. On a
// collision the point closer to the sub-cell center wins; at equal
// distance the newly inserted point wins.
type Sampling struct {
	pointGrid geometry.GridHierarchy
	lod       geometry.LodLevel
	points    *point.Buffer
	grid      map[geometry.GridCell]int32
}

// NewSampling returns an empty sampling.
func NewSampling(pointGrid geometry.GridHierarchy, lod geometry.LodLevel, layout *point.Layout) *Sampling {
	return &Sampling{
		pointGrid: pointGrid,
		lod:       lod,
		points:    point.NewBuffer(layout),
		grid:      make(map[geometry.GridCell]int32),
	}
}

// SamplingFromPoints rebuilds a sampling from points that already satisfy
// the sampling invariant (i.e. were previously persisted by a sampling).
func SamplingFromPoints(pointGrid geometry.GridHierarchy, lod geometry.LodLevel, points *point.Buffer) *Sampling {
	s := &Sampling{
		pointGrid: pointGrid,
		lod:       lod,
		points:    points,
		grid:      make(map[geometry.GridCell]int32, points.Len()),
	}
	for i := 0; i < points.Len(); i++ {
		cell := s.cellOf(points, i)
		if _, taken := s.grid[cell]; taken {
			log.Panicf("stored node violates the sampling invariant: two points in sub-cell %v", cell)
		}
		s.grid[cell] = int32(i)
	}
	return s
}

// Len returns the number of sampled points.
func (s *Sampling) Len() int {
	return s.points.Len()
}

// Lod returns the sampling's level of detail.
func (s *Sampling) Lod() geometry.LodLevel {
	return s.lod
}

// PointDistance returns the nominal minimum distance between two sampled
// points in local units: the edge length of one sub-cell.
func (s *Sampling) PointDistance() float64 {
	return s.pointGrid.CellSizeF64(s.lod)
}

// Points returns the sampled points. The buffer aliases internal storage;
// callers that retain it must clone.
func (s *Sampling) Points() *point.Buffer {
	return s.points
}

// ClonePoints returns a copy of the sampled points.
func (s *Sampling) ClonePoints() *point.Buffer {
	return s.points.Clone()
}

func (s *Sampling) cellOf(buf *point.Buffer, i int) geometry.GridCell {
	if buf.Layout().PositionType() == geometry.PositionI32 {
		return s.pointGrid.CellAtI32(buf.PositionI32(i), s.lod)
	}
	return s.pointGrid.CellAtF64(buf.PositionF64(i), s.lod)
}

// centerDistance returns a squared distance from the i-th point of buf to
// the center of the sub-cell. Integer positions are measured exactly in
// int64 arithmetic, widened to float64 (lossless for cell sizes in use).
func (s *Sampling) centerDistance(buf *point.Buffer, i int, cell geometry.GridCell) float64 {
	leveled := geometry.LeveledGridCell{Lod: s.lod, Pos: cell}
	if buf.Layout().PositionType() == geometry.PositionI32 {
		p := buf.PositionI32(i)
		c := s.pointGrid.CellCenterI32(leveled)
		dx := int64(p.X) - int64(c.X)
		dy := int64(p.Y) - int64(c.Y)
		dz := int64(p.Z) - int64(c.Z)
		return float64(dx*dx + dy*dy + dz*dz)
	}
	p := buf.PositionF64(i)
	c := s.pointGrid.CellCenterF64(leveled)
	d := p.Sub(c)
	return d.Dot(d)
}

// Insert applies the batch to the sampling. It returns the rejected points
// in input order (collision losers, which may be previously sampled points
// that a closer new point displaced) and the accepted subset of the batch.
func (s *Sampling) Insert(batch *point.Buffer) (rejected, accepted *point.Buffer) {
	rejected = point.NewBuffer(batch.Layout())
	accepted = point.NewBuffer(batch.Layout())
	for i := 0; i < batch.Len(); i++ {
		cell := s.cellOf(batch, i)
		idx, taken := s.grid[cell]
		if !taken {
			s.grid[cell] = int32(s.points.Len())
			s.points.AppendFrom(batch, i)
			accepted.AppendFrom(batch, i)
			continue
		}
		newDist := s.centerDistance(batch, i, cell)
		oldDist := s.centerDistance(s.points, int(idx), cell)
		if newDist <= oldDist {
			// The new point wins; the old one is rejected.
			rejected.AppendPoint(s.points.PointBytes(int(idx)))
			s.points.SetPoint(int(idx), batch.PointBytes(i))
			accepted.AppendFrom(batch, i)
		} else {
			rejected.AppendFrom(batch, i)
		}
	}
	return rejected, accepted
}
