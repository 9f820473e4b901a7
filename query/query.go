// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package query defines the query model of the point cloud index: a small
// AST of composable filters, prepared against a query context into
// executables that classify octree nodes (negative / positive / partial)
// and, when needed, filter individual points.
package query

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// ErrPrepare is returned when a query cannot be prepared against a
// context, e.g. because an attribute test does not match the layout.
var ErrPrepare = errors.E(errors.Invalid, "query preparation failed")

// NodeQueryResult describes how an octree node relates to a query.
type NodeQueryResult uint8

const (
	// Negative: no point in the node or its subtree can match. Do not
	// recurse.
	Negative NodeQueryResult = iota
	// Positive: every point in the node matches; no point-level filtering
	// is needed. Recurse into children.
	Positive
	// Partial: some points may match; filter at point level if enabled.
	// Recurse into children.
	Partial
)

// String implements fmt.Stringer.
func (r NodeQueryResult) String() string {
	switch r {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	case Partial:
		return "partial"
	}
	return "invalid"
}

// Inverse returns the result of the negated query.
func (r NodeQueryResult) Inverse() NodeQueryResult {
	switch r {
	case Negative:
		return Positive
	case Positive:
		return Negative
	}
	return Partial
}

// And combines node results conjunctively.
func (r NodeQueryResult) And(other NodeQueryResult) NodeQueryResult {
	if r == Negative || other == Negative {
		return Negative
	}
	if r == Positive && other == Positive {
		return Positive
	}
	return Partial
}

// Or combines node results disjunctively.
func (r NodeQueryResult) Or(other NodeQueryResult) NodeQueryResult {
	if r == Positive || other == Positive {
		return Positive
	}
	if r == Negative && other == Negative {
		return Negative
	}
	return Partial
}

// LoadKind tells a reader whether a node's points can be passed through
// unfiltered or need point-level filtering.
type LoadKind uint8

const (
	// LoadFull passes all points of the node through.
	LoadFull LoadKind = iota
	// LoadFilter applies MatchesPoints before emitting.
	LoadFilter
)

// ShouldLoad maps a node result to a load decision. The second return
// value is false when the node must not be loaded at all.
func (r NodeQueryResult) ShouldLoad(pointFiltering bool) (LoadKind, bool) {
	switch r {
	case Negative:
		return LoadFull, false
	case Positive:
		return LoadFull, true
	default:
		if pointFiltering {
			return LoadFilter, true
		}
		return LoadFull, true
	}
}

// AttributeTester answers attribute tests per node. It is implemented by
// the attribute index; a context without one treats every node as Partial.
type AttributeTester interface {
	TestAttribute(cell geometry.LeveledGridCell, attr point.Attribute, test AttributeTest) NodeQueryResult
}

// Context supplies everything query preparation might need: grid
// hierarchies, the coordinate system, the point layout and the attribute
// index handle.
type Context struct {
	NodeHierarchy    geometry.GridHierarchy
	PointHierarchy   geometry.GridHierarchy
	CoordinateSystem geometry.CoordinateSystem
	PositionType     geometry.PositionType
	Layout           *point.Layout
	AttributeIndex   AttributeTester
}

// Query is a filter description that can be prepared for execution against
// a concrete octree.
type Query interface {
	// Prepare converts coordinates into the local coordinate system,
	// resolves attributes against the layout and returns the executable
	// form.
	Prepare(ctx *Context) (Executable, error)
}

// Executable is a prepared query.
type Executable interface {
	// MatchesNode classifies one octree node.
	MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult
	// MatchesPoints tests each point in the buffer, returning one bool
	// per point.
	MatchesPoints(lod geometry.LodLevel, points *point.Buffer) []bool
}

// Empty matches nothing.
type Empty struct{}

// Full matches everything.
type Full struct{}

// Lod matches all points at levels of detail up to and including Max.
type Lod struct {
	Max geometry.LodLevel
}

// Prepare implements Query.
func (q Empty) Prepare(*Context) (Executable, error) {
	return emptyExecutable{}, nil
}

// Prepare implements Query.
func (q Full) Prepare(*Context) (Executable, error) {
	return fullExecutable{}, nil
}

// Prepare implements Query.
func (q Lod) Prepare(*Context) (Executable, error) {
	return lodExecutable{max: q.Max}, nil
}

type emptyExecutable struct{}

func (emptyExecutable) MatchesNode(geometry.LeveledGridCell) NodeQueryResult {
	return Negative
}

func (emptyExecutable) MatchesPoints(_ geometry.LodLevel, points *point.Buffer) []bool {
	return make([]bool, points.Len())
}

type fullExecutable struct{}

func (fullExecutable) MatchesNode(geometry.LeveledGridCell) NodeQueryResult {
	return Positive
}

func (fullExecutable) MatchesPoints(_ geometry.LodLevel, points *point.Buffer) []bool {
	return allBits(points.Len(), true)
}

type lodExecutable struct {
	max geometry.LodLevel
}

func (q lodExecutable) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	if cell.Lod <= q.max {
		return Positive
	}
	return Negative
}

func (q lodExecutable) MatchesPoints(lod geometry.LodLevel, points *point.Buffer) []bool {
	return allBits(points.Len(), lod <= q.max)
}

func allBits(n int, v bool) []bool {
	bits := make([]bool, n)
	if v {
		for i := range bits {
			bits[i] = true
		}
	}
	return bits
}
