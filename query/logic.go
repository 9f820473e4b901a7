// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package query

import (
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// Not negates a query. Note that for non-scalar attribute tests, Not(Eq)
// differs from Neq (which is componentwise all-unequal).
type Not struct {
	Inner Query
}

// And matches points that match all inner queries. And of nothing is Full.
type And []Query

// Or matches points that match at least one inner query. Or of nothing is
// Empty.
type Or []Query

// Prepare implements Query.
func (q Not) Prepare(ctx *Context) (Executable, error) {
	inner, err := q.Inner.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	return notExecutable{inner: inner}, nil
}

// Prepare implements Query.
func (q And) Prepare(ctx *Context) (Executable, error) {
	inner, err := prepareAll(ctx, q)
	if err != nil {
		return nil, err
	}
	return andExecutable{inner: inner}, nil
}

// Prepare implements Query.
func (q Or) Prepare(ctx *Context) (Executable, error) {
	inner, err := prepareAll(ctx, q)
	if err != nil {
		return nil, err
	}
	return orExecutable{inner: inner}, nil
}

func prepareAll(ctx *Context, queries []Query) ([]Executable, error) {
	inner := make([]Executable, len(queries))
	for i, q := range queries {
		var err error
		if inner[i], err = q.Prepare(ctx); err != nil {
			return nil, err
		}
	}
	return inner, nil
}

type notExecutable struct {
	inner Executable
}

func (q notExecutable) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	return q.inner.MatchesNode(cell).Inverse()
}

func (q notExecutable) MatchesPoints(lod geometry.LodLevel, points *point.Buffer) []bool {
	bits := q.inner.MatchesPoints(lod, points)
	for i := range bits {
		bits[i] = !bits[i]
	}
	return bits
}

type andExecutable struct {
	inner []Executable
}

func (q andExecutable) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	result := Positive
	for _, inner := range q.inner {
		result = result.And(inner.MatchesNode(cell))
		if result == Negative {
			break
		}
	}
	return result
}

func (q andExecutable) MatchesPoints(lod geometry.LodLevel, points *point.Buffer) []bool {
	bits := allBits(points.Len(), true)
	for _, inner := range q.inner {
		for i, b := range inner.MatchesPoints(lod, points) {
			bits[i] = bits[i] && b
		}
	}
	return bits
}

type orExecutable struct {
	inner []Executable
}

func (q orExecutable) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	result := Negative
	for _, inner := range q.inner {
		result = result.Or(inner.MatchesNode(cell))
		if result == Positive {
			break
		}
	}
	return result
}

func (q orExecutable) MatchesPoints(lod geometry.LodLevel, points *point.Buffer) []bool {
	bits := make([]bool, points.Len())
	for _, inner := range q.inner {
		for i, b := range inner.MatchesPoints(lod, points) {
			bits[i] = bits[i] || b
		}
	}
	return bits
}
