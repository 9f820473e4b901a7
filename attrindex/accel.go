// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package attrindex maintains per-attribute, per-node accelerators:
// compact summaries of the attribute values stored in each octree node,
// able to answer attribute predicates with negative / positive / partial
// verdicts without touching point data.
package attrindex

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
)

// RangeSummary tracks the componentwise minimum and maximum of all values
// indexed into a node. Components are raw little-endian encodings of the
// attribute's component type, so comparisons stay exact for every
// primitive type.
type RangeSummary struct {
	Min [][]byte `cbor:"min"`
	Max [][]byte `cbor:"max"`
}

// rangeAccel summarizes values by componentwise min/max.
type rangeAccel struct {
	dataType point.DataType
}

func (a rangeAccel) index(buf *point.Buffer, attrIdx int) RangeSummary {
	dt := a.dataType
	comp := dt.Component()
	n := dt.NumComponents()
	s := RangeSummary{Min: make([][]byte, n), Max: make([][]byte, n)}
	for i := 0; i < buf.Len(); i++ {
		value := buf.AttrBytes(i, attrIdx)
		for c := 0; c < n; c++ {
			raw := point.Component(dt, value, c)
			if s.Min[c] == nil || point.CompareComponent(comp, raw, s.Min[c]) < 0 {
				s.Min[c] = append([]byte(nil), raw...)
			}
			if s.Max[c] == nil || point.CompareComponent(comp, raw, s.Max[c]) > 0 {
				s.Max[c] = append([]byte(nil), raw...)
			}
		}
	}
	return s
}

func (a rangeAccel) merge(dst *RangeSummary, src RangeSummary) {
	comp := a.dataType.Component()
	for c := range src.Min {
		if src.Min[c] == nil {
			continue
		}
		if dst.Min[c] == nil || point.CompareComponent(comp, src.Min[c], dst.Min[c]) < 0 {
			dst.Min[c] = src.Min[c]
		}
		if dst.Max[c] == nil || point.CompareComponent(comp, src.Max[c], dst.Max[c]) > 0 {
			dst.Max[c] = src.Max[c]
		}
	}
}

// test classifies a node from its min/max summary. All operators use
// componentwise ALL semantics: a point matches only when every component
// satisfies the comparison.
func (a rangeAccel) test(s *RangeSummary, test query.AttributeTest) query.NodeQueryResult {
	switch test.Op {
	case query.OpRangeExclusive:
		return a.testSingle(s, query.OpGreater, test.Operand).
			And(a.testSingle(s, query.OpLess, test.Operand2))
	case query.OpRangeLeftInclusive:
		return a.testSingle(s, query.OpGreaterEq, test.Operand).
			And(a.testSingle(s, query.OpLess, test.Operand2))
	case query.OpRangeRightInclusive:
		return a.testSingle(s, query.OpGreater, test.Operand).
			And(a.testSingle(s, query.OpLessEq, test.Operand2))
	case query.OpRangeAllInclusive:
		return a.testSingle(s, query.OpGreaterEq, test.Operand).
			And(a.testSingle(s, query.OpLessEq, test.Operand2))
	default:
		return a.testSingle(s, test.Op, test.Operand)
	}
}

func (a rangeAccel) testSingle(s *RangeSummary, op query.TestOp, operand []byte) query.NodeQueryResult {
	dt := a.dataType
	comp := dt.Component()
	n := dt.NumComponents()
	if len(s.Min) != n || s.Min[0] == nil {
		// Nothing indexed into this node yet.
		return query.Negative
	}
	switch op {
	case query.OpEq:
		// A point matches when every component equals the operand.
		positive := true
		for c := 0; c < n; c++ {
			o := point.Component(dt, operand, c)
			if point.CompareComponent(comp, o, s.Min[c]) < 0 ||
				point.CompareComponent(comp, o, s.Max[c]) > 0 {
				return query.Negative
			}
			if point.CompareComponent(comp, s.Min[c], s.Max[c]) != 0 ||
				point.CompareComponent(comp, s.Min[c], o) != 0 {
				positive = false
			}
		}
		if positive {
			return query.Positive
		}
		return query.Partial
	case query.OpNeq:
		// A point matches when every component differs from the operand.
		positive := true
		for c := 0; c < n; c++ {
			o := point.Component(dt, operand, c)
			// All points share this component value and it equals the
			// operand: no point can match.
			if point.CompareComponent(comp, s.Min[c], s.Max[c]) == 0 &&
				point.CompareComponent(comp, s.Min[c], o) == 0 {
				return query.Negative
			}
			// The operand lies within this component's range, so some
			// point may collide on it.
			if point.CompareComponent(comp, o, s.Min[c]) >= 0 &&
				point.CompareComponent(comp, o, s.Max[c]) <= 0 {
				positive = false
			}
		}
		if positive {
			return query.Positive
		}
		return query.Partial
	case query.OpLess, query.OpLessEq, query.OpGreater, query.OpGreaterEq:
		result := query.Positive
		for c := 0; c < n; c++ {
			o := point.Component(dt, operand, c)
			cMin := point.CompareComponent(comp, s.Min[c], o)
			cMax := point.CompareComponent(comp, s.Max[c], o)
			var compResult query.NodeQueryResult
			switch op {
			case query.OpLess:
				compResult = classify(cMax < 0, cMin >= 0)
			case query.OpLessEq:
				compResult = classify(cMax <= 0, cMin > 0)
			case query.OpGreater:
				compResult = classify(cMin > 0, cMax <= 0)
			case query.OpGreaterEq:
				compResult = classify(cMin >= 0, cMax < 0)
			}
			result = result.And(compResult)
			if result == query.Negative {
				return query.Negative
			}
		}
		return result
	}
	log.Panicf("range accelerator asked to test %v", op)
	return query.Partial
}

// classify maps "all points satisfy" / "no point satisfies" flags to a
// node result.
func classify(all, none bool) query.NodeQueryResult {
	switch {
	case all:
		return query.Positive
	case none:
		return query.Negative
	}
	return query.Partial
}
