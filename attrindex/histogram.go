// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package attrindex

import (
	"math"

	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
)

// HistogramSummary counts indexed values per bin over a configured value
// range. Values outside the range are clamped into the edge bins, which is
// why the histogram never answers Positive: edge bins may hold values
// beyond their nominal interval.
type HistogramSummary struct {
	Counts []uint64 `cbor:"counts"`
}

// histogramAccel summarizes scalar integer attributes by a fixed-bin
// histogram over [lo, hi].
type histogramAccel struct {
	dataType point.DataType
	lo, hi   int64
	bins     int
	binWidth int64
}

func newHistogramAccel(dt point.DataType, lo, hi int64, bins int) histogramAccel {
	// Width rounds up so that bins*binWidth covers the full range.
	width := ((hi - lo + 1) + int64(bins) - 1) / int64(bins)
	if width < 1 {
		width = 1
	}
	return histogramAccel{dataType: dt, lo: lo, hi: hi, bins: bins, binWidth: width}
}

func (a histogramAccel) binIndex(v int64) int {
	if v < a.lo {
		v = a.lo
	}
	if v > a.hi {
		v = a.hi
	}
	idx := int((v - a.lo) / a.binWidth)
	if idx >= a.bins {
		idx = a.bins - 1
	}
	return idx
}

func (a histogramAccel) index(buf *point.Buffer, attrIdx int) HistogramSummary {
	s := HistogramSummary{Counts: make([]uint64, a.bins)}
	for i := 0; i < buf.Len(); i++ {
		v := point.ComponentAsInt64(a.dataType, buf.AttrBytes(i, attrIdx))
		s.Counts[a.binIndex(v)]++
	}
	return s
}

func (a histogramAccel) merge(dst *HistogramSummary, src HistogramSummary) {
	if len(dst.Counts) < len(src.Counts) {
		grown := make([]uint64, len(src.Counts))
		copy(grown, dst.Counts)
		dst.Counts = grown
	}
	for i, c := range src.Counts {
		dst.Counts[i] += c
	}
}

// test narrows the matching value interval and reports Negative when every
// overlapping bin is empty. It never reports Positive (see
// HistogramSummary).
func (a histogramAccel) test(s *HistogramSummary, test query.AttributeTest) query.NodeQueryResult {
	if len(s.Counts) == 0 {
		return query.Negative
	}
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	operand := func(raw []byte) int64 {
		return point.ComponentAsInt64(a.dataType, raw)
	}
	switch test.Op {
	case query.OpEq:
		v := operand(test.Operand)
		lo, hi = v, v
	case query.OpNeq:
		// The histogram cannot prove all points equal the operand.
		return query.Partial
	case query.OpLess:
		hi = operand(test.Operand) - 1
	case query.OpLessEq:
		hi = operand(test.Operand)
	case query.OpGreater:
		lo = operand(test.Operand) + 1
	case query.OpGreaterEq:
		lo = operand(test.Operand)
	case query.OpRangeExclusive:
		lo, hi = operand(test.Operand)+1, operand(test.Operand2)-1
	case query.OpRangeLeftInclusive:
		lo, hi = operand(test.Operand), operand(test.Operand2)-1
	case query.OpRangeRightInclusive:
		lo, hi = operand(test.Operand)+1, operand(test.Operand2)
	case query.OpRangeAllInclusive:
		lo, hi = operand(test.Operand), operand(test.Operand2)
	}
	if lo > hi {
		return query.Negative
	}
	// Values beyond the configured range land in the edge bins, so a
	// query interval touching the outside must include them.
	loBin := 0
	if lo > a.lo {
		loBin = a.binIndex(lo)
	}
	hiBin := a.bins - 1
	if hi < a.hi {
		hiBin = a.binIndex(hi)
	}
	for i := loBin; i <= hiBin && i < len(s.Counts); i++ {
		if s.Counts[i] > 0 {
			return query.Partial
		}
	}
	return query.Negative
}
