// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package query

import (
	"encoding/binary"
	"math"

	pkgerrors "github.com/pkg/errors"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// TestOp enumerates attribute test operators. For non-scalar attributes,
// all operators require ALL components to satisfy the comparison; in
// particular OpNeq is not the logical negation of OpEq.
type TestOp uint8

const (
	OpEq TestOp = iota
	OpNeq
	OpLess
	OpLessEq
	OpGreater
	OpGreaterEq
	// Range operators carry two operands; inclusivity of each bound varies.
	OpRangeExclusive
	OpRangeLeftInclusive
	OpRangeRightInclusive
	OpRangeAllInclusive
)

// String implements fmt.Stringer.
func (op TestOp) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNeq:
		return "neq"
	case OpLess:
		return "less"
	case OpLessEq:
		return "less_eq"
	case OpGreater:
		return "greater"
	case OpGreaterEq:
		return "greater_eq"
	case OpRangeExclusive:
		return "range()"
	case OpRangeLeftInclusive:
		return "range[)"
	case OpRangeRightInclusive:
		return "range(]"
	case OpRangeAllInclusive:
		return "range[]"
	}
	return "invalid"
}

// IsRange reports whether the operator carries two operands.
func (op TestOp) IsRange() bool {
	return op >= OpRangeExclusive
}

// AttributeTest is one attribute predicate. Operands are carried as raw
// little-endian bytes of the attribute's data type, which keeps the test
// exact for every primitive type and lets one value cross the index's
// type-erased boundary.
type AttributeTest struct {
	Op       TestOp
	DataType point.DataType
	Operand  []byte
	// Operand2 is the upper bound of range operators, unused otherwise.
	Operand2 []byte
}

// Operand builders for the scalar and vector primitive types.

// OperandU8 encodes a u8 operand.
func OperandU8(v uint8) []byte { return []byte{v} }

// OperandI8 encodes an i8 operand.
func OperandI8(v int8) []byte { return []byte{uint8(v)} }

// OperandU16 encodes a u16 operand.
func OperandU16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

// OperandI16 encodes an i16 operand.
func OperandI16(v int16) []byte { return binary.LittleEndian.AppendUint16(nil, uint16(v)) }

// OperandU32 encodes a u32 operand.
func OperandU32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

// OperandU64 encodes a u64 operand.
func OperandU64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

// OperandF32 encodes an f32 operand.
func OperandF32(v float32) []byte {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
}

// OperandF64 encodes an f64 operand.
func OperandF64(v float64) []byte {
	return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
}

// OperandVec3U16 encodes a vec3<u16> operand.
func OperandVec3U16(x, y, z uint16) []byte {
	out := binary.LittleEndian.AppendUint16(nil, x)
	out = binary.LittleEndian.AppendUint16(out, y)
	return binary.LittleEndian.AppendUint16(out, z)
}

// Attribute matches points whose attribute value satisfies a test. Node
// classification is answered by the attribute index when one is
// configured for the attribute; otherwise every node is Partial and the
// test runs at point level only.
type Attribute struct {
	Attr point.Attribute
	Test AttributeTest
}

// Prepare implements Query.
func (q Attribute) Prepare(ctx *Context) (Executable, error) {
	idx, ok := ctx.Layout.Find(q.Attr.Name)
	if !ok {
		return nil, pkgerrors.Wrapf(ErrPrepare, "layout has no attribute %q", q.Attr.Name)
	}
	if got := ctx.Layout.AttributeAt(idx).DataType; got != q.Attr.DataType {
		return nil, pkgerrors.Wrapf(ErrPrepare, "attribute %q is %v, queried as %v",
			q.Attr.Name, got, q.Attr.DataType)
	}
	if q.Test.DataType != q.Attr.DataType {
		return nil, pkgerrors.Wrapf(ErrPrepare, "test operand is %v, attribute %q is %v",
			q.Test.DataType, q.Attr.Name, q.Attr.DataType)
	}
	if len(q.Test.Operand) != q.Attr.DataType.Size() {
		return nil, pkgerrors.Wrapf(ErrPrepare, "operand size %d does not match %v",
			len(q.Test.Operand), q.Attr.DataType)
	}
	if q.Test.Op.IsRange() && len(q.Test.Operand2) != q.Attr.DataType.Size() {
		return nil, pkgerrors.Wrapf(ErrPrepare, "range operand size %d does not match %v",
			len(q.Test.Operand2), q.Attr.DataType)
	}
	return &attributeExecutable{
		attr:     q.Attr,
		attrIdx:  idx,
		test:     q.Test,
		attrIdxr: ctx.AttributeIndex,
	}, nil
}

type attributeExecutable struct {
	attr     point.Attribute
	attrIdx  int
	test     AttributeTest
	attrIdxr AttributeTester
}

func (q *attributeExecutable) MatchesNode(cell geometry.LeveledGridCell) NodeQueryResult {
	if q.attrIdxr == nil {
		return Partial
	}
	return q.attrIdxr.TestAttribute(cell, q.attr, q.test)
}

func (q *attributeExecutable) MatchesPoints(_ geometry.LodLevel, points *point.Buffer) []bool {
	bits := make([]bool, points.Len())
	for i := range bits {
		bits[i] = EvalTest(q.test, points.AttrBytes(i, q.attrIdx))
	}
	return bits
}

// EvalTest evaluates one attribute test against a single encoded value.
// Vector values match only when every component satisfies the comparison.
func EvalTest(test AttributeTest, value []byte) bool {
	switch test.Op {
	case OpRangeExclusive:
		return evalSingle(OpGreater, test.DataType, value, test.Operand) &&
			evalSingle(OpLess, test.DataType, value, test.Operand2)
	case OpRangeLeftInclusive:
		return evalSingle(OpGreaterEq, test.DataType, value, test.Operand) &&
			evalSingle(OpLess, test.DataType, value, test.Operand2)
	case OpRangeRightInclusive:
		return evalSingle(OpGreater, test.DataType, value, test.Operand) &&
			evalSingle(OpLessEq, test.DataType, value, test.Operand2)
	case OpRangeAllInclusive:
		return evalSingle(OpGreaterEq, test.DataType, value, test.Operand) &&
			evalSingle(OpLessEq, test.DataType, value, test.Operand2)
	default:
		return evalSingle(test.Op, test.DataType, value, test.Operand)
	}
}

func evalSingle(op TestOp, dt point.DataType, value, operand []byte) bool {
	comp := dt.Component()
	for i := 0; i < dt.NumComponents(); i++ {
		c := point.CompareComponent(comp, point.Component(dt, value, i), point.Component(dt, operand, i))
		var ok bool
		switch op {
		case OpEq:
			ok = c == 0
		case OpNeq:
			ok = c != 0
		case OpLess:
			ok = c < 0
		case OpLessEq:
			ok = c <= 0
		case OpGreater:
			ok = c > 0
		case OpGreaterEq:
			ok = c >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}
