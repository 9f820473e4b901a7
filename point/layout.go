// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package point defines the point data model: attribute schemas ("layouts")
// with fixed offsets and primitive types, and interleaved point buffers.
// All attributes other than the position are opaque to the index core and
// are copied bitwise.
package point

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/lidarserv/geometry"
)

// ErrLayoutMismatch is returned when a point buffer's layout does not match
// the layout expected by the receiving component.
var ErrLayoutMismatch = errors.E(errors.Invalid, "point layout mismatch")

// DataType enumerates the primitive types an attribute can have.
type DataType uint8

const (
	// InvalidType is the zero DataType. It never appears in a valid layout.
	InvalidType DataType = iota
	U8
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F32
	F64
	Vec3U8
	Vec3U16
	Vec3F32
	Vec3I32
	Vec3F64
	Vec4U8
)

var dataTypeInfo = map[DataType]struct {
	name       string
	size       int
	components int
	component  DataType
}{
	U8:      {"u8", 1, 1, U8},
	U16:     {"u16", 2, 1, U16},
	U32:     {"u32", 4, 1, U32},
	U64:     {"u64", 8, 1, U64},
	I8:      {"i8", 1, 1, I8},
	I16:     {"i16", 2, 1, I16},
	I32:     {"i32", 4, 1, I32},
	I64:     {"i64", 8, 1, I64},
	F32:     {"f32", 4, 1, F32},
	F64:     {"f64", 8, 1, F64},
	Vec3U8:  {"vec3<u8>", 3, 3, U8},
	Vec3U16: {"vec3<u16>", 6, 3, U16},
	Vec3F32: {"vec3<f32>", 12, 3, F32},
	Vec3I32: {"vec3<i32>", 12, 3, I32},
	Vec3F64: {"vec3<f64>", 24, 3, F64},
	Vec4U8:  {"vec4<u8>", 4, 4, U8},
}

// Size returns the encoded size of a value in bytes.
func (t DataType) Size() int {
	return dataTypeInfo[t].size
}

// NumComponents returns the number of vector components (1 for scalars).
func (t DataType) NumComponents() int {
	return dataTypeInfo[t].components
}

// Component returns the scalar component type.
func (t DataType) Component() DataType {
	return dataTypeInfo[t].component
}

// Valid reports whether t is one of the defined data types.
func (t DataType) Valid() bool {
	_, ok := dataTypeInfo[t]
	return ok
}

// String implements fmt.Stringer.
func (t DataType) String() string {
	if info, ok := dataTypeInfo[t]; ok {
		return info.name
	}
	return fmt.Sprintf("invalid(%d)", uint8(t))
}

// Attribute names one typed per-point value.
type Attribute struct {
	Name     string
	DataType DataType
}

// PositionAttributeName is the distinguished name of the position
// attribute. Every layout carries it exactly once, typed vec3<i32> (local
// coordinates) or vec3<f64> (global coordinates).
const PositionAttributeName = "Position3D"

// Well-known attributes of LiDAR capture devices. Only Position3D has
// meaning to the core; the rest are carried through and may be configured
// for attribute indexing.
var (
	PositionI32       = Attribute{PositionAttributeName, Vec3I32}
	PositionF64       = Attribute{PositionAttributeName, Vec3F64}
	Intensity         = Attribute{"Intensity", U16}
	ReturnNumber      = Attribute{"ReturnNumber", U8}
	NumberOfReturns   = Attribute{"NumberOfReturns", U8}
	ScanDirectionFlag = Attribute{"ScanDirectionFlag", U8}
	EdgeOfFlightLine  = Attribute{"EdgeOfFlightLine", U8}
	Classification    = Attribute{"Classification", U8}
	ScanAngleRank     = Attribute{"ScanAngleRank", I8}
	UserData          = Attribute{"UserData", U8}
	PointSourceID     = Attribute{"PointSourceID", U16}
	GpsTime           = Attribute{"GpsTime", F64}
	ColorRGB          = Attribute{"ColorRGB", Vec3U16}
)

// Layout is an ordered sequence of attributes with computed byte offsets.
// Layouts are immutable after construction.
type Layout struct {
	attrs    []Attribute
	offsets  []int
	size     int
	posIdx   int
	posType  geometry.PositionType
	byName   map[string]int
}

// NewLayout builds a layout from the given attributes. The attributes must
// include Position3D typed vec3<i32> or vec3<f64>, and names must be
// unique.
func NewLayout(attrs ...Attribute) (*Layout, error) {
	l := &Layout{
		attrs:   make([]Attribute, len(attrs)),
		offsets: make([]int, len(attrs)),
		posIdx:  -1,
		byName:  make(map[string]int, len(attrs)),
	}
	copy(l.attrs, attrs)
	for i, a := range attrs {
		if !a.DataType.Valid() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("attribute %q has invalid data type", a.Name))
		}
		if _, dup := l.byName[a.Name]; dup {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("duplicate attribute %q", a.Name))
		}
		l.byName[a.Name] = i
		l.offsets[i] = l.size
		l.size += a.DataType.Size()
		if a.Name == PositionAttributeName {
			l.posIdx = i
			switch a.DataType {
			case Vec3I32:
				l.posType = geometry.PositionI32
			case Vec3F64:
				l.posType = geometry.PositionF64
			default:
				return nil, errors.E(errors.Invalid,
					fmt.Sprintf("position attribute has unsupported type %v", a.DataType))
			}
		}
	}
	if l.posIdx < 0 {
		return nil, errors.E(errors.Invalid, "layout is missing the position attribute")
	}
	return l, nil
}

// MustNewLayout is NewLayout, panicking on error. For statically known
// layouts.
func MustNewLayout(attrs ...Attribute) *Layout {
	l, err := NewLayout(attrs...)
	if err != nil {
		panic(err)
	}
	return l
}

// Attributes returns the layout's attributes in order.
func (l *Layout) Attributes() []Attribute {
	return l.attrs
}

// NumAttributes returns the number of attributes.
func (l *Layout) NumAttributes() int {
	return len(l.attrs)
}

// AttributeAt returns the i-th attribute.
func (l *Layout) AttributeAt(i int) Attribute {
	return l.attrs[i]
}

// Offset returns the byte offset of the i-th attribute within a point
// record.
func (l *Layout) Offset(i int) int {
	return l.offsets[i]
}

// Find returns the index of the attribute with the given name.
func (l *Layout) Find(name string) (int, bool) {
	i, ok := l.byName[name]
	return i, ok
}

// PointSize returns the size of one point record in bytes.
func (l *Layout) PointSize() int {
	return l.size
}

// PositionIndex returns the index of the position attribute.
func (l *Layout) PositionIndex() int {
	return l.posIdx
}

// PositionType returns the component type of the position attribute.
func (l *Layout) PositionType() geometry.PositionType {
	return l.posType
}

// Equal reports whether two layouts have the same attributes in the same
// order.
func (l *Layout) Equal(other *Layout) bool {
	if l == other {
		return true
	}
	if l == nil || other == nil || len(l.attrs) != len(other.attrs) {
		return false
	}
	for i := range l.attrs {
		if l.attrs[i] != other.attrs[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (l *Layout) String() string {
	s := "layout{"
	for i, a := range l.attrs {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s:%v", a.Name, a.DataType)
	}
	return s + "}"
}
