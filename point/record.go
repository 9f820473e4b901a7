// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package point

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/base/log"
	"github.com/grailbio/lidarserv/geometry"
)

// Record builds one point record field by field. It is a convenience for
// ingestion front-ends and tests; the hot insert path appends whole raw
// records instead.
type Record struct {
	layout *Layout
	raw    []byte
}

// NewRecord returns a zeroed record of the given layout.
func NewRecord(layout *Layout) *Record {
	return &Record{layout: layout, raw: make([]byte, layout.PointSize())}
}

// Bytes returns the encoded record.
func (r *Record) Bytes() []byte {
	return r.raw
}

func (r *Record) attr(name string, want DataType) []byte {
	i, ok := r.layout.Find(name)
	if !ok {
		log.Panicf("layout %v has no attribute %q", r.layout, name)
	}
	a := r.layout.AttributeAt(i)
	if a.DataType != want {
		log.Panicf("attribute %q is %v, not %v", name, a.DataType, want)
	}
	off := r.layout.Offset(i)
	return r.raw[off : off+want.Size()]
}

// SetU8 sets a u8 attribute.
func (r *Record) SetU8(name string, v uint8) *Record {
	r.attr(name, U8)[0] = v
	return r
}

// SetI8 sets an i8 attribute.
func (r *Record) SetI8(name string, v int8) *Record {
	r.attr(name, I8)[0] = uint8(v)
	return r
}

// SetU16 sets a u16 attribute.
func (r *Record) SetU16(name string, v uint16) *Record {
	binary.LittleEndian.PutUint16(r.attr(name, U16), v)
	return r
}

// SetI16 sets an i16 attribute.
func (r *Record) SetI16(name string, v int16) *Record {
	binary.LittleEndian.PutUint16(r.attr(name, I16), uint16(v))
	return r
}

// SetU32 sets a u32 attribute.
func (r *Record) SetU32(name string, v uint32) *Record {
	binary.LittleEndian.PutUint32(r.attr(name, U32), v)
	return r
}

// SetU64 sets a u64 attribute.
func (r *Record) SetU64(name string, v uint64) *Record {
	binary.LittleEndian.PutUint64(r.attr(name, U64), v)
	return r
}

// SetF32 sets an f32 attribute.
func (r *Record) SetF32(name string, v float32) *Record {
	binary.LittleEndian.PutUint32(r.attr(name, F32), math.Float32bits(v))
	return r
}

// SetF64 sets an f64 attribute.
func (r *Record) SetF64(name string, v float64) *Record {
	binary.LittleEndian.PutUint64(r.attr(name, F64), math.Float64bits(v))
	return r
}

// SetVec3U16 sets a vec3<u16> attribute.
func (r *Record) SetVec3U16(name string, x, y, z uint16) *Record {
	raw := r.attr(name, Vec3U16)
	binary.LittleEndian.PutUint16(raw[0:2], x)
	binary.LittleEndian.PutUint16(raw[2:4], y)
	binary.LittleEndian.PutUint16(raw[4:6], z)
	return r
}

// SetPositionI32 sets the position attribute of a vec3<i32> layout.
func (r *Record) SetPositionI32(p geometry.Vec3i32) *Record {
	raw := r.attr(PositionAttributeName, Vec3I32)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(p.X))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(p.Y))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(p.Z))
	return r
}

// SetPositionF64 sets the position attribute of a vec3<f64> layout.
func (r *Record) SetPositionF64(p geometry.Vec3) *Record {
	raw := r.attr(PositionAttributeName, Vec3F64)
	binary.LittleEndian.PutUint64(raw[0:8], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(raw[8:16], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(raw[16:24], math.Float64bits(p.Z))
	return r
}
