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

// Buffer stores points of one layout interleaved in a flat byte slice.
// All multi-byte values are little endian, which makes the in-memory form
// identical to the on-disk record form.
//
// Buffer is not safe for concurrent mutation; concurrent readers are fine.
type Buffer struct {
	layout *Layout
	data   []byte
}

// NewBuffer returns an empty buffer with the given layout.
func NewBuffer(layout *Layout) *Buffer {
	return &Buffer{layout: layout}
}

// NewBufferCapacity returns an empty buffer with capacity for n points.
func NewBufferCapacity(layout *Layout, n int) *Buffer {
	return &Buffer{layout: layout, data: make([]byte, 0, n*layout.PointSize())}
}

// BufferFromBytes wraps raw interleaved point records in a buffer. The data
// length must be a multiple of the layout's point size.
func BufferFromBytes(layout *Layout, data []byte) (*Buffer, error) {
	if len(data)%layout.PointSize() != 0 {
		return nil, ErrLayoutMismatch
	}
	return &Buffer{layout: layout, data: data}, nil
}

// Layout returns the buffer's layout.
func (b *Buffer) Layout() *Layout {
	return b.layout
}

// Len returns the number of points.
func (b *Buffer) Len() int {
	return len(b.data) / b.layout.PointSize()
}

// Bytes returns the raw interleaved records. The slice aliases the
// buffer's storage.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// PointBytes returns the record of the i-th point. The slice aliases the
// buffer's storage.
func (b *Buffer) PointBytes(i int) []byte {
	size := b.layout.PointSize()
	return b.data[i*size : (i+1)*size : (i+1)*size]
}

// AttrBytes returns the bytes of one attribute of the i-th point.
func (b *Buffer) AttrBytes(i, attrIdx int) []byte {
	off := i*b.layout.PointSize() + b.layout.Offset(attrIdx)
	return b.data[off : off+b.layout.AttributeAt(attrIdx).DataType.Size()]
}

// AppendPoint appends one raw point record.
// REQUIRES: len(raw) == layout.PointSize().
func (b *Buffer) AppendPoint(raw []byte) {
	if len(raw) != b.layout.PointSize() {
		log.Panicf("point record size %d does not match layout size %d", len(raw), b.layout.PointSize())
	}
	b.data = append(b.data, raw...)
}

// Append appends all points of other. The layouts must be equal.
func (b *Buffer) Append(other *Buffer) {
	if !b.layout.Equal(other.layout) {
		log.Panicf("appending buffer with layout %v to buffer with layout %v", other.layout, b.layout)
	}
	b.data = append(b.data, other.data...)
}

// AppendFrom appends the i-th point of other. The layouts must be equal.
func (b *Buffer) AppendFrom(other *Buffer, i int) {
	b.data = append(b.data, other.PointBytes(i)...)
}

// SetPoint overwrites the record of the i-th point.
func (b *Buffer) SetPoint(i int, raw []byte) {
	copy(b.PointBytes(i), raw)
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buffer{layout: b.layout, data: data}
}

// Truncate drops all points at index n and above.
func (b *Buffer) Truncate(n int) {
	b.data = b.data[:n*b.layout.PointSize()]
}

// SplitOff removes the points at index at and above from b and returns
// them as a new buffer.
func (b *Buffer) SplitOff(at int) *Buffer {
	tail := NewBufferCapacity(b.layout, b.Len()-at)
	tail.data = append(tail.data, b.data[at*b.layout.PointSize():]...)
	b.Truncate(at)
	return tail
}

// Filter returns a new buffer holding the points whose bit is set in keep.
// REQUIRES: len(keep) == b.Len().
func (b *Buffer) Filter(keep []bool) *Buffer {
	if len(keep) != b.Len() {
		log.Panicf("filter bitmap length %d does not match buffer length %d", len(keep), b.Len())
	}
	out := NewBuffer(b.layout)
	for i, k := range keep {
		if k {
			out.AppendFrom(b, i)
		}
	}
	return out
}

// PositionI32 returns the i-th point's position.
// REQUIRES: the layout's position type is PositionI32.
func (b *Buffer) PositionI32(i int) geometry.Vec3i32 {
	raw := b.AttrBytes(i, b.layout.PositionIndex())
	return geometry.Vec3i32{
		X: int32(binary.LittleEndian.Uint32(raw[0:4])),
		Y: int32(binary.LittleEndian.Uint32(raw[4:8])),
		Z: int32(binary.LittleEndian.Uint32(raw[8:12])),
	}
}

// PositionF64 returns the i-th point's position.
// REQUIRES: the layout's position type is PositionF64.
func (b *Buffer) PositionF64(i int) geometry.Vec3 {
	raw := b.AttrBytes(i, b.layout.PositionIndex())
	return geometry.Vec3{
		X: math.Float64frombits(binary.LittleEndian.Uint64(raw[0:8])),
		Y: math.Float64frombits(binary.LittleEndian.Uint64(raw[8:16])),
		Z: math.Float64frombits(binary.LittleEndian.Uint64(raw[16:24])),
	}
}

// PositionAsF64 returns the i-th point's position widened to f64
// components, regardless of the layout's position type.
func (b *Buffer) PositionAsF64(i int) geometry.Vec3 {
	if b.layout.PositionType() == geometry.PositionI32 {
		return b.PositionI32(i).ToF64()
	}
	return b.PositionF64(i)
}

// SetPositionI32 overwrites the i-th point's position.
func (b *Buffer) SetPositionI32(i int, p geometry.Vec3i32) {
	raw := b.AttrBytes(i, b.layout.PositionIndex())
	binary.LittleEndian.PutUint32(raw[0:4], uint32(p.X))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(p.Y))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(p.Z))
}

// SetPositionF64 overwrites the i-th point's position.
func (b *Buffer) SetPositionF64(i int, p geometry.Vec3) {
	raw := b.AttrBytes(i, b.layout.PositionIndex())
	binary.LittleEndian.PutUint64(raw[0:8], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(raw[8:16], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(raw[16:24], math.Float64bits(p.Z))
}
