// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package geometry

import (
	"math"

	"github.com/grailbio/base/errors"
)

// ErrOutOfBounds is returned when a global position cannot be represented
// in the local coordinate system.
var ErrOutOfBounds = errors.E(errors.Invalid, "position out of coordinate system bounds")

// PositionType selects the component type of locally stored positions.
type PositionType uint8

const (
	// PositionI32 stores positions as Vec3i32 (fixed point).
	PositionI32 PositionType = iota
	// PositionF64 stores positions as Vec3 (float64).
	PositionF64
)

// String implements fmt.Stringer.
func (t PositionType) String() string {
	switch t {
	case PositionI32:
		return "i32"
	case PositionF64:
		return "f64"
	}
	return "invalid"
}

// CoordinateSystem converts between stored local coordinates and global
// "world" coordinates via global = local*Scale + Offset. The convention
// matches the LAS point record transform.
type CoordinateSystem struct {
	Scale  Vec3 `json:"scale"`
	Offset Vec3 `json:"offset"`
}

// IdentityCoordinateSystem returns a coordinate system with unit scale and
// no offset.
func IdentityCoordinateSystem() CoordinateSystem {
	return CoordinateSystem{Scale: Vec3{1, 1, 1}}
}

// EncodeF64 maps a global position into local f64 coordinates.
// All finite values are representable, so this only fails on non-finite
// intermediate results.
func (c CoordinateSystem) EncodeF64(global Vec3) (Vec3, error) {
	local := global.Sub(c.Offset).CompDiv(c.Scale)
	if outOfRange(local.X, -math.MaxFloat64, math.MaxFloat64) ||
		outOfRange(local.Y, -math.MaxFloat64, math.MaxFloat64) ||
		outOfRange(local.Z, -math.MaxFloat64, math.MaxFloat64) {
		return Vec3{}, ErrOutOfBounds
	}
	return local, nil
}

// EncodeI32 maps a global position into local i32 coordinates, rounding to
// the nearest integer. Fails with ErrOutOfBounds when any component leaves
// the int32 range.
func (c CoordinateSystem) EncodeI32(global Vec3) (Vec3i32, error) {
	local := global.Sub(c.Offset).CompDiv(c.Scale)
	if outOfRange(local.X, math.MinInt32, math.MaxInt32) ||
		outOfRange(local.Y, math.MinInt32, math.MaxInt32) ||
		outOfRange(local.Z, math.MinInt32, math.MaxInt32) {
		return Vec3i32{}, ErrOutOfBounds
	}
	return Vec3i32{
		X: int32(math.Round(local.X)),
		Y: int32(math.Round(local.Y)),
		Z: int32(math.Round(local.Z)),
	}, nil
}

func outOfRange(v, min, max float64) bool {
	return math.IsNaN(v) || v < min || v > max
}

// DecodeF64 maps a local f64 position back to global coordinates.
func (c CoordinateSystem) DecodeF64(local Vec3) Vec3 {
	return c.Offset.Add(local.CompMul(c.Scale))
}

// DecodeI32 maps a local i32 position back to global coordinates.
func (c CoordinateSystem) DecodeI32(local Vec3i32) Vec3 {
	return c.DecodeF64(local.ToF64())
}

// DecodeDistance converts a distance in local units into a global distance,
// assuming a measurement along the x axis.
func (c CoordinateSystem) DecodeDistance(local float64) float64 {
	return c.Scale.X * local
}

// EncodeDistance converts a global distance into local units along the x
// axis.
func (c CoordinateSystem) EncodeDistance(global float64) float64 {
	return global / c.Scale.X
}

// Bounds returns the global-coordinate bounds that are guaranteed to be
// representable by the given position type in this coordinate system.
//
// The result is rounded conservatively: float rounding always moves toward
// the inside of the bounds, so that every position within the returned box
// is guaranteed to encode without ErrOutOfBounds.
func (c CoordinateSystem) Bounds(t PositionType) Aabb {
	var lo, hi float64
	switch t {
	case PositionI32:
		lo, hi = math.MinInt32, math.MaxInt32
	case PositionF64:
		lo, hi = -math.MaxFloat64, math.MaxFloat64
	}
	var result Aabb
	min := [3]*float64{&result.Min.X, &result.Min.Y, &result.Min.Z}
	max := [3]*float64{&result.Max.X, &result.Max.Y, &result.Max.Z}
	scale := [3]float64{c.Scale.X, c.Scale.Y, c.Scale.Z}
	offset := [3]float64{c.Offset.X, c.Offset.Y, c.Offset.Z}
	for i := 0; i < 3; i++ {
		b1 := lo * scale[i]
		b2 := hi * scale[i]
		// Round inward so that dividing by scale lands back in [lo, hi].
		if b1/scale[i] < lo {
			b1 = nextToward(b1, scale[i] > 0)
		}
		if b2/scale[i] > hi {
			b2 = nextToward(b2, scale[i] < 0)
		}
		if scale[i] < 0 {
			b1, b2 = b2, b1
		}
		c1 := b1 + offset[i]
		c2 := b2 + offset[i]
		if c1-offset[i] < b1 {
			c1 = math.Nextafter(c1, math.Inf(1))
		}
		if c2-offset[i] > b2 {
			c2 = math.Nextafter(c2, math.Inf(-1))
		}
		*min[i] = c1
		*max[i] = c2
	}
	return result
}

// nextToward returns the next float after v toward +inf when up is true,
// toward -inf otherwise.
func nextToward(v float64, up bool) float64 {
	if up {
		return math.Nextafter(v, math.Inf(1))
	}
	return math.Nextafter(v, math.Inf(-1))
}
