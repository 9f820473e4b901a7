// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package geometry

import "math"

// Aabb is an axis-aligned bounding box with float64 bounds. The zero value
// is not meaningful; use EmptyAabb or NewAabb. An Aabb with any Min
// component greater than the corresponding Max component is empty.
type Aabb struct {
	Min, Max Vec3
}

// EmptyAabb returns the empty bounding box. Extending it with a point
// yields the degenerate box containing exactly that point.
func EmptyAabb() Aabb {
	return Aabb{
		Min: Vec3{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
}

// NewAabb returns the bounding box with the given corners.
func NewAabb(min, max Vec3) Aabb {
	return Aabb{Min: min, Max: max}
}

// IsEmpty reports whether the box contains no point.
func (a Aabb) IsEmpty() bool {
	return a.Min.X > a.Max.X || a.Min.Y > a.Max.Y || a.Min.Z > a.Max.Z
}

// Extend grows the box to include p.
func (a *Aabb) Extend(p Vec3) {
	a.Min = a.Min.Inf(p)
	a.Max = a.Max.Sup(p)
}

// ExtendAabb grows the box to include all of b.
func (a *Aabb) ExtendAabb(b Aabb) {
	if b.IsEmpty() {
		return
	}
	a.Extend(b.Min)
	a.Extend(b.Max)
}

// Contains reports whether p is inside the box (bounds inclusive).
func (a Aabb) Contains(p Vec3) bool {
	return p.X >= a.Min.X && p.X <= a.Max.X &&
		p.Y >= a.Min.Y && p.Y <= a.Max.Y &&
		p.Z >= a.Min.Z && p.Z <= a.Max.Z
}

// Intersects reports whether a and b share at least one point.
func (a Aabb) Intersects(b Aabb) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return false
	}
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}

// ContainsAabb reports whether b is fully inside a.
func (a Aabb) ContainsAabb(b Aabb) bool {
	if b.IsEmpty() {
		return true
	}
	return a.Contains(b.Min) && a.Contains(b.Max)
}

// Center returns the center point of the box.
func (a Aabb) Center() Vec3 {
	return Vec3{
		(a.Min.X + a.Max.X) * 0.5,
		(a.Min.Y + a.Max.Y) * 0.5,
		(a.Min.Z + a.Max.Z) * 0.5,
	}
}

// Corners returns the eight corner points of the box.
func (a Aabb) Corners() [8]Vec3 {
	return [8]Vec3{
		{a.Min.X, a.Min.Y, a.Min.Z},
		{a.Min.X, a.Min.Y, a.Max.Z},
		{a.Min.X, a.Max.Y, a.Min.Z},
		{a.Min.X, a.Max.Y, a.Max.Z},
		{a.Max.X, a.Min.Y, a.Min.Z},
		{a.Max.X, a.Min.Y, a.Max.Z},
		{a.Max.X, a.Max.Y, a.Min.Z},
		{a.Max.X, a.Max.Y, a.Max.Z},
	}
}

// AabbI32 is an axis-aligned bounding box with int32 bounds, inclusive on
// both ends. It is empty when any Min component exceeds the Max component.
type AabbI32 struct {
	Min, Max Vec3i32
}

// EmptyAabbI32 returns the empty int32 bounding box.
func EmptyAabbI32() AabbI32 {
	return AabbI32{
		Min: Vec3i32{math.MaxInt32, math.MaxInt32, math.MaxInt32},
		Max: Vec3i32{math.MinInt32, math.MinInt32, math.MinInt32},
	}
}

// IsEmpty reports whether the box contains no point.
func (a AabbI32) IsEmpty() bool {
	return a.Min.X > a.Max.X || a.Min.Y > a.Max.Y || a.Min.Z > a.Max.Z
}

// Extend grows the box to include p.
func (a *AabbI32) Extend(p Vec3i32) {
	if p.X < a.Min.X {
		a.Min.X = p.X
	}
	if p.Y < a.Min.Y {
		a.Min.Y = p.Y
	}
	if p.Z < a.Min.Z {
		a.Min.Z = p.Z
	}
	if p.X > a.Max.X {
		a.Max.X = p.X
	}
	if p.Y > a.Max.Y {
		a.Max.Y = p.Y
	}
	if p.Z > a.Max.Z {
		a.Max.Z = p.Z
	}
}

// Contains reports whether p is inside the box (bounds inclusive).
func (a AabbI32) Contains(p Vec3i32) bool {
	return p.X >= a.Min.X && p.X <= a.Max.X &&
		p.Y >= a.Min.Y && p.Y <= a.Max.Y &&
		p.Z >= a.Min.Z && p.Z <= a.Max.Z
}

// Intersects reports whether a and b share at least one point.
func (a AabbI32) Intersects(b AabbI32) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return false
	}
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}

// ContainsAabb reports whether b is fully inside a.
func (a AabbI32) ContainsAabb(b AabbI32) bool {
	if b.IsEmpty() {
		return true
	}
	return a.Contains(b.Min) && a.Contains(b.Max)
}

// ToF64 widens the box to float64 bounds.
func (a AabbI32) ToF64() Aabb {
	if a.IsEmpty() {
		return EmptyAabb()
	}
	return Aabb{Min: a.Min.ToF64(), Max: a.Max.ToF64()}
}
