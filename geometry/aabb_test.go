package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAabbExtendContains(t *testing.T) {
	a := EmptyAabb()
	assert.True(t, a.IsEmpty())
	assert.False(t, a.Contains(Vec3{0, 0, 0}))

	a.Extend(Vec3{1, 2, 3})
	assert.False(t, a.IsEmpty())
	assert.Equal(t, Vec3{1, 2, 3}, a.Min)
	assert.Equal(t, Vec3{1, 2, 3}, a.Max)

	a.Extend(Vec3{-1, 5, 3})
	assert.True(t, a.Contains(Vec3{0, 3, 3}))
	assert.False(t, a.Contains(Vec3{0, 3, 4}))
}

func TestAabbIntersects(t *testing.T) {
	a := NewAabb(Vec3{0, 0, 0}, Vec3{10, 10, 10})
	b := NewAabb(Vec3{10, 10, 10}, Vec3{20, 20, 20})
	c := NewAabb(Vec3{11, 0, 0}, Vec3{12, 1, 1})
	assert.True(t, a.Intersects(b), "touching boxes intersect")
	assert.True(t, b.Intersects(a))
	assert.False(t, a.Intersects(c))
	assert.False(t, a.Intersects(EmptyAabb()))
	assert.True(t, a.ContainsAabb(NewAabb(Vec3{1, 1, 1}, Vec3{9, 9, 9})))
	assert.False(t, a.ContainsAabb(b))
	assert.True(t, a.ContainsAabb(EmptyAabb()))
}

func TestAabbI32(t *testing.T) {
	a := EmptyAabbI32()
	assert.True(t, a.IsEmpty())
	a.Extend(Vec3i32{-5, 0, 5})
	a.Extend(Vec3i32{5, 0, -5})
	assert.Equal(t, Vec3i32{-5, 0, -5}, a.Min)
	assert.Equal(t, Vec3i32{5, 0, 5}, a.Max)
	assert.True(t, a.Contains(Vec3i32{0, 0, 0}))
	assert.False(t, a.Contains(Vec3i32{0, 1, 0}))
	assert.Equal(t, Vec3{-5, 0, -5}, a.ToF64().Min)
}

func TestMat4(t *testing.T) {
	id := Identity4()
	v := Vec4{1, 2, 3, 1}
	assert.Equal(t, v, id.MulVec4(v))
	assert.Equal(t, id, id.Mul(id))

	// A pure translation matrix.
	tr := Mat4{
		1, 0, 0, 10,
		0, 1, 0, 20,
		0, 0, 1, 30,
		0, 0, 0, 1,
	}
	moved := tr.MulVec4(v)
	assert.Equal(t, Vec4{11, 22, 33, 1}, moved)
	twice := tr.Mul(tr).MulVec4(v)
	assert.Equal(t, Vec4{21, 42, 63, 1}, twice)
}

func TestVecOps(t *testing.T) {
	a := Vec3{1, 2, 3}
	b := Vec3{4, 5, 6}
	assert.Equal(t, Vec3{5, 7, 9}, a.Add(b))
	assert.Equal(t, Vec3{-3, -3, -3}, a.Sub(b))
	assert.Equal(t, 32.0, a.Dot(b))
	assert.Equal(t, Vec3{0, 0, 1}, Vec3{1, 0, 0}.Cross(Vec3{0, 1, 0}))
	assert.Equal(t, 5.0, Vec3{3, 4, 0}.Norm())
	assert.Equal(t, Vec3{1, 2, 3}, a.Inf(b))
	assert.Equal(t, Vec3{4, 5, 6}, a.Sup(b))
}
