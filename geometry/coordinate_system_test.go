package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeLasTransform(t *testing.T) {
	// The definition of scale and offset must be consistent with the point
	// record transform in LAS.
	cs := CoordinateSystem{
		Scale:  Vec3{0.01, 0.01, 0.01},
		Offset: Vec3{5.0, 5.0, 5.0},
	}

	p, err := cs.EncodeI32(Vec3{4.0, 5.2, 6.01})
	require.NoError(t, err)
	assert.Equal(t, Vec3i32{-100, 20, 101}, p)

	global := cs.DecodeI32(Vec3i32{-200, 1, 2})
	assert.Equal(t, Vec3{3.0, 5.01, 5.02}, global)
}

func TestEncodeOutOfBounds(t *testing.T) {
	cs := CoordinateSystem{
		Scale:  Vec3{0.001, 0.001, 0.001},
		Offset: Vec3{},
	}
	_, err := cs.EncodeI32(Vec3{1e9, 0, 0})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = cs.EncodeI32(Vec3{0, -1e9, 0})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = cs.EncodeI32(Vec3{1.0, 2.0, 3.0})
	assert.NoError(t, err)
}

func TestBoundsIdentity(t *testing.T) {
	cs := IdentityCoordinateSystem()
	assert.Equal(t, Aabb{
		Min: Vec3{-math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64},
		Max: Vec3{math.MaxFloat64, math.MaxFloat64, math.MaxFloat64},
	}, cs.Bounds(PositionF64))
	assert.Equal(t, Aabb{
		Min: Vec3{math.MinInt32, math.MinInt32, math.MinInt32},
		Max: Vec3{math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}, cs.Bounds(PositionI32))
}

func TestBoundsScaled(t *testing.T) {
	cs := CoordinateSystem{
		Scale:  Vec3{0.25, 0.25, 0.25},
		Offset: Vec3{0.0, 2.0, -3.0},
	}
	b := cs.Bounds(PositionI32)
	assert.Equal(t, Vec3{-536870912.0, -536870910.0, -536870915.0}, b.Min)
	assert.Equal(t, Vec3{536870911.75, 536870913.75, 536870908.75}, b.Max)
}

func TestBoundsNegativeScale(t *testing.T) {
	cs := CoordinateSystem{
		Scale:  Vec3{-0.25, -0.25, -0.25},
		Offset: Vec3{},
	}
	b := cs.Bounds(PositionI32)
	assert.Equal(t, Vec3{-536870911.75, -536870911.75, -536870911.75}, b.Min)
	assert.Equal(t, Vec3{536870912.0, 536870912.0, 536870912.0}, b.Max)
}

func TestBoundsRoundTrip(t *testing.T) {
	// Every corner of the reported bounds must encode without error.
	systems := []CoordinateSystem{
		IdentityCoordinateSystem(),
		{Scale: Vec3{0.001, 0.001, 0.001}, Offset: Vec3{100.0, -200.0, 0.5}},
		{Scale: Vec3{0.31, 0.07, 1.9}, Offset: Vec3{-1.0, 2.0, -3.0}},
	}
	for _, cs := range systems {
		b := cs.Bounds(PositionI32)
		for _, corner := range b.Corners() {
			_, err := cs.EncodeI32(corner)
			assert.NoError(t, err, "corner %v of %v", corner, cs)
		}
	}
}

func TestDistances(t *testing.T) {
	cs := CoordinateSystem{Scale: Vec3{0.5, 0.5, 0.5}}
	assert.Equal(t, 2.0, cs.DecodeDistance(4.0))
	assert.Equal(t, 4.0, cs.EncodeDistance(2.0))
}
