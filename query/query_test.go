package query

import (
	"testing"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cellAt(lod geometry.LodLevel, x, y, z int32) geometry.LeveledGridCell {
	return geometry.LeveledGridCell{Lod: lod, Pos: geometry.GridCell{X: x, Y: y, Z: z}}
}

func f64Context() *Context {
	return &Context{
		NodeHierarchy:  geometry.NewGridHierarchy(10),
		PointHierarchy: geometry.NewGridHierarchy(5),
		CoordinateSystem: geometry.CoordinateSystem{
			Scale: geometry.Vec3{100.0 / 1024.0, 100.0 / 1024.0, 100.0 / 1024.0},
		},
		PositionType: geometry.PositionF64,
		Layout:       point.MustNewLayout(point.PositionF64),
	}
}

func i32Context() *Context {
	return &Context{
		NodeHierarchy:  geometry.NewGridHierarchy(10),
		PointHierarchy: geometry.NewGridHierarchy(5),
		CoordinateSystem: geometry.CoordinateSystem{
			Scale: geometry.Vec3{0.01, 0.01, 0.01},
		},
		PositionType: geometry.PositionI32,
		Layout:       point.MustNewLayout(point.PositionI32),
	}
}

func TestNodeResultComposition(t *testing.T) {
	results := []NodeQueryResult{Negative, Positive, Partial}
	for _, a := range results {
		for _, b := range results {
			// And / Or truth tables.
			switch {
			case a == Negative || b == Negative:
				assert.Equal(t, Negative, a.And(b))
			case a == Positive && b == Positive:
				assert.Equal(t, Positive, a.And(b))
			default:
				assert.Equal(t, Partial, a.And(b))
			}
			switch {
			case a == Positive || b == Positive:
				assert.Equal(t, Positive, a.Or(b))
			case a == Negative && b == Negative:
				assert.Equal(t, Negative, a.Or(b))
			default:
				assert.Equal(t, Partial, a.Or(b))
			}
		}
	}
	assert.Equal(t, Positive, Negative.Inverse())
	assert.Equal(t, Negative, Positive.Inverse())
	assert.Equal(t, Partial, Partial.Inverse())
}

func TestShouldLoad(t *testing.T) {
	_, load := Negative.ShouldLoad(true)
	assert.False(t, load)
	kind, load := Positive.ShouldLoad(true)
	assert.True(t, load)
	assert.Equal(t, LoadFull, kind)
	kind, load = Partial.ShouldLoad(true)
	assert.True(t, load)
	assert.Equal(t, LoadFilter, kind)
	kind, load = Partial.ShouldLoad(false)
	assert.True(t, load)
	assert.Equal(t, LoadFull, kind)
}

func TestAabbNodesF64(t *testing.T) {
	ctx := f64Context()
	// Node cells span 1024 local units = 100 global units at lod 0.
	q, err := Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{50, 50, 50}, geometry.Vec3{75, 75, 75})}.Prepare(ctx)
	require.NoError(t, err)

	assert.Equal(t, Partial, q.MatchesNode(cellAt(0, 0, 0, 0)))
	assert.Equal(t, Negative, q.MatchesNode(cellAt(1, 0, 0, 0)))
	assert.Equal(t, Positive, q.MatchesNode(cellAt(2, 2, 2, 2)))
	assert.Equal(t, Positive, q.MatchesNode(cellAt(4, 9, 10, 9)))
}

func TestAabbPointsF64(t *testing.T) {
	ctx := f64Context()
	q, err := Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{50, 50, 50}, geometry.Vec3{75, 75, 75})}.Prepare(ctx)
	require.NoError(t, err)

	buf := point.NewBuffer(ctx.Layout)
	for _, p := range []geometry.Vec3{
		{500, 500, 500}, {512, 512, 512}, {600, 600, 600}, {1024, 1024, 1024},
	} {
		buf.AppendPoint(point.NewRecord(ctx.Layout).SetPositionF64(p).Bytes())
	}
	assert.Equal(t, []bool{false, true, true, false}, q.MatchesPoints(0, buf))
}

func TestAabbNodesI32(t *testing.T) {
	ctx := i32Context()
	// lod 0 covers local [0,1023] = global [0.0, 10.23].
	q, err := Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{2.56, 2.56, 2.56}, geometry.Vec3{5.11, 5.11, 5.11})}.Prepare(ctx)
	require.NoError(t, err)

	assert.Equal(t, Partial, q.MatchesNode(cellAt(0, 0, 0, 0)))
	assert.Equal(t, Positive, q.MatchesNode(cellAt(2, 1, 1, 1)))
	assert.Equal(t, Negative, q.MatchesNode(cellAt(2, 3, 1, 1)))
	assert.Equal(t, Negative, q.MatchesNode(cellAt(1, 1, 1, 1)))
}

func TestAabbPointsI32(t *testing.T) {
	ctx := i32Context()
	q, err := Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{2.56, 2.56, 2.56}, geometry.Vec3{5.11, 5.11, 5.11})}.Prepare(ctx)
	require.NoError(t, err)

	buf := point.NewBuffer(ctx.Layout)
	for _, p := range []geometry.Vec3i32{
		{255, 255, 255}, {256, 256, 256}, {300, 300, 300}, {511, 511, 511}, {512, 512, 512},
	} {
		buf.AppendPoint(point.NewRecord(ctx.Layout).SetPositionI32(p).Bytes())
	}
	assert.Equal(t, []bool{false, true, true, true, false}, q.MatchesPoints(0, buf))
}

func TestAabbEmpty(t *testing.T) {
	ctx := f64Context()
	q, err := Aabb{Bounds: geometry.EmptyAabb()}.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, Negative, q.MatchesNode(cellAt(0, 0, 0, 0)))

	// A box entirely outside the representable bounds prepares empty.
	q, err = Aabb{Bounds: geometry.NewAabb(
		geometry.Vec3{1e300, 1e300, 1e300}, geometry.Vec3{2e300, 2e300, 2e300})}.Prepare(i32Context())
	require.NoError(t, err)
	assert.Equal(t, Negative, q.MatchesNode(cellAt(0, 0, 0, 0)))
}

func TestLodQuery(t *testing.T) {
	ctx := f64Context()
	q, err := Lod{Max: 2}.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, Positive, q.MatchesNode(cellAt(0, 0, 0, 0)))
	assert.Equal(t, Positive, q.MatchesNode(cellAt(2, 1, 2, 3)))
	assert.Equal(t, Negative, q.MatchesNode(cellAt(3, 0, 0, 0)))
}

func TestLogicComposition(t *testing.T) {
	ctx := f64Context()
	box1 := Aabb{Bounds: geometry.NewAabb(geometry.Vec3{0, 0, 0}, geometry.Vec3{50, 50, 50})}
	box2 := Aabb{Bounds: geometry.NewAabb(geometry.Vec3{25, 25, 25}, geometry.Vec3{75, 75, 75})}

	// Composition must equal composing the individual results.
	p1, err := box1.Prepare(ctx)
	require.NoError(t, err)
	p2, err := box2.Prepare(ctx)
	require.NoError(t, err)
	and, err := And{box1, box2}.Prepare(ctx)
	require.NoError(t, err)
	or, err := Or{box1, box2}.Prepare(ctx)
	require.NoError(t, err)
	not, err := Not{Inner: box1}.Prepare(ctx)
	require.NoError(t, err)

	cells := []geometry.LeveledGridCell{
		cellAt(0, 0, 0, 0), cellAt(1, 0, 0, 0), cellAt(2, 1, 1, 1),
		cellAt(2, 2, 2, 2), cellAt(3, 7, 7, 7), cellAt(1, 1, 1, 1),
	}
	for _, cell := range cells {
		assert.Equal(t, p1.MatchesNode(cell).And(p2.MatchesNode(cell)), and.MatchesNode(cell), "and %v", cell)
		assert.Equal(t, p1.MatchesNode(cell).Or(p2.MatchesNode(cell)), or.MatchesNode(cell), "or %v", cell)
		assert.Equal(t, p1.MatchesNode(cell).Inverse(), not.MatchesNode(cell), "not %v", cell)
	}

	// And{} is Full, Or{} is Empty.
	full, err := And{}.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, Positive, full.MatchesNode(cellAt(0, 0, 0, 0)))
	empty, err := Or{}.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, Negative, empty.MatchesNode(cellAt(0, 0, 0, 0)))
}

func TestAttributePrepareErrors(t *testing.T) {
	ctx := &Context{
		NodeHierarchy:    geometry.NewGridHierarchy(10),
		PointHierarchy:   geometry.NewGridHierarchy(5),
		CoordinateSystem: geometry.IdentityCoordinateSystem(),
		PositionType:     geometry.PositionI32,
		Layout:           point.MustNewLayout(point.PositionI32, point.Classification),
	}

	// Unknown attribute.
	_, err := Attribute{
		Attr: point.GpsTime,
		Test: AttributeTest{Op: OpEq, DataType: point.F64, Operand: OperandF64(1)},
	}.Prepare(ctx)
	assert.Error(t, err)

	// Type mismatch between layout attribute and query.
	_, err = Attribute{
		Attr: point.Attribute{Name: "Classification", DataType: point.U16},
		Test: AttributeTest{Op: OpEq, DataType: point.U16, Operand: OperandU16(1)},
	}.Prepare(ctx)
	assert.Error(t, err)

	// Operand size mismatch.
	_, err = Attribute{
		Attr: point.Classification,
		Test: AttributeTest{Op: OpEq, DataType: point.U8, Operand: OperandU16(1)},
	}.Prepare(ctx)
	assert.Error(t, err)

	// Valid test without an attribute index: nodes are Partial, points
	// filter exactly.
	q, err := Attribute{
		Attr: point.Classification,
		Test: AttributeTest{Op: OpRangeAllInclusive, DataType: point.U8,
			Operand: OperandU8(2), Operand2: OperandU8(4)},
	}.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, Partial, q.MatchesNode(cellAt(0, 0, 0, 0)))

	buf := point.NewBuffer(ctx.Layout)
	for _, class := range []uint8{1, 2, 3, 4, 5} {
		buf.AppendPoint(point.NewRecord(ctx.Layout).
			SetPositionI32(geometry.Vec3i32{}).SetU8("Classification", class).Bytes())
	}
	assert.Equal(t, []bool{false, true, true, true, false}, q.MatchesPoints(0, buf))
}

func TestAttributeVecSemantics(t *testing.T) {
	layout := point.MustNewLayout(point.PositionI32, point.ColorRGB)
	mk := func(r, g, b uint16) []byte {
		return point.NewRecord(layout).SetPositionI32(geometry.Vec3i32{}).
			SetVec3U16("ColorRGB", r, g, b).Bytes()
	}
	buf := point.NewBuffer(layout)
	buf.AppendPoint(mk(10, 20, 30))
	buf.AppendPoint(mk(10, 99, 30))
	buf.AppendPoint(mk(40, 50, 60))

	eq := AttributeTest{Op: OpEq, DataType: point.Vec3U16, Operand: OperandVec3U16(10, 20, 30)}
	neq := AttributeTest{Op: OpNeq, DataType: point.Vec3U16, Operand: OperandVec3U16(10, 20, 30)}
	less := AttributeTest{Op: OpLess, DataType: point.Vec3U16, Operand: OperandVec3U16(40, 60, 70)}

	assert.True(t, EvalTest(eq, buf.AttrBytes(0, 1)))
	assert.False(t, EvalTest(eq, buf.AttrBytes(1, 1)))

	// Neq is componentwise all-unequal, NOT the negation of Eq:
	// (10,99,30) differs from the operand but shares components.
	assert.False(t, EvalTest(neq, buf.AttrBytes(0, 1)))
	assert.False(t, EvalTest(neq, buf.AttrBytes(1, 1)))
	assert.True(t, EvalTest(neq, buf.AttrBytes(2, 1)))

	// Less requires all components below the operand's.
	assert.True(t, EvalTest(less, buf.AttrBytes(0, 1)))
	assert.False(t, EvalTest(less, buf.AttrBytes(1, 1)))
	assert.False(t, EvalTest(less, buf.AttrBytes(2, 1)))
}

func TestViewFrustum(t *testing.T) {
	// An identity view-projection makes clip space equal world space:
	// the frustum is the cube [-1,1]^3 and homogeneous depth is 1
	// everywhere. With lod0 distance 1 and clip min distance 0.25, the
	// finest matching level is ceil(log2(1/0.25)) = 2.
	ctx := &Context{
		NodeHierarchy:    geometry.NewGridHierarchy(0), // node edge 1
		PointHierarchy:   geometry.NewGridHierarchy(0),
		CoordinateSystem: geometry.IdentityCoordinateSystem(),
		PositionType:     geometry.PositionF64,
		Layout:           point.MustNewLayout(point.PositionF64),
	}
	q, err := ViewFrustum{
		ViewProjection:    geometry.Identity4(),
		ViewProjectionInv: geometry.Identity4(),
		ClipMinDist:       0.25,
		Lod0Dist:          1.0,
	}.Prepare(ctx)
	require.NoError(t, err)

	// Node (0,0,0) spans [0,1): inside the frustum.
	assert.Equal(t, Positive, q.MatchesNode(cellAt(0, 0, 0, 0)))
	assert.Equal(t, Positive, q.MatchesNode(cellAt(2, 1, 1, 1)))
	assert.Equal(t, Negative, q.MatchesNode(cellAt(3, 0, 0, 0)), "finer than the screen needs")
	assert.Equal(t, Negative, q.MatchesNode(cellAt(0, 5, 0, 0)), "outside the frustum")

	buf := point.NewBuffer(ctx.Layout)
	buf.AppendPoint(point.NewRecord(ctx.Layout).SetPositionF64(geometry.Vec3{0.5, 0.5, 0.5}).Bytes())
	buf.AppendPoint(point.NewRecord(ctx.Layout).SetPositionF64(geometry.Vec3{3, 0, 0}).Bytes())
	assert.Equal(t, []bool{true, false}, q.MatchesPoints(0, buf))
	assert.Equal(t, []bool{true, false}, q.MatchesPoints(2, buf))
	assert.Equal(t, []bool{false, false}, q.MatchesPoints(3, buf))
}
