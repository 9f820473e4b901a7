// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package point

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/base/log"
)

// Component returns the raw bytes of the i-th component of an encoded
// attribute value.
func Component(dt DataType, raw []byte, i int) []byte {
	size := dt.Component().Size()
	return raw[i*size : (i+1)*size]
}

// CompareComponent compares two encoded values of the scalar type dt,
// returning -1, 0 or +1. Comparisons are exact for every type, including
// u64/i64 (no float round-trip).
func CompareComponent(dt DataType, a, b []byte) int {
	switch dt {
	case U8:
		return cmpOrdered(a[0], b[0])
	case I8:
		return cmpOrdered(int8(a[0]), int8(b[0]))
	case U16:
		return cmpOrdered(binary.LittleEndian.Uint16(a), binary.LittleEndian.Uint16(b))
	case I16:
		return cmpOrdered(int16(binary.LittleEndian.Uint16(a)), int16(binary.LittleEndian.Uint16(b)))
	case U32:
		return cmpOrdered(binary.LittleEndian.Uint32(a), binary.LittleEndian.Uint32(b))
	case I32:
		return cmpOrdered(int32(binary.LittleEndian.Uint32(a)), int32(binary.LittleEndian.Uint32(b)))
	case U64:
		return cmpOrdered(binary.LittleEndian.Uint64(a), binary.LittleEndian.Uint64(b))
	case I64:
		return cmpOrdered(int64(binary.LittleEndian.Uint64(a)), int64(binary.LittleEndian.Uint64(b)))
	case F32:
		return cmpOrdered(math.Float32frombits(binary.LittleEndian.Uint32(a)), math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case F64:
		return cmpOrdered(math.Float64frombits(binary.LittleEndian.Uint64(a)), math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
	log.Panicf("CompareComponent called with non-scalar type %v", dt)
	return 0
}

func cmpOrdered[T interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ComponentAsInt64 decodes a scalar integer component to int64.
func ComponentAsInt64(dt DataType, raw []byte) int64 {
	switch dt {
	case U8:
		return int64(raw[0])
	case I8:
		return int64(int8(raw[0]))
	case U16:
		return int64(binary.LittleEndian.Uint16(raw))
	case I16:
		return int64(int16(binary.LittleEndian.Uint16(raw)))
	case U32:
		return int64(binary.LittleEndian.Uint32(raw))
	case I32:
		return int64(int32(binary.LittleEndian.Uint32(raw)))
	case U64:
		return int64(binary.LittleEndian.Uint64(raw))
	case I64:
		return int64(binary.LittleEndian.Uint64(raw))
	}
	log.Panicf("ComponentAsInt64 called with non-integer type %v", dt)
	return 0
}

// ComponentAsFloat64 decodes a scalar component to float64.
func ComponentAsFloat64(dt DataType, raw []byte) float64 {
	switch dt {
	case F32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case F64:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw))
	default:
		return float64(ComponentAsInt64(dt, raw))
	}
}

// AppendComponentInt64 encodes v as the scalar integer type dt.
func AppendComponentInt64(dt DataType, out []byte, v int64) []byte {
	switch dt {
	case U8, I8:
		return append(out, byte(v))
	case U16, I16:
		return binary.LittleEndian.AppendUint16(out, uint16(v))
	case U32, I32:
		return binary.LittleEndian.AppendUint32(out, uint32(v))
	case U64, I64:
		return binary.LittleEndian.AppendUint64(out, uint64(v))
	}
	log.Panicf("AppendComponentInt64 called with non-integer type %v", dt)
	return out
}
