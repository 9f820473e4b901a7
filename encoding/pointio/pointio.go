// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pointio implements the self-describing in-memory point codec.
//
// A blob encodes one point buffer together with the coordinate system and
// bounding box of its node. The payload can be stored raw or block
// compressed (lz4, zstd or snappy); the choice is recorded in the blob, so
// reading never needs out-of-band information and changing the per-octree
// setting never affects the semantics of existing data.
package pointio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	gunsafe "github.com/grailbio/base/unsafe"
	pkgerrors "github.com/pkg/errors"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrFormat is returned when a blob cannot be decoded: bad magic, unknown
// version or compression, or truncated data.
var ErrFormat = errors.E(errors.Invalid, "point blob format error")

// Compression selects the payload compression of written blobs.
type Compression uint8

const (
	// None stores the raw interleaved records.
	None Compression = iota
	// Lz4 block-compresses the payload with LZ4.
	Lz4
	// Zstd block-compresses the payload with zstandard.
	Zstd
	// Snappy block-compresses the payload with snappy.
	Snappy
)

// String implements fmt.Stringer.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	}
	return fmt.Sprintf("invalid(%d)", uint8(c))
}

// ParseCompression parses the string form accepted on the command line.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "none", "false":
		return None, nil
	case "lz4", "true":
		return Lz4, nil
	case "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	}
	return None, errors.E(errors.Invalid, fmt.Sprintf("unknown compression %q", s))
}

var magic = [4]byte{'L', 'S', 'P', 'C'}

const version = 1

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// Codec encodes and decodes point buffers. The compression setting applies
// to Write only; Read handles every compression transparently.
type Codec struct {
	Compression      Compression
	CoordinateSystem geometry.CoordinateSystem
}

// Header carries the blob metadata recovered by Read.
type Header struct {
	Compression      Compression
	CoordinateSystem geometry.CoordinateSystem
	Bounds           geometry.Aabb
	NumPoints        int
}

// Write encodes the buffer into a self-contained blob.
func (c *Codec) Write(buf *point.Buffer, bounds geometry.Aabb) ([]byte, error) {
	payload, err := compress(c.Compression, buf.Bytes())
	if err != nil {
		return nil, err
	}
	layout := buf.Layout()
	out := make([]byte, 0, 128+len(payload))
	out = append(out, magic[:]...)
	out = append(out, version, byte(c.Compression))
	out = appendVec3(out, c.CoordinateSystem.Scale)
	out = appendVec3(out, c.CoordinateSystem.Offset)
	out = appendVec3(out, bounds.Min)
	out = appendVec3(out, bounds.Max)
	out = binary.LittleEndian.AppendUint16(out, uint16(layout.NumAttributes()))
	for _, a := range layout.Attributes() {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(a.Name)))
		out = append(out, gunsafe.StringToBytes(a.Name)...)
		out = append(out, byte(a.DataType))
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(buf.Len()))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// Read decodes one blob from the front of data. It returns the decoded
// buffer, the blob metadata and the remaining bytes after the blob.
// A layout differing from the expected layout fails with
// point.ErrLayoutMismatch.
func (c *Codec) Read(data []byte, layout *point.Layout) (*point.Buffer, Header, []byte, error) {
	var hdr Header
	r := &sliceReader{data: data}
	if got := r.bytes(4); !bytes.Equal(got, magic[:]) {
		return nil, hdr, nil, pkgerrors.Wrap(ErrFormat, "bad magic")
	}
	if v := r.u8(); v != version {
		return nil, hdr, nil, pkgerrors.Wrapf(ErrFormat, "unsupported version %d", v)
	}
	compression := Compression(r.u8())
	if compression > Snappy {
		return nil, hdr, nil, pkgerrors.Wrapf(ErrFormat, "unknown compression %d", compression)
	}
	hdr.Compression = compression
	hdr.CoordinateSystem.Scale = r.vec3()
	hdr.CoordinateSystem.Offset = r.vec3()
	hdr.Bounds.Min = r.vec3()
	hdr.Bounds.Max = r.vec3()
	nAttrs := int(r.u16())
	var attrs []point.Attribute
	for i := 0; i < nAttrs && !r.failed; i++ {
		nameLen := int(r.u16())
		name := string(r.bytes(nameLen))
		dt := point.DataType(r.u8())
		attrs = append(attrs, point.Attribute{Name: name, DataType: dt})
	}
	nPoints := int(r.u64())
	payloadLen := int(r.u64())
	payload := r.bytes(payloadLen)
	if r.failed {
		return nil, hdr, nil, pkgerrors.Wrap(ErrFormat, "truncated blob")
	}
	hdr.NumPoints = nPoints

	if len(attrs) != layout.NumAttributes() {
		return nil, hdr, nil, pkgerrors.Wrapf(point.ErrLayoutMismatch,
			"blob has %d attributes, expected %d", len(attrs), layout.NumAttributes())
	}
	for i, a := range attrs {
		if layout.AttributeAt(i) != a {
			return nil, hdr, nil, pkgerrors.Wrapf(point.ErrLayoutMismatch,
				"blob attribute %d is %v:%v, expected %v:%v",
				i, a.Name, a.DataType, layout.AttributeAt(i).Name, layout.AttributeAt(i).DataType)
		}
	}

	records, err := decompress(compression, payload)
	if err != nil {
		return nil, hdr, nil, err
	}
	if len(records) != nPoints*layout.PointSize() {
		return nil, hdr, nil, pkgerrors.Wrapf(ErrFormat,
			"payload is %d bytes, expected %d points of %d bytes",
			len(records), nPoints, layout.PointSize())
	}
	buf, err := point.BufferFromBytes(layout, records)
	if err != nil {
		return nil, hdr, nil, err
	}
	return buf, hdr, r.rest(), nil
}

func compress(c Compression, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Lz4:
		var out bytes.Buffer
		w := lz4.NewWriter(&out)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	case Zstd:
		return zstdEncoder.EncodeAll(src, nil), nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown compression %d", c))
}

func decompress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case None:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case Lz4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, pkgerrors.Wrap(ErrFormat, err.Error())
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, pkgerrors.Wrap(ErrFormat, err.Error())
		}
		return out, nil
	case Snappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, pkgerrors.Wrap(ErrFormat, err.Error())
		}
		return out, nil
	}
	return nil, pkgerrors.Wrapf(ErrFormat, "unknown compression %d", c)
}

func appendVec3(out []byte, v geometry.Vec3) []byte {
	out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v.X))
	out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v.Y))
	out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v.Z))
	return out
}

// sliceReader cursors over a byte slice without bounds panics; a short
// read sets failed and yields zero values from then on.
type sliceReader struct {
	data   []byte
	pos    int
	failed bool
}

func (r *sliceReader) bytes(n int) []byte {
	if r.failed || n < 0 || r.pos+n > len(r.data) {
		r.failed = true
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *sliceReader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *sliceReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *sliceReader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *sliceReader) vec3() geometry.Vec3 {
	return geometry.Vec3{
		X: math.Float64frombits(r.u64()),
		Y: math.Float64frombits(r.u64()),
		Z: math.Float64frombits(r.u64()),
	}
}

func (r *sliceReader) rest() []byte {
	if r.failed {
		return nil
	}
	return r.data[r.pos:]
}
