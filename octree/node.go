// Copyright 2019 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"encoding/binary"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/grailbio/lidarserv/encoding/pointio"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
)

// Node is the decoded form of one octree node: a sampled point set at the
// node's level of detail, a tail of bogus points, and metadata.
type Node struct {
	Sampling *Sampling
	// Bogus holds rejected points stashed in this node instead of being
	// propagated to children. They are served like ordinary points of the
	// node but do not participate in the sampling invariant.
	Bogus *point.Buffer
	// BoundingBox is the local-space bounds of all points ever inserted
	// here (not shrunk when points move to children).
	BoundingBox geometry.Aabb
	// CoordinateSystem the node was written with.
	CoordinateSystem geometry.CoordinateSystem
}

// NumPoints returns the total number of points the node serves.
func (n *Node) NumPoints() int {
	return n.Sampling.Len() + n.Bogus.Len()
}

// nodeEnv bundles what (de)serializing a node needs.
type nodeEnv struct {
	codec     *pointio.Codec
	layout    *point.Layout
	pointGrid geometry.GridHierarchy
}

// LazyNode holds up to two representations of one logical node: the
// serialized page bytes and the decoded Node. At least one is always
// present; the other is materialized on demand and memoized. An internal
// reader/writer lock keeps concurrent readers from redecoding and lets
// the single pinned writer mutate in place.
//
// The page byte layout is the pointio blob followed by a little-endian
// u64 count of bogus points.
type LazyNode struct {
	mu sync.RWMutex
	// bytes is the serialized page; valid iff hasBytes (an empty page is
	// a legal serialization of an empty node).
	bytes    []byte
	hasBytes bool
	node     *Node
	// nodeErr memoizes a decode failure so repeated readers do not retry.
	nodeErr error
}

// LazyNodeFromBytes returns a lazy node backed by serialized page bytes.
func LazyNodeFromBytes(data []byte) *LazyNode {
	return &LazyNode{bytes: data, hasBytes: true}
}

// LazyNodeFromNode returns a lazy node backed by a decoded node.
func LazyNodeFromNode(node *Node) *LazyNode {
	return &LazyNode{node: node}
}

// PageBytes returns the serialized page, encoding the decoded node on a
// miss.
func (l *LazyNode) PageBytes(env *nodeEnv) ([]byte, error) {
	l.mu.RLock()
	if l.hasBytes {
		data := l.bytes
		l.mu.RUnlock()
		return data, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pageBytesLocked(env)
}

func (l *LazyNode) pageBytesLocked(env *nodeEnv) ([]byte, error) {
	if l.hasBytes {
		return l.bytes, nil
	}
	// If bytes are absent the node must be present.
	points := l.node.Sampling.ClonePoints()
	points.Append(l.node.Bogus)
	blob, err := env.codec.Write(points, l.node.BoundingBox)
	if err != nil {
		return nil, err
	}
	blob = binary.LittleEndian.AppendUint64(blob, uint64(l.node.Bogus.Len()))
	l.bytes = blob
	l.hasBytes = true
	return blob, nil
}

func decodeNode(env *nodeEnv, lod geometry.LodLevel, data []byte) (*Node, error) {
	if len(data) == 0 {
		return &Node{
			Sampling:         NewSampling(env.pointGrid, lod, env.layout),
			Bogus:            point.NewBuffer(env.layout),
			BoundingBox:      geometry.EmptyAabb(),
			CoordinateSystem: env.codec.CoordinateSystem,
		}, nil
	}
	points, hdr, rest, err := env.codec.Read(data, env.layout)
	if err != nil {
		return nil, err
	}
	if len(rest) != 8 {
		return nil, pkgerrors.Wrapf(pointio.ErrFormat,
			"page has %d trailing bytes, expected 8", len(rest))
	}
	nrBogus := int(binary.LittleEndian.Uint64(rest))
	if nrBogus < 0 || nrBogus > points.Len() {
		return nil, pkgerrors.Wrapf(pointio.ErrFormat,
			"page claims %d bogus points out of %d", nrBogus, points.Len())
	}
	bogus := points.SplitOff(points.Len() - nrBogus)
	return &Node{
		Sampling:         SamplingFromPoints(env.pointGrid, lod, points),
		Bogus:            bogus,
		BoundingBox:      hdr.Bounds,
		CoordinateSystem: hdr.CoordinateSystem,
	}, nil
}

func (l *LazyNode) sampledNodeLocked(env *nodeEnv, lod geometry.LodLevel) (*Node, error) {
	if l.node != nil {
		return l.node, nil
	}
	if l.nodeErr != nil {
		return nil, l.nodeErr
	}
	node, err := decodeNode(env, lod, l.bytes)
	if err != nil {
		l.nodeErr = err
		return nil, err
	}
	l.node = node
	return node, nil
}

// SampledNode returns the decoded node, decoding the page bytes on a
// miss. A node stored with a different coordinate system fails like a
// format error.
func (l *LazyNode) SampledNode(env *nodeEnv, lod geometry.LodLevel) (*Node, error) {
	l.mu.RLock()
	node, err := l.node, l.nodeErr
	l.mu.RUnlock()
	if node == nil && err == nil {
		l.mu.Lock()
		node, err = l.sampledNodeLocked(env, lod)
		l.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	if node.CoordinateSystem != env.codec.CoordinateSystem {
		return nil, pkgerrors.Wrap(pointio.ErrFormat, "coordinate system mismatch")
	}
	return node, nil
}

// Update materializes the decoded node and runs mutate on it under the
// write lock, then drops the stale byte representation. The octree writer
// is the only caller; the cache's pinning contract keeps it exclusive per
// key.
func (l *LazyNode) Update(env *nodeEnv, lod geometry.LodLevel, mutate func(*Node) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, err := l.sampledNodeLocked(env, lod)
	if err != nil {
		return err
	}
	if node.CoordinateSystem != env.codec.CoordinateSystem {
		return pkgerrors.Wrap(pointio.ErrFormat, "coordinate system mismatch")
	}
	if err := mutate(node); err != nil {
		return err
	}
	l.bytes = nil
	l.hasBytes = false
	return nil
}

// Points returns a copy of all points of the node (sampled points
// followed by the bogus tail), decoding the page bytes on a miss.
func (l *LazyNode) Points(env *nodeEnv, lod geometry.LodLevel) (*point.Buffer, error) {
	l.mu.RLock()
	if l.node != nil {
		points := l.node.Sampling.ClonePoints()
		points.Append(l.node.Bogus)
		l.mu.RUnlock()
		return points, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	node, err := l.sampledNodeLocked(env, lod)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	points := node.Sampling.ClonePoints()
	points.Append(node.Bogus)
	l.mu.Unlock()
	return points, nil
}
