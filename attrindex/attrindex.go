// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package attrindex

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/point"
	"github.com/grailbio/lidarserv/query"
)

// ErrCorrupt is returned when an attribute index file cannot be decoded.
var ErrCorrupt = errors.E(errors.Invalid, "attribute index file corrupt")

// Kind selects the accelerator family of one index.
type Kind string

const (
	// KindRange keeps componentwise min/max per node.
	KindRange Kind = "range"
	// KindHistogram keeps a fixed-bin histogram per node
	// (scalar integer attributes only).
	KindHistogram Kind = "histogram"
)

// Config describes one accelerator over one attribute.
type Config struct {
	Attribute point.Attribute `json:"attribute"`
	Kind      Kind            `json:"kind"`
	Path      string          `json:"path"`

	// Histogram parameters; ignored for KindRange.
	HistogramMin  int64 `json:"histogram_min,omitempty"`
	HistogramMax  int64 `json:"histogram_max,omitempty"`
	HistogramBins int   `json:"histogram_bins,omitempty"`
}

// summaryCell pairs a node summary with its own mutex, so concurrent
// workers indexing different nodes never contend.
type summaryCell[S any] struct {
	mu      sync.Mutex
	summary S
}

type accelerator[S any] interface {
	index(buf *point.Buffer, attrIdx int) S
	merge(dst *S, src S)
	test(s *S, test query.AttributeTest) query.NodeQueryResult
}

// manager owns the per-node summaries of one accelerator and their
// persistence.
type manager[S any] struct {
	accel accelerator[S]
	path  string
	dirty atomic.Bool

	mu    sync.RWMutex
	nodes map[geometry.LeveledGridCell]*summaryCell[S]
}

// nodesFile is the CBOR layout of a persisted accelerator.
type nodesFile[S any] struct {
	Version int             `cbor:"version"`
	Nodes   []nodeRecord[S] `cbor:"nodes"`
}

type nodeRecord[S any] struct {
	Lod     uint8 `cbor:"lod"`
	X       int32 `cbor:"x"`
	Y       int32 `cbor:"y"`
	Z       int32 `cbor:"z"`
	Summary S     `cbor:"summary"`
}

const fileVersion = 1

func loadOrCreateManager[S any](accel accelerator[S], path string) (*manager[S], error) {
	m := &manager[S]{
		accel: accel,
		path:  path,
		nodes: make(map[geometry.LeveledGridCell]*summaryCell[S]),
	}
	m.dirty.Store(true)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	var content nodesFile[S]
	if err := cbor.Unmarshal(data, &content); err != nil {
		return nil, pkgerrors.Wrapf(ErrCorrupt, "%s: %v", path, err)
	}
	for _, rec := range content.Nodes {
		cell := geometry.LeveledGridCell{
			Lod: geometry.LodLevel(rec.Lod),
			Pos: geometry.GridCell{X: rec.X, Y: rec.Y, Z: rec.Z},
		}
		m.nodes[cell] = &summaryCell[S]{summary: rec.Summary}
	}
	m.dirty.Store(false)
	return m, nil
}

func (m *manager[S]) index(cell geometry.LeveledGridCell, buf *point.Buffer, attrIdx int) {
	summary := m.accel.index(buf, attrIdx)

	m.mu.RLock()
	node, ok := m.nodes[cell]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if node, ok = m.nodes[cell]; !ok {
			m.nodes[cell] = &summaryCell[S]{summary: summary}
			m.mu.Unlock()
			m.dirty.Store(true)
			return
		}
		m.mu.Unlock()
	}
	node.mu.Lock()
	m.accel.merge(&node.summary, summary)
	node.mu.Unlock()
	m.dirty.Store(true)
}

func (m *manager[S]) test(cell geometry.LeveledGridCell, test query.AttributeTest) query.NodeQueryResult {
	m.mu.RLock()
	node, ok := m.nodes[cell]
	m.mu.RUnlock()
	if !ok {
		// Nothing was ever indexed into the node.
		return query.Negative
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	return m.accel.test(&node.summary, test)
}

func (m *manager[S]) flush() error {
	if !m.dirty.Swap(false) {
		return nil
	}
	m.mu.RLock()
	content := nodesFile[S]{Version: fileVersion}
	for cell, node := range m.nodes {
		node.mu.Lock()
		content.Nodes = append(content.Nodes, nodeRecord[S]{
			Lod:     uint8(cell.Lod),
			X:       cell.Pos.X,
			Y:       cell.Pos.Y,
			Z:       cell.Pos.Z,
			Summary: node.summary,
		})
		node.mu.Unlock()
	}
	m.mu.RUnlock()

	data, err := cbor.Marshal(content)
	if err != nil {
		m.dirty.Store(true)
		return err
	}
	f, err := os.Create(m.path)
	if err != nil {
		m.dirty.Store(true)
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close() // nolint: errcheck
		m.dirty.Store(true)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close() // nolint: errcheck
		m.dirty.Store(true)
		return err
	}
	return f.Close()
}

// managerDyn erases the summary type of a manager.
type managerDyn interface {
	index(cell geometry.LeveledGridCell, buf *point.Buffer, attrIdx int)
	test(cell geometry.LeveledGridCell, test query.AttributeTest) query.NodeQueryResult
	flush() error
}

// AttributeIndex maintains all configured accelerators. It implements
// query.AttributeTester. All methods are safe for concurrent use.
type AttributeIndex struct {
	byAttribute map[point.Attribute][]managerDyn
}

// New builds an attribute index from configs, loading any existing
// accelerator files.
func New(configs []Config) (*AttributeIndex, error) {
	x := &AttributeIndex{byAttribute: make(map[point.Attribute][]managerDyn)}
	for _, cfg := range configs {
		dt := cfg.Attribute.DataType
		if !dt.Valid() {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("attribute index %q: invalid data type", cfg.Attribute.Name))
		}
		var (
			mgr managerDyn
			err error
		)
		switch cfg.Kind {
		case KindRange:
			mgr, err = loadOrCreateManager[RangeSummary](rangeAccel{dataType: dt}, cfg.Path)
		case KindHistogram:
			if dt.NumComponents() != 1 || dt == point.F32 || dt == point.F64 {
				return nil, errors.E(errors.Invalid,
					fmt.Sprintf("attribute index %q: histogram requires a scalar integer attribute, got %v",
						cfg.Attribute.Name, dt))
			}
			if cfg.HistogramBins <= 0 || cfg.HistogramMin >= cfg.HistogramMax {
				return nil, errors.E(errors.Invalid,
					fmt.Sprintf("attribute index %q: bad histogram parameters", cfg.Attribute.Name))
			}
			mgr, err = loadOrCreateManager[HistogramSummary](
				newHistogramAccel(dt, cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramBins), cfg.Path)
		default:
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("attribute index %q: unknown kind %q", cfg.Attribute.Name, cfg.Kind))
		}
		if err != nil {
			return nil, err
		}
		x.byAttribute[cfg.Attribute] = append(x.byAttribute[cfg.Attribute], mgr)
	}
	return x, nil
}

// IndexPoints merges the attribute values of buf into the summaries of
// cell, for every indexed attribute present in buf's layout. Call it with
// the points accepted into a node (sampled points, not bogus or rejected
// ones).
func (x *AttributeIndex) IndexPoints(cell geometry.LeveledGridCell, buf *point.Buffer) {
	if buf.Len() == 0 {
		return
	}
	layout := buf.Layout()
	for attr, managers := range x.byAttribute {
		attrIdx, ok := layout.Find(attr.Name)
		if !ok || layout.AttributeAt(attrIdx).DataType != attr.DataType {
			continue
		}
		for _, mgr := range managers {
			mgr.index(cell, buf, attrIdx)
		}
	}
}

// TestAttribute implements query.AttributeTester. The first accelerator
// with a definitive answer wins; with no accelerator for the attribute,
// every node is Partial.
func (x *AttributeIndex) TestAttribute(cell geometry.LeveledGridCell, attr point.Attribute, test query.AttributeTest) query.NodeQueryResult {
	managers, ok := x.byAttribute[attr]
	if !ok {
		return query.Partial
	}
	for _, mgr := range managers {
		if result := mgr.test(cell, test); result != query.Partial {
			return result
		}
	}
	return query.Partial
}

// Indexed reports whether any accelerator is configured for the attribute.
func (x *AttributeIndex) Indexed(attr point.Attribute) bool {
	_, ok := x.byAttribute[attr]
	return ok
}

// Flush persists every dirty accelerator file.
func (x *AttributeIndex) Flush() error {
	var flushErr errors.Once
	for attr, managers := range x.byAttribute {
		for _, mgr := range managers {
			if err := mgr.flush(); err != nil {
				log.Error.Printf("flushing attribute index for %v: %v", attr.Name, err)
				flushErr.Set(err)
			}
		}
	}
	return flushErr.Err()
}
