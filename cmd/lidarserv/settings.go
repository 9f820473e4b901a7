// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/grailbio/lidarserv/attrindex"
	"github.com/grailbio/lidarserv/encoding/pointio"
	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/octree"
	"github.com/grailbio/lidarserv/point"
)

const settingsFileName = "settings.json"

// settings is the persistent form of the index configuration, written by
// `init` and read by `serve`.
type settings struct {
	NodeShift        uint8                     `json:"node_shift"`
	PointShift       uint8                     `json:"point_shift"`
	Scale            geometry.Vec3             `json:"scale"`
	Offset           geometry.Vec3             `json:"offset"`
	MaxLod           uint8                     `json:"max_lod"`
	MaxBogusInner    int                       `json:"max_bogus_inner"`
	MaxBogusLeaf     int                       `json:"max_bogus_leaf"`
	Compression      string                    `json:"compression"`
	MaxCacheSize     int                       `json:"max_cache_size"`
	PriorityFunction string                    `json:"priority_function"`
	NumThreads       int                       `json:"num_threads"`
	Attributes       []settingsAttribute       `json:"attributes"`
	AttributeIndexes []settingsAttributeIndex  `json:"attribute_indexes"`
}

type settingsAttribute struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

type settingsAttributeIndex struct {
	Attribute     string `json:"attribute"`
	Kind          string `json:"kind"`
	HistogramMin  int64  `json:"histogram_min,omitempty"`
	HistogramMax  int64  `json:"histogram_max,omitempty"`
	HistogramBins int    `json:"histogram_bins,omitempty"`
}

func writeSettings(dir string, s *settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, settingsFileName), append(data, '\n'), 0666)
}

func readSettings(dir string) (*settings, error) {
	data, err := os.ReadFile(filepath.Join(dir, settingsFileName))
	if err != nil {
		return nil, err
	}
	s := &settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, pkgerrors.Wrapf(err, "parsing %s", settingsFileName)
	}
	return s, nil
}

var dataTypeNames = map[string]point.DataType{
	"u8": point.U8, "u16": point.U16, "u32": point.U32, "u64": point.U64,
	"i8": point.I8, "i16": point.I16, "i32": point.I32, "i64": point.I64,
	"f32": point.F32, "f64": point.F64,
	"vec3<u8>": point.Vec3U8, "vec3<u16>": point.Vec3U16, "vec3<f32>": point.Vec3F32,
	"vec3<i32>": point.Vec3I32, "vec3<f64>": point.Vec3F64, "vec4<u8>": point.Vec4U8,
}

func parseDataType(s string) (point.DataType, error) {
	if dt, ok := dataTypeNames[strings.ToLower(s)]; ok {
		return dt, nil
	}
	return point.InvalidType, pkgerrors.Errorf("unknown data type %q", s)
}

// octreeParams converts settings into octree parameters rooted at dir.
func (s *settings) octreeParams(dir string) (octree.Params, error) {
	attrs := make([]point.Attribute, 0, len(s.Attributes))
	for _, a := range s.Attributes {
		dt, err := parseDataType(a.DataType)
		if err != nil {
			return octree.Params{}, err
		}
		attrs = append(attrs, point.Attribute{Name: a.Name, DataType: dt})
	}
	layout, err := point.NewLayout(attrs...)
	if err != nil {
		return octree.Params{}, err
	}
	compression, err := pointio.ParseCompression(s.Compression)
	if err != nil {
		return octree.Params{}, err
	}
	priority, err := octree.ParseTaskPriorityFunction(s.PriorityFunction)
	if err != nil {
		return octree.Params{}, err
	}
	var indexes []attrindex.Config
	for _, cfg := range s.AttributeIndexes {
		idx, ok := layout.Find(cfg.Attribute)
		if !ok {
			return octree.Params{}, pkgerrors.Errorf(
				"attribute index refers to unknown attribute %q", cfg.Attribute)
		}
		indexes = append(indexes, attrindex.Config{
			Attribute: layout.AttributeAt(idx),
			Kind:      attrindex.Kind(cfg.Kind),
			Path: filepath.Join(dir, "attribute_indexes",
				cfg.Attribute+"."+cfg.Kind),
			HistogramMin:  cfg.HistogramMin,
			HistogramMax:  cfg.HistogramMax,
			HistogramBins: cfg.HistogramBins,
		})
	}
	if len(indexes) > 0 {
		if err := os.MkdirAll(filepath.Join(dir, "attribute_indexes"), 0777); err != nil {
			return octree.Params{}, err
		}
	}
	return octree.Params{
		DirectoryFile:    filepath.Join(dir, "directory.bin"),
		PointDataFolder:  filepath.Join(dir, "points"),
		Layout:           layout,
		NodeShift:        s.NodeShift,
		PointShift:       s.PointShift,
		CoordinateSystem: geometry.CoordinateSystem{Scale: s.Scale, Offset: s.Offset},
		MaxLod:           geometry.LodLevel(s.MaxLod),
		MaxBogusInner:    s.MaxBogusInner,
		MaxBogusLeaf:     s.MaxBogusLeaf,
		Compression:      compression,
		MaxCacheSize:     s.MaxCacheSize,
		PriorityFunction: priority,
		NumThreads:       s.NumThreads,
		AttributeIndexes: indexes,
	}, nil
}
