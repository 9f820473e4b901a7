// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/cmdutil"
	pkgerrors "github.com/pkg/errors"
	"v.io/x/lib/cmdline"

	"github.com/grailbio/lidarserv/geometry"
	"github.com/grailbio/lidarserv/octree"
)

func newCmdInit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "init",
		Short:    "Initialize an empty point cloud index",
		ArgsName: "dir",
	}
	nodeShift := cmd.Flags.Uint("node-shift", 15, "Node grid shift: root nodes are 2^shift local units wide")
	pointShift := cmd.Flags.Uint("point-shift", 10, "Point grid shift: sampling sub-cells are 2^shift local units wide at lod 0")
	scale := cmd.Flags.Float64("scale", 0.001, "Coordinate scale (local unit in global units, per axis)")
	offsetX := cmd.Flags.Float64("offset-x", 0, "Coordinate offset, x axis")
	offsetY := cmd.Flags.Float64("offset-y", 0, "Coordinate offset, y axis")
	offsetZ := cmd.Flags.Float64("offset-z", 0, "Coordinate offset, z axis")
	maxLod := cmd.Flags.Uint("max-lod", 10, "Finest level of detail")
	maxBogusInner := cmd.Flags.Int("max-bogus-inner", 0, "Bogus point budget of inner nodes")
	maxBogusLeaf := cmd.Flags.Int("max-bogus-leaf", 0, "Bogus point budget of nodes at max lod")
	compression := cmd.Flags.String("compression", "lz4", "Page compression: none, lz4, zstd or snappy")
	cacheSize := cmd.Flags.Int("cache-size", 10000, "Page cache size in nodes")
	priority := cmd.Flags.String("priority", "NrPointsTaskAge", "Task priority function")
	numThreads := cmd.Flags.Int("num-threads", 0, "Writer worker threads (0 = all CPUs)")
	attributes := cmd.Flags.String("attributes",
		"Position3D:vec3<i32>,Intensity:u16,Classification:u8,GpsTime:f64",
		"Comma-separated point attributes as name:type")
	indexAttrs := cmd.Flags.String("index", "",
		`Comma-separated attribute indexes as attribute:kind, e.g.
"Classification:range,Intensity:histogram". Histograms cover the
values 0 to 65535 with 256 bins, whatever the attribute's type.`)

	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("init takes one directory argument, but got %v", argv)
		}
		dir := argv[0]
		if err := os.MkdirAll(dir, 0777); err != nil {
			return err
		}

		s := &settings{
			NodeShift:        uint8(*nodeShift),
			PointShift:       uint8(*pointShift),
			Scale:            vec3All(*scale),
			Offset:           vec3XYZ(*offsetX, *offsetY, *offsetZ),
			MaxLod:           uint8(*maxLod),
			MaxBogusInner:    *maxBogusInner,
			MaxBogusLeaf:     *maxBogusLeaf,
			Compression:      *compression,
			MaxCacheSize:     *cacheSize,
			PriorityFunction: *priority,
			NumThreads:       *numThreads,
		}
		for _, spec := range strings.Split(*attributes, ",") {
			name, typeName, ok := strings.Cut(strings.TrimSpace(spec), ":")
			if !ok {
				return pkgerrors.Errorf("bad attribute spec %q, want name:type", spec)
			}
			s.Attributes = append(s.Attributes, settingsAttribute{Name: name, DataType: typeName})
		}
		if *indexAttrs != "" {
			for _, spec := range strings.Split(*indexAttrs, ",") {
				name, kind, ok := strings.Cut(strings.TrimSpace(spec), ":")
				if !ok {
					return pkgerrors.Errorf("bad index spec %q, want attribute:kind", spec)
				}
				cfg := settingsAttributeIndex{Attribute: name, Kind: kind}
				if kind == string(attrindexHistogram) {
					cfg.HistogramMin, cfg.HistogramMax = 0, 65535
					cfg.HistogramBins = 256
				}
				s.AttributeIndexes = append(s.AttributeIndexes, cfg)
			}
		}

		// Validate by building the octree once; this also writes the
		// empty directory file.
		params, err := s.octreeParams(dir)
		if err != nil {
			return err
		}
		o, err := octree.New(params)
		if err != nil {
			return err
		}
		if err := o.Flush(); err != nil {
			return err
		}
		if err := writeSettings(dir, s); err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "initialized empty index in %s\n", dir)
		return nil
	})
	return cmd
}

const attrindexHistogram = "histogram"

func vec3All(v float64) geometry.Vec3 {
	return geometry.Vec3{X: v, Y: v, Z: v}
}

func vec3XYZ(x, y, z float64) geometry.Vec3 {
	return geometry.Vec3{X: x, Y: y, Z: z}
}
