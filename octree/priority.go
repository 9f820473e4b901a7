// Copyright 2020 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package octree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/lidarserv/geometry"
)

// TaskPriorityFunction defines the total order the writer pops pending
// insertion tasks in. It never affects correctness, only throughput and
// the latency distribution across levels of detail.
type TaskPriorityFunction uint8

const (
	// NrPoints prefers the task with the most queued points.
	NrPoints TaskPriorityFunction = iota
	// Lod prefers coarser cells (then older tasks).
	Lod
	// OldestPoint prefers the task with the oldest queued point.
	OldestPoint
	// NewestPoint prefers the task with the newest queued point.
	NewestPoint
	// TaskAge prefers the task created longest ago.
	TaskAge
	// NrPointsWeightedByTaskAge weighs point count exponentially by task
	// age.
	NrPointsWeightedByTaskAge
	// NrPointsWeightedByOldestPoint weighs point count exponentially by
	// the oldest point's age.
	NrPointsWeightedByOldestPoint
	// NrPointsWeightedByNegNewestPoint weighs point count exponentially
	// by the newest point's age.
	NrPointsWeightedByNegNewestPoint
	// Cleanup prefers finer cells. Used while draining the queue on
	// shutdown, so children complete before their parents receive the
	// propagated points.
	Cleanup
)

// ParseTaskPriorityFunction parses the command line form.
func ParseTaskPriorityFunction(s string) (TaskPriorityFunction, error) {
	switch s {
	case "NrPoints":
		return NrPoints, nil
	case "Lod":
		return Lod, nil
	case "OldestPoint":
		return OldestPoint, nil
	case "NewestPoint":
		return NewestPoint, nil
	case "TaskAge":
		return TaskAge, nil
	case "NrPointsTaskAge":
		return NrPointsWeightedByTaskAge, nil
	case "NrPointsOldestPoint":
		return NrPointsWeightedByOldestPoint, nil
	case "NrPointsNegNewestPoint":
		return NrPointsWeightedByNegNewestPoint, nil
	}
	return NrPoints, errors.E(errors.Invalid, fmt.Sprintf(
		"invalid task priority function %q; must be one of "+
			"NrPoints, Lod, OldestPoint, NewestPoint, TaskAge, "+
			"NrPointsTaskAge, NrPointsOldestPoint, NrPointsNegNewestPoint", s))
}

// String implements fmt.Stringer.
func (f TaskPriorityFunction) String() string {
	switch f {
	case NrPoints:
		return "NrPoints"
	case Lod:
		return "Lod"
	case OldestPoint:
		return "OldestPoint"
	case NewestPoint:
		return "NewestPoint"
	case TaskAge:
		return "TaskAge"
	case NrPointsWeightedByTaskAge:
		return "NrPointsTaskAge"
	case NrPointsWeightedByOldestPoint:
		return "NrPointsOldestPoint"
	case NrPointsWeightedByNegNewestPoint:
		return "NrPointsNegNewestPoint"
	case Cleanup:
		return "LodInverse"
	}
	return "invalid"
}

// cellHash is the final tie breaker of the task order.
func cellHash(cell geometry.LeveledGridCell) uint64 {
	var raw [13]byte
	raw[0] = uint8(cell.Lod)
	binary.LittleEndian.PutUint32(raw[1:5], uint32(cell.Pos.X))
	binary.LittleEndian.PutUint32(raw[5:9], uint32(cell.Pos.Y))
	binary.LittleEndian.PutUint32(raw[9:13], uint32(cell.Pos.Z))
	return farm.Hash64(raw[:])
}

// compare orders two pending tasks. The result is > 0 when task 1 has the
// higher priority. Ties are broken on (lod, created generation, cell
// hash) so the order is total even across equal priorities.
func (f TaskPriorityFunction) compare(cell1 geometry.LeveledGridCell, task1 *InsertionTask, cell2 geometry.LeveledGridCell, task2 *InsertionTask) int {
	if c := f.comparePriority(cell1, task1, cell2, task2); c != 0 {
		return c
	}
	// Coarser first, then older, then by cell hash.
	if cell1.Lod != cell2.Lod {
		return int(cell2.Lod) - int(cell1.Lod)
	}
	if task1.createdGeneration != task2.createdGeneration {
		return int(task2.createdGeneration) - int(task1.createdGeneration)
	}
	return cmpUint64(cellHash(cell1), cellHash(cell2))
}

func (f TaskPriorityFunction) comparePriority(cell1 geometry.LeveledGridCell, task1 *InsertionTask, cell2 geometry.LeveledGridCell, task2 *InsertionTask) int {
	switch f {
	case NrPoints:
		return task1.points.Len() - task2.points.Len()
	case Lod:
		if cell1.Lod != cell2.Lod {
			return int(cell2.Lod) - int(cell1.Lod)
		}
		return int(task2.createdGeneration) - int(task1.createdGeneration)
	case Cleanup:
		return int(cell1.Lod) - int(cell2.Lod)
	case OldestPoint:
		return int(task2.minGeneration) - int(task1.minGeneration)
	case NewestPoint:
		return int(task1.maxGeneration) - int(task2.maxGeneration)
	case TaskAge:
		return int(task2.createdGeneration) - int(task1.createdGeneration)
	case NrPointsWeightedByTaskAge:
		return cmpWeighted(task1.points.Len(), task1.createdGeneration,
			task2.points.Len(), task2.createdGeneration)
	case NrPointsWeightedByOldestPoint:
		return cmpWeighted(task1.points.Len(), task1.minGeneration,
			task2.points.Len(), task2.minGeneration)
	case NrPointsWeightedByNegNewestPoint:
		return cmpWeighted(task1.points.Len(), task1.maxGeneration,
			task2.points.Len(), task2.maxGeneration)
	}
	return 0
}

// cmpWeighted compares nr1 * 2^(g-gen1) against nr2 * 2^(g-gen2) with
// g = max(gen1, gen2).
func cmpWeighted(nr1 int, gen1 uint32, nr2 int, gen2 uint32) int {
	base := gen1
	if gen2 > base {
		base = gen2
	}
	w1 := float64(nr1) * math.Exp2(float64(base-gen1))
	w2 := float64(nr2) * math.Exp2(float64(base-gen2))
	switch {
	case w1 < w2:
		return -1
	case w1 > w2:
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
