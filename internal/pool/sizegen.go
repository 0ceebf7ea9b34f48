// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package pool

import (
	"fmt"
	"math"

	"github.com/fmstephe/slabstore/internal/slaberr"
)

// GenerateAllocSizes produces a default ladder of allocation-class sizes:
// starting at minSize, repeatedly multiplying by factor until exceeding
// maxSize. When reduceFragmentation is set, each size is rounded up to the
// largest value that still packs the same number of chunks into one slab,
// snapping to the next chunks-per-slab boundary instead of wasting the slab
// tail.
//
// It fails with a LogicError if factor <= 1.0, if maxSize > slabSize, if
// reduceFragmentation causes two consecutive steps to collapse onto the
// same rounded size (no growth between steps), or if no size is produced
// at all: these are all impossible combinations of generator parameters,
// not a single bad argument. minSize == 0 remains an InvalidArgument,
// since it names one malformed value rather than an unsatisfiable
// combination.
func GenerateAllocSizes(factor float64, minSize, maxSize uint32, slabSize uint64, reduceFragmentation bool) ([]uint32, error) {
	if factor <= 1.0 {
		return nil, fmt.Errorf("growth factor %v must be greater than 1.0: %w", factor, slaberr.ErrLogicError)
	}
	if minSize == 0 {
		return nil, fmt.Errorf("minimum size must be positive: %w", slaberr.ErrInvalidArgument)
	}
	if uint64(maxSize) > slabSize {
		return nil, fmt.Errorf("maximum size %d exceeds slab size %d: %w", maxSize, slabSize, slaberr.ErrLogicError)
	}

	var sizes []uint32
	size := float64(minSize)
	for {
		rounded := roundToAlignment(size)
		if reduceFragmentation {
			rounded = snapToChunksPerSlabBoundary(rounded, slabSize)
		}

		if rounded > maxSize {
			break
		}

		if len(sizes) > 0 && rounded <= sizes[len(sizes)-1] {
			return nil, fmt.Errorf("generator stalled: size did not grow past %d with factor %v: %w", sizes[len(sizes)-1], factor, slaberr.ErrLogicError)
		}

		sizes = append(sizes, rounded)
		size *= factor
	}

	if len(sizes) == 0 {
		return nil, fmt.Errorf("no allocation sizes generated below maximum %d: %w", maxSize, slaberr.ErrLogicError)
	}

	return sizes, nil
}

const sizeAlignment = 8 // pointer-size alignment, matching allocclass.Class's own requirement

func roundToAlignment(size float64) uint32 {
	rounded := uint32(math.Ceil(size))
	rem := rounded % sizeAlignment
	if rem != 0 {
		rounded += sizeAlignment - rem
	}
	return rounded
}

// snapToChunksPerSlabBoundary rounds size up to the largest value that
// still fits the same number of chunks into one slab as size does,
// preserving the chunks-per-slab count while eliminating the unused tail.
func snapToChunksPerSlabBoundary(size uint32, slabSize uint64) uint32 {
	if size == 0 {
		return size
	}
	chunksPerSlab := slabSize / uint64(size)
	if chunksPerSlab == 0 {
		return size
	}
	snapped := slabSize / chunksPerSlab
	snapped -= snapped % sizeAlignment
	if snapped < uint64(size) {
		return size
	}
	return uint32(snapped)
}
