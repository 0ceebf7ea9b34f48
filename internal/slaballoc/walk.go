// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slaballoc

import "github.com/fmstephe/slabstore/internal/slabtypes"

// Walk calls fn once per chunk in every slab whose header satisfies match,
// in slab order, then chunk order within each slab, stepping by the
// header's recorded AllocSize. Slabs that are unassigned, advised, or
// marked for release are always skipped, regardless of match, mirroring
// for_each_allocation's documented traversal rule.
//
// It takes no lock: headers are read with the same lock-free,
// checksum-guarded path as HeaderFor, so a slab mid-release or
// mid-reassignment may be skipped, or walked with a stale AllocSize for one
// step; callers that need a precise view should re-check the header
// themselves once they hold an allocation-class lock.
//
// Walk returns the number of slabs skipped under the unassigned/advised/
// marked-for-release rule or because match rejected them.
func (a *Allocator) Walk(match func(slabtypes.Header) bool, fn func(ptr uintptr, h slabtypes.Header) slabtypes.WalkDecision) (skippedSlabs int) {
slabLoop:
	for i := uint32(0); i < a.numSlabs; i++ {
		idx := slabtypes.SlabIndex(i)
		h := a.readHeader(idx)
		if h.Unassigned() || h.Flags&(slabtypes.FlagAdvised|slabtypes.FlagMarkedForRelease) != 0 || !match(h) {
			skippedSlabs++
			continue
		}
		if h.AllocSize == 0 {
			skippedSlabs++
			continue
		}

		base := a.slabBase + uintptr(i)*uintptr(a.slabSize)
		end := base + uintptr(a.slabSize)

	chunkLoop:
		for ptr := base; ptr < end; ptr += uintptr(h.AllocSize) {
			switch fn(ptr, h) {
			case slabtypes.WalkContinue:
				continue chunkLoop
			case slabtypes.WalkSkipRemaining:
				continue slabLoop
			case slabtypes.WalkAbort:
				break slabLoop
			}
		}
	}

	return skippedSlabs
}
