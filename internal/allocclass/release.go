// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package allocclass

import (
	"fmt"
	"unsafe"

	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
)

// StartSlabRelease chooses a slab held by this class and begins releasing
// it. If hint is non-zero and falls inside a slab this class holds (and
// that slab is not already mid-release), that slab is chosen; otherwise the
// slab with the most already-free chunks is chosen, to minimise quiesce
// work. shouldAbort, if non-nil, is polled twice, once after the class lock
// is acquired and once after the victim is chosen; a true result aborts
// with ErrReleaseAborted. It is not polled while waiting for the class lock
// or during the scan of candidate slabs.
func (c *Class) StartSlabRelease(hint uintptr, mode slabtypes.ReleaseMode, receiver *Class, shouldAbort func() bool) (*ReleaseContext, error) {
	if mode == slabtypes.ModeRebalance && receiver == nil {
		return nil, fmt.Errorf("rebalance release requires a receiver class: %w", slaberr.ErrInvalidArgument)
	}
	if mode == slabtypes.ModeResize && receiver != nil {
		return nil, fmt.Errorf("resize release must not specify a receiver class: %w", slaberr.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if shouldAbort != nil && shouldAbort() {
		return nil, slaberr.ErrReleaseAborted
	}

	idx, ok := c.chooseVictim(hint)
	if !ok {
		return nil, fmt.Errorf("class %d holds no releasable slab: %w", c.id, slaberr.ErrInvalidArgument)
	}

	if shouldAbort != nil && shouldAbort() {
		return nil, slaberr.ErrReleaseAborted
	}

	if err := c.slabAlloc.SetFlag(idx, slabtypes.FlagMarkedForRelease); err != nil {
		return nil, fmt.Errorf("marking slab %d for release: %w", idx, err)
	}

	base := c.slabsHeld[idx]
	live, purged := c.collectLiveAndPurgeFree(base, base+uintptr(c.slabAlloc.SlabSize()))

	rs := &releaseState{
		mode:       mode,
		receiver:   receiver,
		live:       live,
		purgedFree: purged,
	}
	c.release[idx] = rs

	ctx := &ReleaseContext{
		PoolID:          c.poolID,
		ClassID:         c.id,
		ReceiverClassID: slabtypes.InvalidClassID,
		Mode:            mode,
		SlabIndex:       idx,
		Released:        len(live) == 0,
		slabBase:        base,
	}
	if receiver != nil {
		ctx.ReceiverClassID = receiver.id
	}

	return ctx, nil
}

// chooseVictim picks the slab to release. Callers must hold c.mu.
func (c *Class) chooseVictim(hint uintptr) (slabtypes.SlabIndex, bool) {
	if hint != 0 {
		if idx, ok := c.slabAlloc.IndexForPointer(hint); ok {
			if _, held := c.slabsHeld[idx]; held {
				if _, marked := c.release[idx]; !marked {
					return idx, true
				}
			}
		}
	}

	freeCounts := make(map[slabtypes.SlabIndex]int, len(c.slabsHeld))
	for cur := c.freeHead; cur != 0; cur = *(*uintptr)(unsafe.Pointer(cur)) {
		if idx, ok := c.slabAlloc.IndexForPointer(cur); ok {
			freeCounts[idx]++
		}
	}

	var best slabtypes.SlabIndex
	bestCount := -1
	found := false
	for idx := range c.slabsHeld {
		if _, marked := c.release[idx]; marked {
			continue
		}
		if count := freeCounts[idx]; count > bestCount {
			best, bestCount, found = idx, count, true
		}
	}
	return best, found
}

// collectLiveAndPurgeFree removes every free-list entry inside [base,end)
// from the free list, returning the set of addresses inside the slab that
// were NOT on the free list (still held by callers) and the addresses that
// were (and so are simply taken out of circulation until the release
// finishes or aborts). Callers must hold c.mu.
func (c *Class) collectLiveAndPurgeFree(base, end uintptr) (live map[uintptr]struct{}, purged []uintptr) {
	chunkSize := uintptr(c.allocSize)
	live = make(map[uintptr]struct{})
	for p := base; p < end; p += chunkSize {
		live[p] = struct{}{}
	}

	var keptHead uintptr
	var keptTail *uintptr
	cur := c.freeHead
	for cur != 0 {
		next := *(*uintptr)(unsafe.Pointer(cur))
		if cur >= base && cur < end {
			delete(live, cur)
			purged = append(purged, cur)
		} else {
			if keptTail == nil {
				keptHead = cur
			} else {
				*keptTail = cur
			}
			keptTail = (*uintptr)(unsafe.Pointer(cur))
		}
		cur = next
	}
	if keptTail != nil {
		*keptTail = 0
	}
	c.freeHead = keptHead

	return live, purged
}

// ProcessAllocForRelease invokes callback(ptr) and removes ptr from the
// release context's live set, iff ptr is currently tracked as live. It is
// the caller's way of actively quiescing a specific outstanding allocation
// instead of waiting for an ordinary Free.
func (c *Class) ProcessAllocForRelease(ctx *ReleaseContext, ptr uintptr, callback func(uintptr)) {
	c.mu.Lock()
	rs, ok := c.release[ctx.SlabIndex]
	if !ok {
		c.mu.Unlock()
		return
	}
	_, live := rs.live[ptr]
	if live {
		delete(rs.live, ptr)
	}
	drained := live && len(rs.live) == 0
	c.mu.Unlock()

	if !live {
		return
	}
	callback(ptr)
	if drained {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// IsAllocFree reports whether ptr, which must lie in ctx's slab, is
// currently free (i.e. not in the live set).
func (c *Class) IsAllocFree(ctx *ReleaseContext, ptr uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ptr < ctx.slabBase || ptr >= ctx.slabBase+uintptr(c.slabAlloc.SlabSize()) {
		return false
	}
	rs, ok := c.release[ctx.SlabIndex]
	if !ok {
		return true
	}
	_, live := rs.live[ptr]
	return !live
}

// AllAllocsFreed reports whether ctx's live set has drained to empty.
func (c *Class) AllAllocsFreed(ctx *ReleaseContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.release[ctx.SlabIndex]
	if !ok {
		return true
	}
	return len(rs.live) == 0
}

// CompleteSlabRelease blocks until ctx's live set drains to empty, then
// removes the slab from this class and either returns it to the pool
// (ModeResize) or carves it afresh into the receiver class (ModeRebalance).
func (c *Class) CompleteSlabRelease(ctx *ReleaseContext) error {
	if ctx.ClassID != c.id {
		return fmt.Errorf("release context belongs to class %d, not class %d: %w", ctx.ClassID, c.id, slaberr.ErrInvalidArgument)
	}

	c.mu.Lock()
	rs, ok := c.release[ctx.SlabIndex]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no release in progress for slab %d on class %d: %w", ctx.SlabIndex, c.id, slaberr.ErrInvalidArgument)
	}
	for len(rs.live) > 0 {
		c.cond.Wait()
	}

	base, ok := c.slabsHeld[ctx.SlabIndex]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("slab %d is no longer held by class %d: %w", ctx.SlabIndex, c.id, slaberr.ErrRuntimeError)
	}
	delete(c.slabsHeld, ctx.SlabIndex)
	delete(c.release, ctx.SlabIndex)
	c.mu.Unlock()

	if err := c.slabAlloc.ClearFlag(ctx.SlabIndex, slabtypes.FlagMarkedForRelease); err != nil {
		return fmt.Errorf("clearing release flag on slab %d: %w", ctx.SlabIndex, err)
	}

	switch rs.mode {
	case slabtypes.ModeResize:
		if err := c.source.ReturnSlab(ctx.SlabIndex); err != nil {
			return fmt.Errorf("returning slab %d to pool: %w", ctx.SlabIndex, err)
		}
		return nil

	case slabtypes.ModeRebalance:
		if rs.receiver == nil {
			return fmt.Errorf("rebalance release for slab %d has no receiver class: %w", ctx.SlabIndex, slaberr.ErrRuntimeError)
		}
		if err := c.slabAlloc.SetHeader(ctx.SlabIndex, slabtypes.Header{
			PoolID:    c.poolID,
			ClassID:   rs.receiver.id,
			AllocSize: rs.receiver.allocSize,
		}); err != nil {
			return fmt.Errorf("rewriting header for slab %d: %w", ctx.SlabIndex, err)
		}
		rs.receiver.receiveSlab(ctx.SlabIndex, base)
		return nil

	default:
		return fmt.Errorf("release context for slab %d has unknown mode %v: %w", ctx.SlabIndex, rs.mode, slaberr.ErrRuntimeError)
	}
}

// AbortSlabRelease cancels an in-progress release. It requires the live set
// to be non-empty (an already-drained release should be completed, not
// aborted). It clears MarkedForRelease and puts back on the free list every
// chunk that was free before the release started. Chunks freed DURING the
// aborted release are not moved back into "live" — they go back on the
// free list as well, which is documented, intentional behaviour.
func (c *Class) AbortSlabRelease(ctx *ReleaseContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.release[ctx.SlabIndex]
	if !ok {
		return fmt.Errorf("no release in progress for slab %d on class %d: %w", ctx.SlabIndex, c.id, slaberr.ErrInvalidArgument)
	}
	if len(rs.live) == 0 {
		return fmt.Errorf("cannot abort release of slab %d: no live allocations remain: %w", ctx.SlabIndex, slaberr.ErrInvalidArgument)
	}

	delete(c.release, ctx.SlabIndex)
	if err := c.slabAlloc.ClearFlag(ctx.SlabIndex, slabtypes.FlagMarkedForRelease); err != nil {
		return fmt.Errorf("clearing release flag on slab %d: %w", ctx.SlabIndex, err)
	}

	for _, ptr := range rs.purgedFree {
		c.pushFree(ptr)
	}

	return nil
}
