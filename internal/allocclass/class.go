// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package allocclass

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fmstephe/slabstore/internal/slaballoc"
	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
)

const pointerSize = unsafe.Sizeof(uintptr(0))

// SlabSource is how a Class asks its owning pool for a new slab, and how it
// hands a slab back once a RESIZE release completes. A Pool implements this
// interface; Class never talks to the slab allocator's budget directly.
type SlabSource interface {
	// AcquireSlab asks the pool for a new slab to serve this class. The
	// pool checks its target-vs-current budget, pulls a physical slab
	// from the slab allocator if there is room, and writes the slab's
	// header with (poolID, classID, allocSize) before returning it.
	AcquireSlab(classID slabtypes.ClassID, allocSize uint32) (idx slabtypes.SlabIndex, base uintptr, ok bool)

	// ReturnSlab hands a slab, already removed from this class, back to
	// the pool for physical reclamation (RESIZE mode release).
	ReturnSlab(idx slabtypes.SlabIndex) error
}

// releaseState is the transient bookkeeping for one slab mid-release. It is
// keyed by slab index inside the class (not stored on the slab) so an
// aborted release leaves no trace beyond the header's MarkedForRelease bit.
type releaseState struct {
	mode       slabtypes.ReleaseMode
	receiver   *Class // only set when mode == ModeRebalance
	live       map[uintptr]struct{}
	purgedFree []uintptr // chunks free when the release started or freed while it is in progress
}

// ReleaseContext is the transient token returned by StartSlabRelease and
// consumed by CompleteSlabRelease or AbortSlabRelease.
type ReleaseContext struct {
	PoolID          slabtypes.PoolID
	ClassID         slabtypes.ClassID
	ReceiverClassID slabtypes.ClassID // InvalidClassID unless Mode == ModeRebalance
	Mode            slabtypes.ReleaseMode
	SlabIndex       slabtypes.SlabIndex

	// Released is true if, at the moment StartSlabRelease ran, the slab
	// already had no live allocations (CompleteSlabRelease will not need
	// to wait).
	Released bool

	slabBase uintptr
}

// Class manages every slab assigned to one allocation size within one pool.
type Class struct {
	id        slabtypes.ClassID
	poolID    slabtypes.PoolID
	allocSize uint32
	slabAlloc *slaballoc.Allocator
	source    SlabSource

	mu        sync.Mutex
	cond      *sync.Cond
	slabsHeld map[slabtypes.SlabIndex]uintptr // slab index -> slab base address
	freeHead  uintptr                         // intrusive LIFO free-list head, 0 means empty
	release   map[slabtypes.SlabIndex]*releaseState
}

// New constructs a Class serving allocSize-byte allocations.
func New(id slabtypes.ClassID, poolID slabtypes.PoolID, allocSize uint32, slabAlloc *slaballoc.Allocator, source SlabSource) (*Class, error) {
	if id > slabtypes.MaxClassID {
		return nil, fmt.Errorf("class id %d exceeds max class id %d: %w", id, slabtypes.MaxClassID, slaberr.ErrInvalidArgument)
	}
	if allocSize == 0 {
		return nil, fmt.Errorf("allocation size must be positive: %w", slaberr.ErrInvalidArgument)
	}
	if uint64(allocSize)%uint64(pointerSize) != 0 {
		return nil, fmt.Errorf("allocation size %d must be a multiple of pointer size %d: %w", allocSize, pointerSize, slaberr.ErrInvalidArgument)
	}
	if uint64(allocSize) > slabAlloc.SlabSize() {
		return nil, fmt.Errorf("allocation size %d exceeds slab size %d: %w", allocSize, slabAlloc.SlabSize(), slaberr.ErrInvalidArgument)
	}

	c := &Class{
		id:        id,
		poolID:    poolID,
		allocSize: allocSize,
		slabAlloc: slabAlloc,
		source:    source,
		slabsHeld: make(map[slabtypes.SlabIndex]uintptr),
		release:   make(map[slabtypes.SlabIndex]*releaseState),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// ID returns this class's id.
func (c *Class) ID() slabtypes.ClassID {
	return c.id
}

// AllocSize returns the fixed chunk size this class serves.
func (c *Class) AllocSize() uint32 {
	return c.allocSize
}

// Allocate pops a free chunk, carving a new slab from the owning pool if
// the free list is empty. It returns ok=false on exhaustion (OutOfMemory is
// not an error, per the error-handling design).
func (c *Class) Allocate() (ptr uintptr, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ptr, ok := c.popFree(); ok {
		return ptr, true
	}

	idx, base, ok := c.source.AcquireSlab(c.id, c.allocSize)
	if !ok {
		return 0, false
	}
	c.carveSlab(idx, base)

	return c.popFree()
}

// Free returns ptr to the class's free list. ptr must lie inside a slab
// held by this class and be aligned to AllocSize.
func (c *Class) Free(ptr uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, base, ok := c.resolveOwnedSlab(ptr)
	if !ok {
		return fmt.Errorf("pointer %#x does not belong to class %d: %w", ptr, c.id, slaberr.ErrInvalidArgument)
	}
	if (ptr-base)%uintptr(c.allocSize) != 0 {
		return fmt.Errorf("pointer %#x is not aligned to allocation size %d: %w", ptr, c.allocSize, slaberr.ErrInvalidArgument)
	}

	if rs, marked := c.release[idx]; marked {
		// The slab is mid-release: keep the chunk out of circulation
		// until the release completes or aborts.
		rs.purgedFree = append(rs.purgedFree, ptr)
		if _, wasLive := rs.live[ptr]; wasLive {
			delete(rs.live, ptr)
			if len(rs.live) == 0 {
				c.cond.Broadcast()
			}
		}
		return nil
	}

	c.pushFree(ptr)
	return nil
}

// resolveOwnedSlab finds the slab index and base address owning ptr,
// verifying this class actually holds that slab.
func (c *Class) resolveOwnedSlab(ptr uintptr) (slabtypes.SlabIndex, uintptr, bool) {
	idx, ok := c.slabAlloc.IndexForPointer(ptr)
	if !ok {
		return 0, 0, false
	}
	base, held := c.slabsHeld[idx]
	if !held {
		return 0, 0, false
	}
	return idx, base, true
}

func (c *Class) carveSlab(idx slabtypes.SlabIndex, base uintptr) {
	c.slabsHeld[idx] = base

	slabSize := c.slabAlloc.SlabSize()
	chunksPerSlab := slabSize / uint64(c.allocSize)
	for i := uint64(0); i < chunksPerSlab; i++ {
		ptr := base + uintptr(i*uint64(c.allocSize))
		c.pushFree(ptr)
	}
}

// receiveSlab is called by a sibling class whose CompleteSlabRelease is
// handing this class a slab under mode ModeRebalance. The caller must not
// hold any class's lock when calling this.
func (c *Class) receiveSlab(idx slabtypes.SlabIndex, base uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carveSlab(idx, base)
}

func (c *Class) pushFree(ptr uintptr) {
	*(*uintptr)(unsafe.Pointer(ptr)) = c.freeHead
	c.freeHead = ptr
}

func (c *Class) popFree() (uintptr, bool) {
	if c.freeHead == 0 {
		return 0, false
	}
	ptr := c.freeHead
	c.freeHead = *(*uintptr)(unsafe.Pointer(ptr))
	return ptr, true
}

// Stats is a point-in-time snapshot used by metrics and pool-level
// aggregation.
type Stats struct {
	AllocSize  uint32
	SlabsHeld  int
	FreeChunks int
}

func (c *Class) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	free := 0
	for cur := c.freeHead; cur != 0; cur = *(*uintptr)(unsafe.Pointer(cur)) {
		free++
	}
	return Stats{
		AllocSize:  c.allocSize,
		SlabsHeld:  len(c.slabsHeld),
		FreeChunks: free,
	}
}
