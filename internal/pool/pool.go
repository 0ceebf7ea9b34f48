// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fmstephe/slabstore/internal/allocclass"
	"github.com/fmstephe/slabstore/internal/slaballoc"
	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
)

// Pool is a named budget of slabs, divided across an ordered set of
// allocation classes. A Pool implements allocclass.SlabSource for its own
// classes: a class asks its pool for a slab, and the pool either pulls one
// from the shared slaballoc.Allocator (if there is budget) or reports
// exhaustion.
type Pool struct {
	id        slabtypes.PoolID
	name      string
	slabAlloc *slaballoc.Allocator

	mu               sync.Mutex
	targetSizeBytes  uint64
	currentSizeBytes uint64
	classes          []*allocclass.Class // sorted ascending by AllocSize
	classByID        map[slabtypes.ClassID]*allocclass.Class
}

// New constructs a Pool with one allocation class per entry in allocSizes
// (which need not already be sorted). Class ids are assigned densely,
// starting at 0, in ascending AllocSize order.
func New(id slabtypes.PoolID, name string, slabAlloc *slaballoc.Allocator, targetSizeBytes uint64, allocSizes []uint32) (*Pool, error) {
	if name == "" {
		return nil, fmt.Errorf("pool name must not be empty: %w", slaberr.ErrInvalidArgument)
	}
	if len(allocSizes) == 0 {
		return nil, fmt.Errorf("pool %q needs at least one allocation size: %w", name, slaberr.ErrInvalidArgument)
	}

	sorted := append([]uint32(nil), allocSizes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p := &Pool{
		id:              id,
		name:            name,
		slabAlloc:       slabAlloc,
		targetSizeBytes: targetSizeBytes,
		classByID:       make(map[slabtypes.ClassID]*allocclass.Class, len(sorted)),
	}

	for i, size := range sorted {
		classID := slabtypes.ClassID(i)
		c, err := allocclass.New(classID, id, size, slabAlloc, p)
		if err != nil {
			return nil, fmt.Errorf("pool %q class %d: %w", name, classID, err)
		}
		p.classes = append(p.classes, c)
		p.classByID[classID] = c
	}

	return p, nil
}

// ID returns this pool's id.
func (p *Pool) ID() slabtypes.PoolID {
	return p.id
}

// Name returns this pool's name.
func (p *Pool) Name() string {
	return p.name
}

// Classify finds the smallest allocation class able to serve size.
func (p *Pool) Classify(size uint32) (slabtypes.ClassID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := sort.Search(len(p.classes), func(i int) bool {
		return p.classes[i].AllocSize() >= size
	})
	if i == len(p.classes) {
		return 0, fmt.Errorf("no allocation class in pool %q serves size %d: %w", p.name, size, slaberr.ErrInvalidArgument)
	}
	return p.classes[i].ID(), nil
}

// Allocate classifies size and delegates to that class.
func (p *Pool) Allocate(size uint32) (uintptr, bool, error) {
	classID, err := p.Classify(size)
	if err != nil {
		return 0, false, err
	}
	c, err := p.GetAllocClass(classID)
	if err != nil {
		return 0, false, err
	}
	ptr, ok := c.Allocate()
	return ptr, ok, nil
}

// Resize sets the pool's target size. If target is below the pool's
// current size, the pool is left over-limit; the caller reclaims the
// difference through repeated slab releases.
func (p *Pool) Resize(targetSizeBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetSizeBytes = targetSizeBytes
}

// GetAllocClass returns the class with the given id.
func (p *Pool) GetAllocClass(id slabtypes.ClassID) (*allocclass.Class, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.classByID[id]
	if !ok {
		return nil, fmt.Errorf("pool %q has no class %d: %w", p.name, id, slaberr.ErrInvalidArgument)
	}
	return c, nil
}

// GetAllocSize returns the chunk size served by class id.
func (p *Pool) GetAllocSize(id slabtypes.ClassID) (uint32, error) {
	c, err := p.GetAllocClass(id)
	if err != nil {
		return 0, err
	}
	return c.AllocSize(), nil
}

// ClassStats returns a point-in-time snapshot of class id.
func (p *Pool) ClassStats(id slabtypes.ClassID) (allocclass.Stats, error) {
	c, err := p.GetAllocClass(id)
	if err != nil {
		return allocclass.Stats{}, err
	}
	return c.Stats(), nil
}

// AllSlabsAllocated reports whether there is no budget remaining to carve
// another slab without exceeding the pool's target size.
func (p *Pool) AllSlabsAllocated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSizeBytes+p.slabAlloc.SlabSize() > p.targetSizeBytes
}

// Sizes returns a snapshot pair of (current, target) bytes.
func (p *Pool) Sizes() (current, target uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSizeBytes, p.targetSizeBytes
}

// ForEachAllocation walks every chunk in every usable, non-advised,
// non-marked slab owned by this pool.
func (p *Pool) ForEachAllocation(fn func(ptr uintptr, info slabtypes.AllocInfo) slabtypes.WalkDecision) (skippedSlabs int) {
	id := p.id
	return p.slabAlloc.Walk(
		func(h slabtypes.Header) bool { return h.PoolID == id },
		func(ptr uintptr, h slabtypes.Header) slabtypes.WalkDecision {
			return fn(ptr, slabtypes.AllocInfo{PoolID: h.PoolID, ClassID: h.ClassID, AllocSize: h.AllocSize})
		},
	)
}

// AcquireSlab implements allocclass.SlabSource. It pulls a physical slab
// from the shared slab allocator only if doing so keeps currentSizeBytes
// within targetSizeBytes, and stamps the slab's header with this pool's id
// before handing it to the requesting class.
func (p *Pool) AcquireSlab(classID slabtypes.ClassID, allocSize uint32) (slabtypes.SlabIndex, uintptr, bool) {
	slabSize := p.slabAlloc.SlabSize()

	p.mu.Lock()
	if p.currentSizeBytes+slabSize > p.targetSizeBytes {
		p.mu.Unlock()
		return 0, 0, false
	}
	p.currentSizeBytes += slabSize // reserved up front so concurrent acquirers can't both pass the check
	p.mu.Unlock()

	idx, ok := p.slabAlloc.AcquireFreeSlab()
	if !ok {
		p.mu.Lock()
		p.currentSizeBytes -= slabSize
		p.mu.Unlock()
		return 0, 0, false
	}

	if err := p.slabAlloc.SetHeader(idx, slabtypes.Header{PoolID: p.id, ClassID: classID, AllocSize: allocSize}); err != nil {
		_ = p.slabAlloc.ReleaseSlab(idx)
		p.mu.Lock()
		p.currentSizeBytes -= slabSize
		p.mu.Unlock()
		return 0, 0, false
	}

	base, err := p.slabAlloc.SlabFor(idx)
	if err != nil {
		_ = p.slabAlloc.ReleaseSlab(idx)
		p.mu.Lock()
		p.currentSizeBytes -= slabSize
		p.mu.Unlock()
		return 0, 0, false
	}

	return idx, base, true
}

// ReturnSlab implements allocclass.SlabSource. It hands a slab, already
// removed from its class, back to the shared slab allocator and shrinks
// currentSizeBytes to match.
func (p *Pool) ReturnSlab(idx slabtypes.SlabIndex) error {
	if err := p.slabAlloc.ReleaseSlab(idx); err != nil {
		return err
	}
	p.mu.Lock()
	p.currentSizeBytes -= p.slabAlloc.SlabSize()
	p.mu.Unlock()
	return nil
}
