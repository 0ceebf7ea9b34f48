// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package slabstore implements the allocation core of a distributed
// key-value object store: a slab-based memory allocator carved from a
// single caller-supplied backing region, divided into named pools and,
// within each pool, fixed-size allocation classes.
//
// See internal/slaballoc, internal/allocclass, internal/pool and
// internal/poolmanager for the layered implementation; this package wires
// those layers together behind a single Allocator and translates pointer
// arithmetic into the PoolID/ClassID namespace callers operate in.
package slabstore

import (
	"fmt"

	"github.com/fmstephe/slabstore/internal/allocclass"
	"github.com/fmstephe/slabstore/internal/poolmanager"
	"github.com/fmstephe/slabstore/internal/slaballoc"
	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
	"go.uber.org/zap"
)

// Re-exported so callers never need to import the internal packages
// directly.
type (
	PoolID       = slabtypes.PoolID
	ClassID      = slabtypes.ClassID
	AllocInfo    = slabtypes.AllocInfo
	ReleaseMode  = slabtypes.ReleaseMode
	WalkDecision = slabtypes.WalkDecision
	ClassStats   = allocclass.Stats
)

const (
	ModeResize    = slabtypes.ModeResize
	ModeRebalance = slabtypes.ModeRebalance

	WalkContinue      = slabtypes.WalkContinue
	WalkSkipRemaining = slabtypes.WalkSkipRemaining
	WalkAbort         = slabtypes.WalkAbort
)

// Config supplies the two backing regions and optional logger needed to
// construct an Allocator. HeaderMemory and SlabMemory must outlive the
// Allocator; both are typically backed by an mmap'd region from the
// backing package.
type Config struct {
	HeaderMemory []byte
	SlabMemory   []byte

	// SlabSize overrides the default slab size (rounded up to the next
	// power of two). Zero selects slaballoc.DefaultSlabSize.
	SlabSize uint64

	// Logger receives structured pool-management events. A no-op logger
	// is used if nil.
	Logger *zap.Logger
}

// Allocator is the root façade over the slab allocator, the pool manager,
// and every pool's allocation classes.
type Allocator struct {
	slabAlloc *slaballoc.Allocator
	manager   *poolmanager.Manager
}

// New constructs an Allocator over cfg's backing regions.
func New(cfg Config) (*Allocator, error) {
	var slabAlloc *slaballoc.Allocator
	var err error
	if cfg.SlabSize == 0 {
		slabAlloc, err = slaballoc.New(cfg.HeaderMemory, cfg.SlabMemory)
	} else {
		slabAlloc, err = slaballoc.NewSized(cfg.HeaderMemory, cfg.SlabMemory, cfg.SlabSize)
	}
	if err != nil {
		return nil, fmt.Errorf("constructing slab allocator: %w", err)
	}

	totalUsable := uint64(slabAlloc.UsableSlabCount()) * slabAlloc.SlabSize()
	manager := poolmanager.New(slabAlloc, totalUsable, cfg.Logger)

	return &Allocator{slabAlloc: slabAlloc, manager: manager}, nil
}

// AddPool registers a new named pool. See poolmanager.Manager.AddPool.
func (a *Allocator) AddPool(name string, size uint64, allocSizes []uint32, ensureProvisionable bool) (PoolID, error) {
	return a.manager.AddPool(name, size, allocSizes, ensureProvisionable)
}

// GrowPool increases a pool's target size, drawing from the unreserved
// budget.
func (a *Allocator) GrowPool(id PoolID, bytes uint64) error {
	return a.manager.GrowPool(id, bytes)
}

// ShrinkPool decreases a pool's target size, returning the difference to
// the unreserved budget.
func (a *Allocator) ShrinkPool(id PoolID, bytes uint64) error {
	return a.manager.ShrinkPool(id, bytes)
}

// ResizePools moves target-size budget from src to dst.
func (a *Allocator) ResizePools(src, dst PoolID, bytes uint64) error {
	return a.manager.ResizePools(src, dst, bytes)
}

// GetPoolsOverLimit returns pools whose current size exceeds their target.
func (a *Allocator) GetPoolsOverLimit() []PoolID {
	return a.manager.GetPoolsOverLimit()
}

// BytesUnreserved returns the budget not yet committed to any pool.
func (a *Allocator) BytesUnreserved() uint64 {
	return a.manager.BytesUnreserved()
}

// BytesAdvised returns the number of slab bytes currently advised back to
// the OS across every pool.
func (a *Allocator) BytesAdvised() uint64 {
	return a.manager.BytesAdvised()
}

// Stats is a point-in-time snapshot of the underlying slab allocator,
// intended to feed the metrics package.
func (a *Allocator) Stats() slaballoc.Stats {
	return a.slabAlloc.Stats()
}

// ClassStats returns a point-in-time snapshot of one pool's allocation
// class.
func (a *Allocator) ClassStats(poolID PoolID, classID ClassID) (ClassStats, error) {
	p, err := a.manager.GetPool(poolID)
	if err != nil {
		return ClassStats{}, err
	}
	return p.ClassStats(classID)
}

// Allocate classifies size within pool id and returns a pointer, or
// ok=false on exhaustion.
func (a *Allocator) Allocate(id PoolID, size uint32) (ptr uintptr, ok bool, err error) {
	p, err := a.manager.GetPool(id)
	if err != nil {
		return 0, false, err
	}
	return p.Allocate(size)
}

// Free returns ptr to its owning class's free list. The pool and class are
// recovered from the slab header; callers never need to track them.
func (a *Allocator) Free(ptr uintptr) error {
	c, err := a.classFor(ptr)
	if err != nil {
		return err
	}
	return c.Free(ptr)
}

// GetAllocInfo reads (pool, class, alloc size) directly from ptr's slab
// header, taking no lock.
func (a *Allocator) GetAllocInfo(ptr uintptr) (AllocInfo, bool) {
	h, ok := a.slabAlloc.HeaderFor(ptr)
	if !ok || h.Unassigned() {
		return AllocInfo{}, false
	}
	return AllocInfo{PoolID: h.PoolID, ClassID: h.ClassID, AllocSize: h.AllocSize}, true
}

// ForEachAllocation walks every chunk of every usable, non-advised,
// non-marked-for-release slab across all pools.
func (a *Allocator) ForEachAllocation(fn func(ptr uintptr, info AllocInfo) WalkDecision) (skippedSlabs int) {
	return a.slabAlloc.Walk(
		func(slabtypes.Header) bool { return true },
		func(ptr uintptr, h slabtypes.Header) slabtypes.WalkDecision {
			return fn(ptr, AllocInfo{PoolID: h.PoolID, ClassID: h.ClassID, AllocSize: h.AllocSize})
		},
	)
}

// StartSlabRelease begins releasing a slab held by (poolID, classID). For
// ModeRebalance, receiverClassID names the sibling class in the same pool
// that will receive the slab.
func (a *Allocator) StartSlabRelease(poolID PoolID, classID ClassID, hint uintptr, mode ReleaseMode, receiverClassID ClassID, shouldAbort func() bool) (*allocclass.ReleaseContext, error) {
	p, err := a.manager.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	victim, err := p.GetAllocClass(classID)
	if err != nil {
		return nil, err
	}

	var receiver *allocclass.Class
	if mode == ModeRebalance {
		receiver, err = p.GetAllocClass(receiverClassID)
		if err != nil {
			return nil, err
		}
	}

	return victim.StartSlabRelease(hint, mode, receiver, shouldAbort)
}

// ProcessAllocForRelease actively quiesces ptr for an in-progress release.
func (a *Allocator) ProcessAllocForRelease(ctx *allocclass.ReleaseContext, ptr uintptr, callback func(uintptr)) error {
	c, err := a.classForContext(ctx)
	if err != nil {
		return err
	}
	c.ProcessAllocForRelease(ctx, ptr, callback)
	return nil
}

// IsAllocFree reports whether ptr is currently free within ctx's release.
func (a *Allocator) IsAllocFree(ctx *allocclass.ReleaseContext, ptr uintptr) (bool, error) {
	c, err := a.classForContext(ctx)
	if err != nil {
		return false, err
	}
	return c.IsAllocFree(ctx, ptr), nil
}

// AllAllocsFreed reports whether ctx's live set has fully drained.
func (a *Allocator) AllAllocsFreed(ctx *allocclass.ReleaseContext) (bool, error) {
	c, err := a.classForContext(ctx)
	if err != nil {
		return false, err
	}
	return c.AllAllocsFreed(ctx), nil
}

// CompleteSlabRelease blocks until ctx drains, then reclaims or transfers
// the slab.
func (a *Allocator) CompleteSlabRelease(ctx *allocclass.ReleaseContext) error {
	c, err := a.classForContext(ctx)
	if err != nil {
		return err
	}
	return c.CompleteSlabRelease(ctx)
}

// AbortSlabRelease cancels an in-progress release.
func (a *Allocator) AbortSlabRelease(ctx *allocclass.ReleaseContext) error {
	c, err := a.classForContext(ctx)
	if err != nil {
		return err
	}
	return c.AbortSlabRelease(ctx)
}

func (a *Allocator) classForContext(ctx *allocclass.ReleaseContext) (*allocclass.Class, error) {
	p, err := a.manager.GetPool(ctx.PoolID)
	if err != nil {
		return nil, err
	}
	return p.GetAllocClass(ctx.ClassID)
}

func (a *Allocator) classFor(ptr uintptr) (*allocclass.Class, error) {
	h, ok := a.slabAlloc.HeaderFor(ptr)
	if !ok || h.Unassigned() {
		return nil, fmt.Errorf("pointer %#x does not belong to any live allocation: %w", ptr, slaberr.ErrInvalidArgument)
	}
	p, err := a.manager.GetPool(h.PoolID)
	if err != nil {
		return nil, err
	}
	return p.GetAllocClass(h.ClassID)
}
