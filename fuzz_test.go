// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slabstore

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/fmstephe/slabstore/internal/allocclass"
	"github.com/fmstephe/slabstore/internal/fuzzutil"
	"github.com/fmstephe/slabstore/internal/slaballoc"
)

// allocFuzzStep and freeFuzzStep implement fuzzutil.Step, driving an
// Allocator through randomised alloc/free sequences; resizeFuzzStep and
// releaseStartFuzzStep/releaseResolveFuzzStep layer resize and slab-release
// activity on top. Every step that touches live allocates re-checks that
// GetAllocInfo round-trips correctly and that live pointers stay pairwise
// disjoint and aligned before returning.
type allocFuzzStep struct {
	alloc  *Allocator
	poolID PoolID
	size   uint32
	live   *[]uintptr
}

func (s allocFuzzStep) DoStep() {
	ptr, ok, err := s.alloc.Allocate(s.poolID, s.size)
	if err != nil {
		panic(err)
	}
	if !ok {
		return
	}

	info, ok := s.alloc.GetAllocInfo(ptr)
	if !ok {
		panic(fmt.Sprintf("just-allocated pointer %#x has no alloc info", ptr))
	}
	if info.PoolID != s.poolID {
		panic(fmt.Sprintf("pointer %#x reports pool %d, want %d", ptr, info.PoolID, s.poolID))
	}
	if info.AllocSize < s.size {
		panic(fmt.Sprintf("pointer %#x served by class size %d smaller than requested %d", ptr, info.AllocSize, s.size))
	}

	*s.live = append(*s.live, ptr)
	assertLiveInvariants(s.alloc, s.poolID, *s.live)
}

type freeFuzzStep struct {
	alloc  *Allocator
	poolID PoolID
	index  uint32
	live   *[]uintptr
}

func (s freeFuzzStep) DoStep() {
	if len(*s.live) == 0 {
		return
	}
	i := int(s.index) % len(*s.live)
	ptr := (*s.live)[i]
	*s.live = append((*s.live)[:i], (*s.live)[i+1:]...)
	if err := s.alloc.Free(ptr); err != nil {
		panic(err)
	}
	assertLiveInvariants(s.alloc, s.poolID, *s.live)
}

// resizeFuzzStep exercises GrowPool/ShrinkPool. Exceeding the unreserved
// budget or the pool's own target size are expected, ordinary failures
// during fuzzing, not bugs, so only unexpected error kinds panic.
type resizeFuzzStep struct {
	alloc  *Allocator
	poolID PoolID
	grow   bool
	amount uint64
}

func (s resizeFuzzStep) DoStep() {
	var err error
	if s.grow {
		err = s.alloc.GrowPool(s.poolID, s.amount)
	} else {
		err = s.alloc.ShrinkPool(s.poolID, s.amount)
	}
	if err != nil && !errors.Is(err, ErrInvalidArgument) {
		panic(err)
	}
}

// releaseStartFuzzStep starts a RESIZE release on a class, if one of its
// slabs is currently releasable, and records the context for a later
// releaseResolveFuzzStep to resolve.
type releaseStartFuzzStep struct {
	alloc   *Allocator
	poolID  PoolID
	classID ClassID
	pending *[]*allocclass.ReleaseContext
}

func (s releaseStartFuzzStep) DoStep() {
	ctx, err := s.alloc.StartSlabRelease(s.poolID, s.classID, 0, ModeResize, 0, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			return // class currently holds no releasable slab
		}
		panic(err)
	}
	*s.pending = append(*s.pending, ctx)
}

// releaseResolveFuzzStep completes a pending release if it has fully
// drained, or aborts it otherwise. It never calls CompleteSlabRelease on an
// undrained context, since that call blocks until the live set empties and
// nothing else in this single-goroutine run would ever wake it.
type releaseResolveFuzzStep struct {
	alloc   *Allocator
	pending *[]*allocclass.ReleaseContext
	index   uint32
}

func (s releaseResolveFuzzStep) DoStep() {
	resolveOnePendingRelease(s.alloc, s.pending, s.index)
}

func resolveOnePendingRelease(alloc *Allocator, pending *[]*allocclass.ReleaseContext, index uint32) {
	if len(*pending) == 0 {
		return
	}
	i := int(index) % len(*pending)
	ctx := (*pending)[i]
	*pending = append((*pending)[:i], (*pending)[i+1:]...)

	done, err := alloc.AllAllocsFreed(ctx)
	if err != nil {
		panic(err)
	}
	if done {
		if err := alloc.CompleteSlabRelease(ctx); err != nil {
			panic(err)
		}
		return
	}
	if err := alloc.AbortSlabRelease(ctx); err != nil {
		panic(err)
	}
}

// assertLiveInvariants checks that every pointer in live belongs to poolID,
// is aligned to the platform pointer size, and its [ptr, ptr+AllocSize)
// span does not overlap any other live pointer's span.
func assertLiveInvariants(a *Allocator, poolID PoolID, live []uintptr) {
	type span struct{ start, end uintptr }
	spans := make([]span, 0, len(live))

	for _, ptr := range live {
		info, ok := a.GetAllocInfo(ptr)
		if !ok {
			panic(fmt.Sprintf("live pointer %#x has no alloc info", ptr))
		}
		if info.PoolID != poolID {
			panic(fmt.Sprintf("live pointer %#x belongs to pool %d, want %d", ptr, info.PoolID, poolID))
		}
		if ptr%8 != 0 {
			panic(fmt.Sprintf("live pointer %#x is not 8-byte aligned", ptr))
		}
		spans = append(spans, span{ptr, ptr + uintptr(info.AllocSize)})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			panic(fmt.Sprintf("overlapping live allocations: [%#x,%#x) and [%#x,%#x)",
				spans[i-1].start, spans[i-1].end, spans[i].start, spans[i].end))
		}
	}
}

// assertFreeListMatchesCarveUp checks that once every outstanding
// allocation is freed and every release has resolved, each class's free
// list holds exactly slabsHeld*chunksPerSlab chunks — the initial carve-up
// of whichever slabs it currently holds.
func assertFreeListMatchesCarveUp(a *Allocator, poolID PoolID, classIDs []ClassID, slabSize uint64) {
	for _, id := range classIDs {
		stats, err := a.ClassStats(poolID, id)
		if err != nil {
			panic(err)
		}
		chunksPerSlab := int(slabSize / uint64(stats.AllocSize))
		want := stats.SlabsHeld * chunksPerSlab
		if stats.FreeChunks != want {
			panic(fmt.Sprintf("class %d has %d free chunks, want %d (slabsHeld=%d chunksPerSlab=%d)",
				id, stats.FreeChunks, want, stats.SlabsHeld, chunksPerSlab))
		}
	}
}

func FuzzAllocator(f *testing.F) {
	for _, seed := range fuzzutil.MakeRandomTestCases() {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw []byte) {
		const numSlabs = 8
		const slabSize = 4096
		headerMem := make([]byte, numSlabs*slaballoc.HeaderStride)
		slabMem := make([]byte, numSlabs*slabSize)

		a, err := New(Config{HeaderMemory: headerMem, SlabMemory: slabMem, SlabSize: slabSize})
		if err != nil {
			t.Fatalf("constructing allocator: %v", err)
		}
		sizes := []uint32{32, 128, 512, 2048}
		classIDs := []ClassID{0, 1, 2, 3}
		poolID, err := a.AddPool("fuzz", numSlabs*slabSize, sizes, false)
		if err != nil {
			t.Fatalf("adding pool: %v", err)
		}

		var live []uintptr
		var pending []*allocclass.ReleaseContext

		run := fuzzutil.NewTestRun(raw, func(c *fuzzutil.ByteConsumer) fuzzutil.Step {
			switch c.Byte() % 5 {
			case 0, 1:
				return allocFuzzStep{alloc: a, poolID: poolID, size: sizes[c.Byte()%4], live: &live}
			case 2:
				return freeFuzzStep{alloc: a, poolID: poolID, index: c.Uint32(), live: &live}
			case 3:
				return resizeFuzzStep{alloc: a, poolID: poolID, grow: c.Byte()%2 == 0, amount: uint64(c.Byte()) * slabSize}
			default:
				if c.Byte()%2 == 0 {
					return releaseStartFuzzStep{alloc: a, poolID: poolID, classID: classIDs[c.Byte()%4], pending: &pending}
				}
				return releaseResolveFuzzStep{alloc: a, pending: &pending, index: c.Uint32()}
			}
		}, func() {
			for _, ptr := range live {
				if err := a.Free(ptr); err != nil {
					t.Fatalf("cleanup free failed for live pointer: %v", err)
				}
			}
			for len(pending) > 0 {
				resolveOnePendingRelease(a, &pending, 0)
			}
		})
		run.Run()

		assertFreeListMatchesCarveUp(a, poolID, classIDs, slabSize)

		seen := map[PoolID]bool{}
		a.ForEachAllocation(func(ptr uintptr, info AllocInfo) WalkDecision {
			seen[info.PoolID] = true
			return WalkContinue
		})
	})
}
