// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package allocclass

import (
	"sync"
	"testing"
	"time"

	"github.com/fmstephe/slabstore/internal/slaballoc"
	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out slabs straight from a shared slaballoc.Allocator,
// with no pool-level budget check, enough to exercise Class in isolation.
type fakeSource struct {
	alloc    *slaballoc.Allocator
	poolID   slabtypes.PoolID
	returned []slabtypes.SlabIndex
}

func (s *fakeSource) AcquireSlab(classID slabtypes.ClassID, allocSize uint32) (slabtypes.SlabIndex, uintptr, bool) {
	idx, ok := s.alloc.AcquireFreeSlab()
	if !ok {
		return 0, 0, false
	}
	if err := s.alloc.SetHeader(idx, slabtypes.Header{PoolID: s.poolID, ClassID: classID, AllocSize: allocSize}); err != nil {
		return 0, 0, false
	}
	base, err := s.alloc.SlabFor(idx)
	if err != nil {
		return 0, 0, false
	}
	return idx, base, true
}

func (s *fakeSource) ReturnSlab(idx slabtypes.SlabIndex) error {
	s.returned = append(s.returned, idx)
	return s.alloc.ReleaseSlab(idx)
}

func newTestClass(t *testing.T, numSlabs int, slabSize uint64, allocSize uint32) (*Class, *fakeSource) {
	t.Helper()
	headerMem := make([]byte, numSlabs*slaballoc.HeaderStride)
	slabMem := make([]byte, uint64(numSlabs)*slabSize)
	a, err := slaballoc.NewSized(headerMem, slabMem, slabSize)
	require.NoError(t, err)

	src := &fakeSource{alloc: a, poolID: 1}
	c, err := New(0, 1, allocSize, a, src)
	require.NoError(t, err)
	return c, src
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	c, _ := newTestClass(t, 1, 4096, 64)

	ptr, ok := c.Allocate()
	require.True(t, ok)
	require.NotZero(t, ptr)

	require.NoError(t, c.Free(ptr))

	ptr2, ok := c.Allocate()
	require.True(t, ok)
	assert.Equal(t, ptr, ptr2, "freed chunk should be reused before carving a new slab")
}

func TestAllocateAcquiresNewSlabWhenExhausted(t *testing.T) {
	c, _ := newTestClass(t, 2, 4096, 2048) // 2 chunks per slab, 2 slabs => 4 chunks total

	seen := map[uintptr]bool{}
	for i := 0; i < 4; i++ {
		ptr, ok := c.Allocate()
		require.True(t, ok)
		assert.False(t, seen[ptr])
		seen[ptr] = true
	}

	_, ok := c.Allocate()
	assert.False(t, ok, "class should report exhaustion once its source has no more slabs")
}

func TestFreeRejectsForeignPointer(t *testing.T) {
	c, _ := newTestClass(t, 1, 4096, 64)
	err := c.Free(0xdeadbeef)
	assert.Error(t, err)
}

func TestStartSlabReleaseResizeCompletesImmediatelyWhenSlabIsEmpty(t *testing.T) {
	c, src := newTestClass(t, 2, 4096, 2048)

	// Carve a slab, then free every chunk in it before starting a release.
	ptrs := make([]uintptr, 0, 2)
	for i := 0; i < 2; i++ {
		ptr, ok := c.Allocate()
		require.True(t, ok)
		ptrs = append(ptrs, ptr)
	}
	for _, p := range ptrs {
		require.NoError(t, c.Free(p))
	}

	ctx, err := c.StartSlabRelease(0, slabtypes.ModeResize, nil, nil)
	require.NoError(t, err)
	assert.True(t, ctx.Released)

	require.NoError(t, c.CompleteSlabRelease(ctx))
	assert.Len(t, src.returned, 1)
	assert.Equal(t, 0, c.Stats().SlabsHeld)
}

func TestStartSlabReleaseWaitsForLiveAllocations(t *testing.T) {
	c, src := newTestClass(t, 1, 4096, 2048) // 1 slab, 2 chunks

	p1, ok := c.Allocate()
	require.True(t, ok)
	p2, ok := c.Allocate()
	require.True(t, ok)

	ctx, err := c.StartSlabRelease(0, slabtypes.ModeResize, nil, nil)
	require.NoError(t, err)
	assert.False(t, ctx.Released)

	done := make(chan struct{})
	go func() {
		require.NoError(t, c.CompleteSlabRelease(ctx))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("CompleteSlabRelease returned before live allocations were freed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Free(p1))
	require.NoError(t, c.Free(p2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CompleteSlabRelease did not unblock after allocations freed")
	}

	assert.Len(t, src.returned, 1)
}

func TestAbortSlabReleaseRestoresOnlyPreviouslyFreeChunks(t *testing.T) {
	c, _ := newTestClass(t, 1, 4096, 2048) // 2 chunks per slab

	p1, ok := c.Allocate()
	require.True(t, ok)
	p2, ok := c.Allocate()
	require.True(t, ok)

	require.NoError(t, c.Free(p1)) // p1 is free before release starts

	ctx, err := c.StartSlabRelease(0, slabtypes.ModeResize, nil, nil)
	require.NoError(t, err)
	assert.False(t, ctx.Released, "p2 is still live")

	require.NoError(t, c.AbortSlabRelease(ctx))

	// p1 (free before release) must be usable again.
	got, ok := c.Allocate()
	require.True(t, ok)
	assert.Equal(t, p1, got)

	// No further chunk should be available: p2 was live and is still
	// handed out to its original caller, not restored to the free list.
	_, ok = c.Allocate()
	assert.False(t, ok)

	// Freeing p2 now behaves like an ordinary free, independent of the
	// aborted release.
	require.NoError(t, c.Free(p2))
	got2, ok := c.Allocate()
	require.True(t, ok)
	assert.Equal(t, p2, got2)
}

func TestAbortSlabReleaseRejectsFullyDrainedRelease(t *testing.T) {
	c, _ := newTestClass(t, 1, 4096, 2048)

	p1, ok := c.Allocate()
	require.True(t, ok)
	p2, ok := c.Allocate()
	require.True(t, ok)
	require.NoError(t, c.Free(p1))
	require.NoError(t, c.Free(p2))

	ctx, err := c.StartSlabRelease(0, slabtypes.ModeResize, nil, nil)
	require.NoError(t, err)
	require.True(t, ctx.Released)

	err = c.AbortSlabRelease(ctx)
	assert.Error(t, err)
}

func TestStartSlabReleaseRebalanceMovesSlabToReceiver(t *testing.T) {
	headerMem := make([]byte, 1*slaballoc.HeaderStride)
	slabMem := make([]byte, 4096)
	a, err := slaballoc.NewSized(headerMem, slabMem, 4096)
	require.NoError(t, err)

	src := &fakeSource{alloc: a, poolID: 1}
	victim, err := New(0, 1, 2048, a, src)
	require.NoError(t, err)
	receiver, err := New(1, 1, 1024, a, src)
	require.NoError(t, err)

	ptrs := make([]uintptr, 0, 2)
	for i := 0; i < 2; i++ {
		ptr, ok := victim.Allocate()
		require.True(t, ok)
		ptrs = append(ptrs, ptr)
	}
	for _, p := range ptrs {
		require.NoError(t, victim.Free(p))
	}

	ctx, err := victim.StartSlabRelease(0, slabtypes.ModeRebalance, receiver, nil)
	require.NoError(t, err)
	assert.True(t, ctx.Released)
	assert.Equal(t, receiver.ID(), ctx.ReceiverClassID)

	require.NoError(t, victim.CompleteSlabRelease(ctx))
	assert.Equal(t, 0, victim.Stats().SlabsHeld)
	assert.Equal(t, 1, receiver.Stats().SlabsHeld)
	assert.Equal(t, 4, receiver.Stats().FreeChunks) // 4096/1024

	h, err := a.HeaderAt(0)
	require.NoError(t, err)
	assert.Equal(t, receiver.ID(), h.ClassID)
	assert.Equal(t, receiver.AllocSize(), h.AllocSize)
}

func TestProcessAllocForReleaseDrainsLiveSet(t *testing.T) {
	c, _ := newTestClass(t, 1, 4096, 2048)

	p1, ok := c.Allocate()
	require.True(t, ok)
	p2, ok := c.Allocate()
	require.True(t, ok)

	ctx, err := c.StartSlabRelease(0, slabtypes.ModeResize, nil, nil)
	require.NoError(t, err)

	var freed []uintptr
	var mu sync.Mutex
	c.ProcessAllocForRelease(ctx, p1, func(ptr uintptr) {
		mu.Lock()
		freed = append(freed, ptr)
		mu.Unlock()
		require.NoError(t, c.Free(ptr))
	})

	assert.True(t, c.IsAllocFree(ctx, p1))
	assert.False(t, c.IsAllocFree(ctx, p2))
	assert.False(t, c.AllAllocsFreed(ctx))

	require.NoError(t, c.Free(p2))
	assert.True(t, c.AllAllocsFreed(ctx))

	require.NoError(t, c.CompleteSlabRelease(ctx))
}

func TestStartSlabReleaseHonoursShouldAbort(t *testing.T) {
	c, _ := newTestClass(t, 1, 4096, 64)
	_, ok := c.Allocate()
	require.True(t, ok)

	_, err := c.StartSlabRelease(0, slabtypes.ModeResize, nil, func() bool { return true })
	assert.ErrorIs(t, err, slaberr.ErrReleaseAborted)
}
