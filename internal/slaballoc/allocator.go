// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slaballoc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/fmstephe/flib/fmath"
	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
	"github.com/fmstephe/slabstore/internal/xxhashcheck"
)

// DefaultSlabSize is used by New when the caller has no specific slab-size
// requirement. 4 MiB matches the "commonly 4 MiB" guidance for this style
// of slab allocator.
const DefaultSlabSize = 4 << 20

// Allocator owns a caller-supplied contiguous slab region and a
// caller-supplied header region. Both buffers must outlive the Allocator.
type Allocator struct {
	slabSize uint64
	slabBase uintptr
	slabMem  []byte
	numSlabs uint32
	headers  []headerWord

	freeMu   sync.Mutex
	freeList []slabtypes.SlabIndex
}

// New constructs an Allocator with DefaultSlabSize slabs.
func New(headerMem, slabMem []byte) (*Allocator, error) {
	return NewSized(headerMem, slabMem, DefaultSlabSize)
}

// NewSized constructs an Allocator whose slab size is the next power of two
// at or above requestedSlabSize.
func NewSized(headerMem, slabMem []byte, requestedSlabSize uint64) (*Allocator, error) {
	if requestedSlabSize == 0 {
		return nil, fmt.Errorf("requested slab size must be positive: %w", slaberr.ErrInvalidArgument)
	}
	slabSize := uint64(fmath.NxtPowerOfTwo(int64(requestedSlabSize)))

	if len(slabMem) == 0 {
		return nil, fmt.Errorf("slab memory region is empty: %w", slaberr.ErrInvalidArgument)
	}
	if uint64(len(slabMem))%slabSize != 0 {
		return nil, fmt.Errorf("slab memory size %d is not a multiple of slab size %d: %w", len(slabMem), slabSize, slaberr.ErrInvalidArgument)
	}

	numSlabs := uint64(len(slabMem)) / slabSize
	if numSlabs == 0 {
		return nil, fmt.Errorf("slab memory region too small for one slab of size %d: %w", slabSize, slaberr.ErrInvalidArgument)
	}
	if numSlabs > uint64(^uint32(0)) {
		return nil, fmt.Errorf("slab memory region produces too many slabs (%d): %w", numSlabs, slaberr.ErrInvalidArgument)
	}

	needed := numSlabs * HeaderStride
	if uint64(len(headerMem)) < needed {
		return nil, fmt.Errorf("header memory too small: need %d bytes for %d slabs, have %d: %w", needed, numSlabs, len(headerMem), slaberr.ErrInvalidArgument)
	}
	if uintptr(unsafe.Pointer(&headerMem[0]))%8 != 0 {
		return nil, fmt.Errorf("header memory must be 8-byte aligned: %w", slaberr.ErrInvalidArgument)
	}
	headerStart := uintptr(unsafe.Pointer(&headerMem[0]))
	headerEnd := headerStart + uintptr(len(headerMem))
	slabStart := uintptr(unsafe.Pointer(&slabMem[0]))
	slabEnd := slabStart + uintptr(len(slabMem))
	if headerStart < slabEnd && slabStart < headerEnd {
		return nil, fmt.Errorf("header memory and slab memory overlap: %w", slaberr.ErrInvalidArgument)
	}

	headers := unsafe.Slice((*headerWord)(unsafe.Pointer(&headerMem[0])), numSlabs)

	a := &Allocator{
		slabSize: slabSize,
		slabBase: uintptr(unsafe.Pointer(&slabMem[0])),
		slabMem:  slabMem,
		numSlabs: uint32(numSlabs),
		headers:  headers,
		freeList: make([]slabtypes.SlabIndex, numSlabs),
	}

	unassigned := slabtypes.Header{PoolID: slabtypes.InvalidPoolID, ClassID: slabtypes.InvalidClassID}
	for i := range a.headers {
		a.writeHeader(slabtypes.SlabIndex(i), unassigned)
		a.freeList[i] = slabtypes.SlabIndex(i)
	}

	return a, nil
}

// SlabSize returns the fixed size, in bytes, of every slab.
func (a *Allocator) SlabSize() uint64 {
	return a.slabSize
}

// UsableSlabCount returns the total number of slabs in the backing region.
func (a *Allocator) UsableSlabCount() uint32 {
	return a.numSlabs
}

// SlabFor returns the base address of slab i.
func (a *Allocator) SlabFor(i slabtypes.SlabIndex) (uintptr, error) {
	if uint32(i) >= a.numSlabs {
		return 0, fmt.Errorf("slab index %d out of range [0,%d): %w", i, a.numSlabs, slaberr.ErrInvalidArgument)
	}
	return a.slabBase + uintptr(i)*uintptr(a.slabSize), nil
}

// IndexForPointer computes which slab a pointer falls in, purely from
// address arithmetic. It returns false if ptr lies outside the backing
// region entirely.
func (a *Allocator) IndexForPointer(ptr uintptr) (slabtypes.SlabIndex, bool) {
	if ptr < a.slabBase {
		return 0, false
	}
	offset := ptr - a.slabBase
	idx := offset / uintptr(a.slabSize)
	if idx >= uintptr(a.numSlabs) {
		return 0, false
	}
	return slabtypes.SlabIndex(idx), true
}

// HeaderFor resolves the header owning ptr. This call takes no lock; a
// torn read is tolerated and self-detected via checksum.
func (a *Allocator) HeaderFor(ptr uintptr) (slabtypes.Header, bool) {
	idx, ok := a.IndexForPointer(ptr)
	if !ok {
		return slabtypes.Header{}, false
	}
	return a.readHeader(idx), true
}

// HeaderAt returns the header for a known slab index.
func (a *Allocator) HeaderAt(i slabtypes.SlabIndex) (slabtypes.Header, error) {
	if uint32(i) >= a.numSlabs {
		return slabtypes.Header{}, fmt.Errorf("slab index %d out of range [0,%d): %w", i, a.numSlabs, slaberr.ErrInvalidArgument)
	}
	return a.readHeader(i), nil
}

// SetHeader assigns full ownership fields for slab i. Callers are
// responsible for the lock ordering (pool manager -> pool -> class -> slab
// allocator); SetHeader itself performs a single atomic publish, it does
// not itself serialize concurrent writers of the same slab.
func (a *Allocator) SetHeader(i slabtypes.SlabIndex, h slabtypes.Header) error {
	if uint32(i) >= a.numSlabs {
		return fmt.Errorf("slab index %d out of range [0,%d): %w", i, a.numSlabs, slaberr.ErrInvalidArgument)
	}
	a.writeHeader(i, h)
	return nil
}

// SetFlag atomically ORs flag into slab i's header flags, leaving
// PoolID/ClassID/AllocSize untouched.
func (a *Allocator) SetFlag(i slabtypes.SlabIndex, flag slabtypes.HeaderFlags) error {
	if uint32(i) >= a.numSlabs {
		return fmt.Errorf("slab index %d out of range [0,%d): %w", i, a.numSlabs, slaberr.ErrInvalidArgument)
	}
	for {
		old := atomic.LoadUint64(&a.headers[i].packed)
		h := decodeHeader(old)
		h.Flags |= flag
		if atomic.CompareAndSwapUint64(&a.headers[i].packed, old, encodeHeader(h)) {
			return nil
		}
	}
}

// ClearFlag atomically clears flag from slab i's header flags.
func (a *Allocator) ClearFlag(i slabtypes.SlabIndex, flag slabtypes.HeaderFlags) error {
	if uint32(i) >= a.numSlabs {
		return fmt.Errorf("slab index %d out of range [0,%d): %w", i, a.numSlabs, slaberr.ErrInvalidArgument)
	}
	for {
		old := atomic.LoadUint64(&a.headers[i].packed)
		h := decodeHeader(old)
		h.Flags &^= flag
		if atomic.CompareAndSwapUint64(&a.headers[i].packed, old, encodeHeader(h)) {
			return nil
		}
	}
}

// AdviseSlab marks a slab as advised (its physical memory considered
// returned to the OS while still logically owned). No actual OS advice
// syscall is issued; platform-specific memory advice is outside this
// core's scope, the header bit and its effect on Stats/traversal are real.
func (a *Allocator) AdviseSlab(i slabtypes.SlabIndex) error {
	return a.SetFlag(i, slabtypes.FlagAdvised)
}

// UnadviseSlab clears the advised flag.
func (a *Allocator) UnadviseSlab(i slabtypes.SlabIndex) error {
	return a.ClearFlag(i, slabtypes.FlagAdvised)
}

// AcquireFreeSlab pops a slab from the free list, if one is available, and
// marks its header unassigned.
func (a *Allocator) AcquireFreeSlab() (slabtypes.SlabIndex, bool) {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()

	n := len(a.freeList)
	if n == 0 {
		return 0, false
	}

	idx := a.freeList[n-1]
	a.freeList = a.freeList[:n-1]
	a.writeHeader(idx, slabtypes.Header{PoolID: slabtypes.InvalidPoolID, ClassID: slabtypes.InvalidClassID})
	return idx, true
}

// ReleaseSlab pushes a slab back onto the free list and clears its header.
func (a *Allocator) ReleaseSlab(i slabtypes.SlabIndex) error {
	if uint32(i) >= a.numSlabs {
		return fmt.Errorf("slab index %d out of range [0,%d): %w", i, a.numSlabs, slaberr.ErrInvalidArgument)
	}

	a.freeMu.Lock()
	defer a.freeMu.Unlock()

	a.writeHeader(i, slabtypes.Header{PoolID: slabtypes.InvalidPoolID, ClassID: slabtypes.InvalidClassID})
	a.freeList = append(a.freeList, i)
	return nil
}

// AllSlabsAllocated reports whether the free list is empty.
func (a *Allocator) AllSlabsAllocated() bool {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	return len(a.freeList) == 0
}

// FreeSlabCount reports how many slabs currently sit on the free list.
func (a *Allocator) FreeSlabCount() int {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	return len(a.freeList)
}

// Stats is a point-in-time snapshot of slab-level bookkeeping, intended to
// feed the metrics package.
type Stats struct {
	UsableSlabs  int
	FreeSlabs    int
	AdvisedSlabs int
}

// Stats walks every header to count advised slabs. It takes the free-list
// lock only long enough to snapshot its length.
func (a *Allocator) Stats() Stats {
	advised := 0
	for i := uint32(0); i < a.numSlabs; i++ {
		h := a.readHeader(slabtypes.SlabIndex(i))
		if h.Flags&slabtypes.FlagAdvised != 0 {
			advised++
		}
	}
	return Stats{
		UsableSlabs:  int(a.numSlabs),
		FreeSlabs:    a.FreeSlabCount(),
		AdvisedSlabs: advised,
	}
}

func (a *Allocator) readHeader(i slabtypes.SlabIndex) slabtypes.Header {
	w := atomic.LoadUint64(&a.headers[i].packed)
	h := decodeHeader(w)
	digest := atomic.LoadUint64(&a.headers[i].checksum)
	if !xxhashcheck.Verify(h.PoolID, h.ClassID, h.AllocSize, digest) {
		// A concurrent writeHeader is publishing a new owner; report
		// unassigned rather than acting on a torn combination of old
		// and new fields.
		return slabtypes.Header{PoolID: slabtypes.InvalidPoolID, ClassID: slabtypes.InvalidClassID}
	}
	return h
}

func (a *Allocator) writeHeader(i slabtypes.SlabIndex, h slabtypes.Header) {
	digest := xxhashcheck.Sum(h.PoolID, h.ClassID, h.AllocSize)
	atomic.StoreUint64(&a.headers[i].checksum, digest)
	atomic.StoreUint64(&a.headers[i].packed, encodeHeader(h))
}
