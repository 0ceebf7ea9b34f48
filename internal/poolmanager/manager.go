// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package poolmanager

import (
	"fmt"
	"sync"

	"github.com/fmstephe/slabstore/internal/pool"
	"github.com/fmstephe/slabstore/internal/slaballoc"
	"github.com/fmstephe/slabstore/internal/slaberr"
	"github.com/fmstephe/slabstore/internal/slabtypes"
	"go.uber.org/zap"
)

// Manager is the named registry of memory pools sharing one
// slaballoc.Allocator, and the global unreserved-byte budget they draw
// their target sizes from.
type Manager struct {
	slabAlloc *slaballoc.Allocator
	log       *zap.Logger

	mu              sync.Mutex
	pools           map[slabtypes.PoolID]*pool.Pool
	nameIndex       map[string]slabtypes.PoolID
	bytesUnreserved uint64
	nextPoolID      slabtypes.PoolID
}

// New constructs a Manager over totalUsableBytes of budget. log may be nil,
// in which case a no-op logger is used.
func New(slabAlloc *slaballoc.Allocator, totalUsableBytes uint64, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		slabAlloc:       slabAlloc,
		log:             log,
		pools:           make(map[slabtypes.PoolID]*pool.Pool),
		nameIndex:       make(map[string]slabtypes.PoolID),
		bytesUnreserved: totalUsableBytes,
	}
}

// AddPool registers a new named pool with the given target size and
// allocation-class sizes. If ensureProvisionable is set, size must be
// large enough to carve at least one slab per class. A duplicate name or
// an exhausted pool count are LogicErrors, since both describe the
// registry's own state rather than a single malformed argument; every
// other failure here is an InvalidArgument.
func (m *Manager) AddPool(name string, size uint64, allocSizes []uint32, ensureProvisionable bool) (slabtypes.PoolID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		return 0, fmt.Errorf("pool name must not be empty: %w", slaberr.ErrInvalidArgument)
	}
	if _, exists := m.nameIndex[name]; exists {
		return 0, fmt.Errorf("pool name %q is already registered: %w", name, slaberr.ErrLogicError)
	}
	if size > m.bytesUnreserved {
		return 0, fmt.Errorf("requested size %d exceeds unreserved budget %d: %w", size, m.bytesUnreserved, slaberr.ErrInvalidArgument)
	}
	if len(m.pools) >= slabtypes.MaxPools {
		return 0, fmt.Errorf("pool count has reached the maximum of %d: %w", slabtypes.MaxPools, slaberr.ErrLogicError)
	}
	if ensureProvisionable && size < uint64(len(allocSizes))*m.slabAlloc.SlabSize() {
		return 0, fmt.Errorf("size %d cannot provision one slab per class (%d classes): %w", size, len(allocSizes), slaberr.ErrInvalidArgument)
	}

	id, err := m.allocatePoolID()
	if err != nil {
		return 0, err
	}

	p, err := pool.New(id, name, m.slabAlloc, size, allocSizes)
	if err != nil {
		return 0, fmt.Errorf("constructing pool %q: %w", name, err)
	}

	m.pools[id] = p
	m.nameIndex[name] = id
	m.bytesUnreserved -= size

	m.log.Info("pool added",
		zap.Uint8("pool_id", uint8(id)),
		zap.String("name", name),
		zap.Uint64("target_size_bytes", size),
		zap.Uint64("bytes_unreserved", m.bytesUnreserved),
	)

	return id, nil
}

func (m *Manager) allocatePoolID() (slabtypes.PoolID, error) {
	for i := 0; i <= int(slabtypes.MaxPoolID); i++ {
		id := slabtypes.PoolID(i)
		if _, taken := m.pools[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free pool id available: %w", slaberr.ErrInvalidArgument)
}

// GrowPool increases a pool's target size by bytes, drawing from the
// unreserved budget. It fails if bytes exceeds the unreserved budget.
func (m *Manager) GrowPool(id slabtypes.PoolID, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[id]
	if !ok {
		return fmt.Errorf("no pool with id %d: %w", id, slaberr.ErrInvalidArgument)
	}
	if bytes > m.bytesUnreserved {
		return fmt.Errorf("growth of %d exceeds unreserved budget %d: %w", bytes, m.bytesUnreserved, slaberr.ErrInvalidArgument)
	}

	_, target := p.Sizes()
	newTarget := target + bytes
	p.Resize(newTarget)
	m.bytesUnreserved -= bytes

	m.log.Info("pool grown",
		zap.Uint8("pool_id", uint8(id)),
		zap.Uint64("delta_bytes", bytes),
		zap.Uint64("new_target_bytes", newTarget),
	)

	return nil
}

// ShrinkPool decreases a pool's target size by bytes, returning the
// difference to the unreserved budget. It fails if bytes exceeds the
// pool's current target size.
func (m *Manager) ShrinkPool(id slabtypes.PoolID, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[id]
	if !ok {
		return fmt.Errorf("no pool with id %d: %w", id, slaberr.ErrInvalidArgument)
	}

	_, target := p.Sizes()
	if bytes > target {
		return fmt.Errorf("shrink of %d exceeds target size %d: %w", bytes, target, slaberr.ErrInvalidArgument)
	}

	newTarget := target - bytes
	p.Resize(newTarget)
	m.bytesUnreserved += bytes

	m.log.Info("pool shrunk",
		zap.Uint8("pool_id", uint8(id)),
		zap.Uint64("delta_bytes", bytes),
		zap.Uint64("new_target_bytes", newTarget),
	)

	return nil
}

// ResizePools moves bytes of target-size budget from src to dst, atomically
// from the caller's perspective: it succeeds only if src currently has at
// least bytes of target size to give up.
func (m *Manager) ResizePools(src, dst slabtypes.PoolID, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcPool, ok := m.pools[src]
	if !ok {
		return fmt.Errorf("no pool with id %d: %w", src, slaberr.ErrInvalidArgument)
	}
	dstPool, ok := m.pools[dst]
	if !ok {
		return fmt.Errorf("no pool with id %d: %w", dst, slaberr.ErrInvalidArgument)
	}

	_, srcTarget := srcPool.Sizes()
	if srcTarget < bytes {
		return fmt.Errorf("source pool %d target %d is smaller than requested transfer %d: %w", src, srcTarget, bytes, slaberr.ErrInvalidArgument)
	}

	_, dstTarget := dstPool.Sizes()
	srcPool.Resize(srcTarget - bytes)
	dstPool.Resize(dstTarget + bytes)

	m.log.Info("pools resized",
		zap.Uint8("src_pool_id", uint8(src)),
		zap.Uint8("dst_pool_id", uint8(dst)),
		zap.Uint64("bytes", bytes),
	)

	return nil
}

// GetPoolsOverLimit returns the ids of every pool whose current size
// exceeds its target size.
func (m *Manager) GetPoolsOverLimit() []slabtypes.PoolID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var over []slabtypes.PoolID
	for id, p := range m.pools {
		current, target := p.Sizes()
		if current > target {
			over = append(over, id)
		}
	}
	return over
}

// GetPool returns the pool registered under id.
func (m *Manager) GetPool(id slabtypes.PoolID) (*pool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("no pool with id %d: %w", id, slaberr.ErrInvalidArgument)
	}
	return p, nil
}

// GetPoolByName returns the pool registered under name.
func (m *Manager) GetPoolByName(name string) (*pool.Pool, error) {
	m.mu.Lock()
	id, ok := m.nameIndex[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pool named %q: %w", name, slaberr.ErrInvalidArgument)
	}
	return m.GetPool(id)
}

// BytesUnreserved returns the budget not yet committed to any pool.
func (m *Manager) BytesUnreserved() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesUnreserved
}

// BytesAdvised returns the number of slab bytes currently advised back to
// the OS, derived from the shared allocator's live header state rather than
// tracked incrementally, since advising happens per-slab through
// slaballoc.Allocator and the manager has no other hook into it.
func (m *Manager) BytesAdvised() uint64 {
	stats := m.slabAlloc.Stats()
	return uint64(stats.AdvisedSlabs) * m.slabAlloc.SlabSize()
}

// Pools returns a snapshot slice of every registered pool, for traversal
// or metrics collection.
func (m *Manager) Pools() []*pool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}
