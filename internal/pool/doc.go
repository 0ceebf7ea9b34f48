// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package pool implements a single named memory pool: a byte budget divided
// across an ordered set of allocation classes, each serving one fixed chunk
// size. A Pool is the bridge between the physical slab allocator and the
// per-size free-list managers in internal/allocclass.
package pool
