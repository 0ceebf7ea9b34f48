// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package allocclass implements a single allocation class: the free-list
// manager for one fixed chunk size within one pool, plus the per-slab
// release state machine (SERVING -> MARKED -> SERVING | RELEASED) used to
// reclaim or transfer a slab while it may still hold live allocations.
package allocclass
