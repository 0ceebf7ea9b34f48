// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package xxhashcheck computes a short integrity digest over a slab
// header's owner fields. Header reads in internal/slaballoc are lock-free
// and tolerate a torn read racing a concurrent assignment; this digest lets
// a tolerant traversal tell a torn read from a genuine header apart instead
// of trusting whatever bytes it happened to see.
package xxhashcheck

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/fmstephe/slabstore/internal/slabtypes"
)

// Sum returns the digest of a header's owner fields. It intentionally
// excludes Flags: a marked-for-release or advised transition must not
// invalidate the checksum of otherwise-unchanged ownership data.
func Sum(poolID slabtypes.PoolID, classID slabtypes.ClassID, allocSize uint32) uint64 {
	var buf [6]byte
	buf[0] = byte(poolID)
	buf[1] = byte(classID)
	binary.LittleEndian.PutUint32(buf[2:], allocSize)
	return xxhash.Sum64(buf[:])
}

// Verify reports whether digest matches the header fields supplied.
func Verify(poolID slabtypes.PoolID, classID slabtypes.ClassID, allocSize uint32, digest uint64) bool {
	return Sum(poolID, classID, allocSize) == digest
}
