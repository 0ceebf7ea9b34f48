// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slaballoc

import (
	"github.com/fmstephe/slabstore/internal/slabtypes"
)

// HeaderStride is the number of header-memory bytes reserved per slab.
const HeaderStride = 16

// headerWord is the on-wire layout of one slab header: a packed word
// carrying PoolID, ClassID, Flags and AllocSize, plus an xxhash digest of
// the owner fields. headerWord must stay exactly HeaderStride bytes.
type headerWord struct {
	packed   uint64
	checksum uint64
}

func encodeHeader(h slabtypes.Header) uint64 {
	return uint64(h.PoolID) |
		uint64(h.ClassID)<<8 |
		uint64(h.Flags)<<16 |
		uint64(h.AllocSize)<<32
}

func decodeHeader(w uint64) slabtypes.Header {
	return slabtypes.Header{
		PoolID:    slabtypes.PoolID(w & 0xFF),
		ClassID:   slabtypes.ClassID((w >> 8) & 0xFF),
		Flags:     slabtypes.HeaderFlags((w >> 16) & 0xFF),
		AllocSize: uint32(w >> 32),
	}
}
