// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package slaballoc divides a caller-supplied contiguous memory region into
// fixed-size slabs and maintains a parallel header array, stored in a
// second caller-supplied region, that answers "which pool and class owns
// this pointer" in constant time from the pointer's address alone.
//
// Neither region is grown after construction; the package owns no memory
// itself, matching the non-goals of the engine it backs.
package slaballoc
