// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package slaberr holds the sentinel error values shared by every internal
// layer of the allocator, so a caller of the public slabstore package can
// use errors.Is against one stable set of values no matter which layer
// returned the error.
package slaberr

import "errors"

var (
	// ErrInvalidArgument covers an unknown pool id, unknown class id, a
	// pointer that does not belong to this allocator, a requested size
	// larger than the largest class, and release-context misuse.
	ErrInvalidArgument = errors.New("slabstore: invalid argument")

	// ErrLogicError covers construction-time and configuration-time
	// impossibilities: too many pools, a duplicate pool name, size-class
	// generator parameters that can never produce a valid size ladder.
	ErrLogicError = errors.New("slabstore: logic error")

	// ErrReleaseAborted is returned by StartSlabRelease when the caller's
	// should-abort predicate returns true.
	ErrReleaseAborted = errors.New("slabstore: release aborted")

	// ErrRuntimeError covers an inconsistency detected between a slab
	// header and a release context, which should never happen absent a
	// bug in this package or memory corruption outside of it.
	ErrRuntimeError = errors.New("slabstore: runtime error")
)
