// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package slabstore

import "github.com/fmstephe/slabstore/internal/slaberr"

// Sentinel errors returned, wrapped with call-site context via
// fmt.Errorf("...: %w", ErrX), by every exported operation in this module.
// Callers should compare with errors.Is, never string matching.
var (
	ErrInvalidArgument = slaberr.ErrInvalidArgument
	ErrLogicError      = slaberr.ErrLogicError
	ErrReleaseAborted  = slaberr.ErrReleaseAborted
	ErrRuntimeError    = slaberr.ErrRuntimeError
)
