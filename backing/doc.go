// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package backing allocates the anonymous, page-aligned memory regions a
// slabstore.Allocator is built on, via mmap.
package backing
