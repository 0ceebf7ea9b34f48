// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package poolmanager is the named registry of memory pools sharing one
// backing region, and the global slab budget they draw from.
package poolmanager
