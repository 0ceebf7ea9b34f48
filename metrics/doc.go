// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package metrics exposes a slabstore.Allocator's slab-level statistics as
// Prometheus gauges.
package metrics
