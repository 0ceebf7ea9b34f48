// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package fuzzutil turns a fuzz test's raw byte slice into a sequence of
// Step values for a caller to run. It is carried over unmodified from the
// object-store fuzz harness it was written for: byte-to-step decoding has
// no domain in it, so there is nothing here to adapt to a new one.
package fuzzutil
