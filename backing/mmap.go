// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package backing

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewRegion allocates size bytes of anonymous, page-aligned memory via
// mmap. The returned func releases the region with munmap; callers must
// call it exactly once, after every pointer into the region has stopped
// being used.
func NewRegion(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, fmt.Errorf("backing: region size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("backing: mmap of %d bytes failed: %w", size, err)
	}

	release := func() error {
		return unix.Munmap(data)
	}

	return data, release, nil
}
