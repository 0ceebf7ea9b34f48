// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package metrics

import (
	"strings"
	"testing"

	"github.com/fmstephe/slabstore"
	"github.com/fmstephe/slabstore/internal/slaballoc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *slabstore.Allocator {
	t.Helper()
	const numSlabs = 4
	const slabSize = 4096
	headerMem := make([]byte, numSlabs*slaballoc.HeaderStride)
	slabMem := make([]byte, numSlabs*slabSize)
	a, err := slabstore.New(slabstore.Config{HeaderMemory: headerMem, SlabMemory: slabMem, SlabSize: slabSize})
	require.NoError(t, err)
	return a
}

func TestCollectorTracksFreeSlabsBeforeAllocation(t *testing.T) {
	a := newTestAllocator(t)
	c := NewCollector(a, "slabstore_test")

	want := strings.NewReader(`
# HELP slabstore_test_free_slabs Number of slabs currently unassigned to any pool.
# TYPE slabstore_test_free_slabs gauge
slabstore_test_free_slabs 4
`)
	require.NoError(t, testutil.CollectAndCompare(c, want, "slabstore_test_free_slabs"))
}

func TestCollectorTracksFreeSlabsAfterAllocation(t *testing.T) {
	a := newTestAllocator(t)
	c := NewCollector(a, "slabstore_test")

	id, err := a.AddPool("p", 2*4096, []uint32{4096}, false)
	require.NoError(t, err)
	_, ok, err := a.Allocate(id, 4096)
	require.NoError(t, err)
	require.True(t, ok)

	want := strings.NewReader(`
# HELP slabstore_test_free_slabs Number of slabs currently unassigned to any pool.
# TYPE slabstore_test_free_slabs gauge
slabstore_test_free_slabs 3
`)
	require.NoError(t, testutil.CollectAndCompare(c, want, "slabstore_test_free_slabs"))
}

func TestCollectorTracksBytesAdvised(t *testing.T) {
	a := newTestAllocator(t)
	c := NewCollector(a, "slabstore_test")

	id, err := a.AddPool("p", 2*4096, []uint32{4096}, false)
	require.NoError(t, err)
	ptr, ok, err := a.Allocate(id, 4096)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Free(ptr))

	want := strings.NewReader(`
# HELP slabstore_test_bytes_advised Bytes of slab memory currently advised back to the OS.
# TYPE slabstore_test_bytes_advised gauge
slabstore_test_bytes_advised 0
`)
	require.NoError(t, testutil.CollectAndCompare(c, want, "slabstore_test_bytes_advised"))
}
