// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

package backing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegionRejectsNonPositiveSize(t *testing.T) {
	_, _, err := NewRegion(0)
	assert.Error(t, err)

	_, _, err = NewRegion(-1)
	assert.Error(t, err)
}

func TestNewRegionIsWritableAndReleasable(t *testing.T) {
	data, release, err := NewRegion(4096)
	require.NoError(t, err)
	require.Len(t, data, 4096)

	data[0] = 0xAB
	data[4095] = 0xCD
	assert.Equal(t, byte(0xAB), data[0])
	assert.Equal(t, byte(0xCD), data[4095])

	require.NoError(t, release())
}
