package lockfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.lock")

	g1, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, g1.Path())

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, g1.Release())

	g2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}
