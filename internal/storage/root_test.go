package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudfs/internal/common"
)

func TestRootLayout(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	r := NewRoot(base, 501)

	assert.Equal(t, filepath.Join(base, "501"), r.Dir())
	assert.Equal(t, filepath.Join(base, "501", StagingDirName), r.StagingDir())
	assert.Equal(t, filepath.Join(base, "501", "photos", "a.jpg"), r.CanonicalPath("/photos/a.jpg"))

	a := r.StagingPath("photos", "rec-1")
	b := r.StagingPath("photos", "rec-1")
	c := r.StagingPath("photos", "rec-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, r.StagingDir(), filepath.Dir(a))
}

func TestRootLockIsExclusive(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	first := NewRoot(base, 1000)
	require.NoError(t, first.Prepare())
	defer first.Release()

	info, err := os.Stat(first.StagingDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	second := NewRoot(base, 1000)
	err = second.Prepare()
	assert.ErrorIs(t, err, common.ErrRootLocked)

	require.NoError(t, first.Release())
	require.NoError(t, second.Prepare())
	require.NoError(t, second.Release())
}
