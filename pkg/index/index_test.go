package index

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whispem/minikv/pkg/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ix := New()
	ix.Insert("alpha", types.BlobLocation{SegmentID: 1, Offset: 10, Size: 5, Blake3: "abcd"})
	ix.Insert("beta", types.BlobLocation{SegmentID: 2, Offset: 20, Size: 7, Blake3: "ef01", ExpiresAt: 1234})

	var buf bytes.Buffer
	require.NoError(t, ix.Snapshot(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, ix.Len(), loaded.Len())

	loc, ok := loaded.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, uint64(1), loc.SegmentID)
	assert.Equal(t, "abcd", loc.Blake3)

	loc2, ok := loaded.Get("beta")
	require.True(t, ok)
	assert.EqualValues(t, 1234, loc2.ExpiresAt)
}

func TestGetIfValidFiltersExpired(t *testing.T) {
	ix := New()
	past := time.Now().Add(-time.Hour)
	ix.Insert("k", types.BlobLocation{ExpiresAt: past.UnixMilli()})

	_, ok := ix.GetIfValid("k", time.Now())
	assert.False(t, ok)

	_, ok = ix.Get("k")
	assert.True(t, ok, "Get ignores expiry; only GetIfValid filters")
}

func TestCleanupExpired(t *testing.T) {
	ix := New()
	now := time.Now()
	ix.Insert("live", types.BlobLocation{})
	ix.Insert("dead", types.BlobLocation{ExpiresAt: now.Add(-time.Minute).UnixMilli()})

	n := ix.CleanupExpired(now)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ix.Len())
}

func TestSaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.snap")

	ix := New()
	ix.Insert("k1", types.BlobLocation{SegmentID: 3, Offset: 1, Size: 2, Blake3: "xy"})
	require.NoError(t, ix.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	loc, ok := loaded.Get("k1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), loc.SegmentID)
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	loaded, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.snap"))
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
