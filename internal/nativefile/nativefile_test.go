package nativefile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOrOpen_ReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scratch")

	f, err := CreateOrOpen(path)
	require.NoError(t, err)
	defer f.Close()

	payload := []byte("hello repertory")
	n, err := f.WriteAt(payload, 10)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = f.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestReadAt_ShortReadPastEOFIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	f, err := CreateOrOpen(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(4))

	buf := make([]byte, 16)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestClone_SharesRefCount(t *testing.T) {
	dir := t.TempDir()
	f, err := CreateOrOpen(filepath.Join(dir, "scratch"))
	require.NoError(t, err)

	clone := f.Clone()
	require.NoError(t, f.Close())

	_, err = clone.WriteAt([]byte("x"), 0)
	require.NoError(t, err, "descriptor must stay open while clone holds a reference")

	require.NoError(t, clone.Close())
}

func TestAllocateAndSize(t *testing.T) {
	dir := t.TempDir()
	f, err := CreateOrOpen(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Allocate(1<<20))
	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), size)
}
