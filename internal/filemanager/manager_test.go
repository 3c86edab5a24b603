package filemanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repertory/repertory/internal/metastore"
	"github.com/repertory/repertory/internal/provider/passthrough"
	"github.com/repertory/repertory/internal/upload"
	"github.com/repertory/repertory/pkg/apitypes"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()

	p, err := passthrough.NewBackend(passthrough.Config{
		RootDir: filepath.Join(t.TempDir(), "objects"), ChunkSizeBytes: 1 << 16,
	})
	require.NoError(t, err)

	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	uploads := upload.NewManager(p, store, nil, 1, nil)
	require.NoError(t, uploads.Start(ctx))
	t.Cleanup(uploads.Stop)

	m, err := New(Config{
		Provider: p, Store: store, Uploads: uploads,
		CacheDir: filepath.Join(t.TempDir(), "cache"),
	})
	require.NoError(t, err)
	return m
}

func TestCreateFileAndOpenReadWrite(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateFile(ctx, "/a.txt", 0o644, 1000, 1000))

	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	n, err := m.Write(ctx, handle, []byte("hello world"), 0)
	require.NoError(t, err)
	require.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, err = m.Read(ctx, handle, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:n]))

	meta, err := m.GetItemMeta(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "false", meta[apitypes.MetaKeyDirectory])

	require.NoError(t, m.Close(ctx, handle))
	require.True(t, m.HasNoOpenFileHandles("/a.txt"))
}

func TestCreateDirectoryAndList(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateDirectory(ctx, "/dir", 0o755, 0, 0))
	require.NoError(t, m.CreateFile(ctx, "/dir/a.txt", 0o644, 0, 0))

	count, err := m.GetDirectoryItemCount(ctx, "/dir")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Error(t, m.RemoveDirectory(ctx, "/dir"), "non-empty directory must refuse removal")
}

func TestRemoveFileRefusesWhileOpen(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateFile(ctx, "/a.txt", 0o644, 0, 0))
	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)

	require.Error(t, m.RemoveFile(ctx, "/a.txt"))

	require.NoError(t, m.Close(ctx, handle))
	require.NoError(t, m.RemoveFile(ctx, "/a.txt"))
}

func TestRenameFileMovesMeta(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateFile(ctx, "/a.txt", 0o644, 0, 0))
	require.NoError(t, m.RenameFile(ctx, "/a.txt", "/b.txt"))

	_, err := m.GetItemMeta(ctx, "/a.txt")
	require.Error(t, err)
	_, err = m.GetItemMeta(ctx, "/b.txt")
	require.NoError(t, err)
}

func TestIsProcessing_TrueWhileOpen(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.CreateFile(ctx, "/a.txt", 0o644, 0, 0))
	require.False(t, m.IsProcessing("/a.txt"))

	handle, err := m.Open(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, m.IsProcessing("/a.txt"))

	require.NoError(t, m.Close(ctx, handle))
}
