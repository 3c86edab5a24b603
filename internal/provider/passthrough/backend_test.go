package passthrough

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlaintext_CreateWriteReadRemove(t *testing.T) {
	b, err := NewBackend(Config{RootDir: t.TempDir(), ChunkSizeBytes: 1 << 16})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.CreatePseudoDirectory(ctx, "/dir", nil))
	require.NoError(t, b.Replace(ctx, "/dir/a.txt", "", []byte("hello world"), nil))

	buf := make([]byte, 11)
	n, err := b.ReadRange(ctx, "/dir/a.txt", "", 0, 11, buf, nil)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:n]))

	entries, err := b.ListDirectory(ctx, "/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name)

	require.NoError(t, b.Remove(ctx, "/dir/a.txt", ""))
	_, err = b.Stat(ctx, "/dir/a.txt")
	require.Error(t, err)
}

func TestPlaintext_RenameMovesFile(t *testing.T) {
	b, err := NewBackend(Config{RootDir: t.TempDir(), ChunkSizeBytes: 1 << 16})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Replace(ctx, "/a.txt", "", []byte("x"), nil))
	require.NoError(t, b.Rename(ctx, "/a.txt", "/b.txt"))

	_, err = b.Stat(ctx, "/a.txt")
	require.Error(t, err)
	_, err = b.Stat(ctx, "/b.txt")
	require.NoError(t, err)
}

func TestEncryptedPaths_RoundTripThroughRealFilenames(t *testing.T) {
	root := t.TempDir()
	b, err := NewBackend(Config{RootDir: root, ChunkSizeBytes: 1 << 16, EncryptionToken: "s3kr3t", EncryptPaths: true})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.CreatePseudoDirectory(ctx, "/notes", nil))
	require.NoError(t, b.Replace(ctx, "/notes/secret.txt", "", []byte("the launch code is 1234"), nil))

	entries, err := b.ListDirectory(ctx, "/notes")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "secret.txt", entries[0].Name, "directory listing decrypts names back to plaintext")

	dirEntries, err := os.ReadDir(filepath.Join(root))
	require.NoError(t, err)
	for _, e := range dirEntries {
		require.NotEqual(t, "notes", e.Name(), "on-disk directory name must not be the plaintext name")
	}
}
