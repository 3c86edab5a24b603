package metastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repertory/repertory/pkg/apitypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMeta_SetGetRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetMeta(ctx, "/a.txt")
	require.Error(t, err)

	require.NoError(t, s.SetMeta(ctx, "/a.txt", apitypes.MetaMap{apitypes.MetaKeySize: "10"}))
	m, err := s.GetMeta(ctx, "/a.txt")
	require.NoError(t, err)
	require.Equal(t, "10", m[apitypes.MetaKeySize])

	require.NoError(t, s.RemoveMeta(ctx, "/a.txt"))
	_, err = s.GetMeta(ctx, "/a.txt")
	require.Error(t, err)
}

func TestMeta_DirectoryInvariantsNormalized(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := apitypes.MetaMap{apitypes.MetaKeyDirectory: "true", apitypes.MetaKeySize: "4096", apitypes.MetaKeyPinned: "true"}
	require.NoError(t, s.SetMeta(ctx, "/dir", m))

	got, err := s.GetMeta(ctx, "/dir")
	require.NoError(t, err)
	require.Equal(t, "0", got[apitypes.MetaKeySize])
	require.Equal(t, "false", got[apitypes.MetaKeyPinned])
}

func TestRenameMeta_MovesAllBuckets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMeta(ctx, "/old", apitypes.MetaMap{apitypes.MetaKeySize: "1"}))
	require.NoError(t, s.PutUpload(ctx, apitypes.UploadRecord{ApiPath: "/old", State: apitypes.UploadQueued}))
	require.NoError(t, s.PutResume(ctx, apitypes.ResumeRecord{ApiPath: "/old", ChunkSize: 1024}))

	require.NoError(t, s.RenameMeta(ctx, "/old", "/new"))

	_, err := s.GetMeta(ctx, "/old")
	require.Error(t, err)
	m, err := s.GetMeta(ctx, "/new")
	require.NoError(t, err)
	require.Equal(t, "1", m[apitypes.MetaKeySize])

	resume, err := s.GetResume(ctx, "/new")
	require.NoError(t, err)
	require.Equal(t, int64(1024), resume.ChunkSize)
}

func TestUploads_ListAndRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUpload(ctx, apitypes.UploadRecord{ApiPath: "/a", State: apitypes.UploadQueued}))
	require.NoError(t, s.PutUpload(ctx, apitypes.UploadRecord{ApiPath: "/b", State: apitypes.UploadActive}))

	list, err := s.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.RemoveUpload(ctx, "/a"))
	list, err = s.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
