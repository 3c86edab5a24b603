package upload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repertory/repertory/internal/metastore"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
)

type fakeProvider struct {
	provider.Provider
	mu       sync.Mutex
	replaced map[apitypes.ApiPath][]byte
	failNext bool
}

func (f *fakeProvider) Replace(ctx context.Context, apiPath apitypes.ApiPath, key string, data []byte, meta apitypes.MetaMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return context.DeadlineExceeded
	}
	if f.replaced == nil {
		f.replaced = map[apitypes.ApiPath][]byte{}
	}
	f.replaced[apiPath] = append([]byte(nil), data...)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeProvider, *metastore.Store) {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fp := &fakeProvider{}
	m := NewManager(fp, store, nil, 1, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, fp, store
}

func TestQueueUpload_CompletesAndClearsRecord(t *testing.T) {
	m, fp, store := newTestManager(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o600))

	require.NoError(t, m.QueueUpload(ctx, "/a.txt", src))

	require.Eventually(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return string(fp.replaced["/a.txt"]) == "hello"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		list, err := store.ListUploads(ctx)
		return err == nil && len(list) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestQueueUpload_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	require.NoError(t, m.QueueUpload(ctx, "/a.txt", src))
	require.True(t, m.IsProcessing("/a.txt") || m.Stats().Completed == 1)
	require.NoError(t, m.QueueUpload(ctx, "/a.txt", src))
}

func TestRemoveUpload_CancelsQueuedJob(t *testing.T) {
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer store.Close()

	fp := &fakeProvider{}
	m := NewManager(fp, store, nil, 0, nil)
	// Don't start workers, so the job stays queued.
	m.started = true
	m.stopCh = make(chan struct{})

	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))
	require.NoError(t, m.QueueUpload(ctx, "/a.txt", src))
	require.True(t, m.IsProcessing("/a.txt"))

	require.NoError(t, m.RemoveUpload(ctx, "/a.txt"))
	require.False(t, m.IsProcessing("/a.txt"))

	list, err := store.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, list, 0)
}
