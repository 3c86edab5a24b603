package chunkengine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repertory/repertory/internal/metastore"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
)

type fakeProvider struct {
	provider.Provider
	data      []byte
	chunkSize int64
	reads     int32
}

func (f *fakeProvider) EncryptionToken() string { return "" }
func (f *fakeProvider) ChunkSize() int64        { return f.chunkSize }

func (f *fakeProvider) ReadRange(ctx context.Context, apiPath apitypes.ApiPath, key string, offset, length int64, out []byte, stop provider.StopSignal) (int, error) {
	atomic.AddInt32(&f.reads, 1)
	end := offset + length
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	n := copy(out, f.data[offset:end])
	return n, nil
}

func makeData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestCached_ReadAtFetchesOnDemandAndCaches(t *testing.T) {
	data := makeData(100)
	fp := &fakeProvider{data: data, chunkSize: 16}
	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer store.Close()

	c, err := NewCached(context.Background(), CachedConfig{
		ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 16,
		ScratchPath: filepath.Join(t.TempDir(), "scratch"),
		Provider:    fp, Store: store,
	})
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, 20)
	n, err := c.ReadAt(context.Background(), buf, 10)
	require.NoError(t, err)
	require.Equal(t, data[10:30], buf[:n])

	// Re-reading the same range must not refetch either chunk.
	readsAfterFirst := atomic.LoadInt32(&fp.reads)
	buf2 := make([]byte, 20)
	n2, err := c.ReadAt(context.Background(), buf2, 10)
	require.NoError(t, err)
	require.Equal(t, data[10:30], buf2[:n2])
	require.Equal(t, readsAfterFirst, atomic.LoadInt32(&fp.reads))
}

func TestCached_ConcurrentReadsDedupeChunkFetch(t *testing.T) {
	data := makeData(1000)
	fp := &fakeProvider{data: data, chunkSize: 64}
	c, err := NewCached(context.Background(), CachedConfig{
		ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 64,
		ScratchPath: filepath.Join(t.TempDir(), "scratch"),
		Provider:    fp,
	})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 10)
			_, err := c.ReadAt(context.Background(), buf, 5)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&fp.reads), "20 concurrent readers of the same chunk must fetch it once")
}

func TestCached_WriteAtExtendsFile(t *testing.T) {
	fp := &fakeProvider{data: nil, chunkSize: 16}
	c, err := NewCached(context.Background(), CachedConfig{
		ApiPath: "/a.bin", Size: 0, ChunkSize: 16,
		ScratchPath: filepath.Join(t.TempDir(), "scratch"),
		Provider:    fp,
	})
	require.NoError(t, err)
	defer c.Close()

	n, err := c.WriteAt(context.Background(), []byte("hello world"), 0)
	require.NoError(t, err)
	require.Equal(t, 11, n)

	buf := make([]byte, 11)
	rn, err := c.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf[:rn]))
}

func TestDirect_ReadOnlyRejectsWrites(t *testing.T) {
	data := makeData(64)
	fp := &fakeProvider{data: data, chunkSize: 16}
	d := NewDirect(DirectConfig{ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 16, Provider: fp})
	defer d.Close()

	buf := make([]byte, 20)
	n, err := d.ReadAt(context.Background(), buf, 5)
	require.NoError(t, err)
	require.Equal(t, data[5:25], buf[:n])

	_, err = d.WriteAt(context.Background(), []byte("x"), 0)
	require.Error(t, err)
	err = d.Resize(context.Background(), 10)
	require.Error(t, err)
}

func TestDirect_EvictsBeyondInFlightWindow(t *testing.T) {
	data := makeData(160)
	fp := &fakeProvider{data: data, chunkSize: 16}
	d := NewDirect(DirectConfig{ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 16, Provider: fp, InFlight: 2})
	defer d.Close()

	buf := make([]byte, 16)
	for i := 0; i < 10; i++ {
		_, err := d.ReadAt(context.Background(), buf, int64(i)*16)
		require.NoError(t, err)
	}
	d.mu.Lock()
	size := len(d.cache)
	d.mu.Unlock()
	require.LessOrEqual(t, size, 2)
}

func TestRing_SequentialReadSlidesWindow(t *testing.T) {
	data := makeData(16 * 20) // 20 chunks of 16 bytes
	fp := &fakeProvider{data: data, chunkSize: 16}
	r, err := NewRing(RingConfig{ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 16, Capacity: 4,
		ScratchPath: filepath.Join(t.TempDir(), "ring"), Provider: fp})
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 16)
	for i := 0; i < 20; i++ {
		n, err := r.ReadAt(context.Background(), buf, int64(i)*16)
		require.NoError(t, err)
		require.Equal(t, data[i*16:i*16+16], buf[:n])
	}
}

func TestRing_FarJumpResetsWindow(t *testing.T) {
	data := makeData(16 * 100)
	fp := &fakeProvider{data: data, chunkSize: 16}
	r, err := NewRing(RingConfig{ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 16, Capacity: 4,
		ScratchPath: filepath.Join(t.TempDir(), "ring"), Provider: fp})
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 16)
	_, err = r.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)

	n, err := r.ReadAt(context.Background(), buf, 90*16)
	require.NoError(t, err)
	require.Equal(t, data[90*16:91*16], buf[:n])

	r.mu.Lock()
	start := r.windowStart
	r.mu.Unlock()
	require.Equal(t, int64(90), start)
}

func TestRing_CapacityIsClampedToMax(t *testing.T) {
	data := makeData(16)
	fp := &fakeProvider{data: data, chunkSize: 16}
	r, err := NewRing(RingConfig{ApiPath: "/a.bin", Size: int64(len(data)), ChunkSize: 16, Capacity: 5000,
		ScratchPath: filepath.Join(t.TempDir(), "ring"), Provider: fp})
	require.NoError(t, err)
	defer r.Close()
	require.LessOrEqual(t, r.capacity, int64(MaxRingCapacity))
}
