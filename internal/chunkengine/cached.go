package chunkengine

import (
	"context"
	"sync"

	"github.com/repertory/repertory/internal/events"
	"github.com/repertory/repertory/internal/metastore"
	"github.com/repertory/repertory/internal/nativefile"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// CachedConfig configures a full-file cache-backed engine instance.
type CachedConfig struct {
	ApiPath    apitypes.ApiPath
	Key        string
	Size       int64
	ChunkSize  int64
	ScratchPath string
	Provider   provider.Provider
	Store      *metastore.Store
	Sink       events.Sink
}

// Cached is the default chunk engine: a local scratch file mirrors the
// object's full plaintext, chunks are materialised on first touch, and
// read_state/write_state bitsets track which chunks are present so a
// restart can resume a partially-downloaded file instead of redownloading
// it whole.
type Cached struct {
	apiPath   apitypes.ApiPath
	key       string
	size      int64
	chunkSize int64
	provider  provider.Provider
	store     *metastore.Store
	sink      events.Sink
	stop      *stopFlag

	file *nativefile.File

	mu         sync.Mutex
	cond       *sync.Cond
	readState  *apitypes.Bitset
	writeState *apitypes.Bitset
	fetching   map[int64]bool
	closed     bool
}

// NewCached opens or creates the scratch file at cfg.ScratchPath and
// restores any persisted resume record's read_state.
func NewCached(ctx context.Context, cfg CachedConfig) (*Cached, error) {
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}

	f, err := nativefile.CreateOrOpen(cfg.ScratchPath)
	if err != nil {
		return nil, err
	}
	if err := f.Allocate(cfg.Size); err != nil {
		f.Close()
		return nil, err
	}

	chunkCount := apitypes.ChunkCount(cfg.Size, cfg.ChunkSize)
	readState := apitypes.NewBitset(chunkCount)
	if cfg.Store != nil {
		if rec, err := cfg.Store.GetResume(ctx, cfg.ApiPath); err == nil && rec.ChunkSize == cfg.ChunkSize {
			readState = apitypes.BitsetFromBytes(rec.ReadState, chunkCount)
			cfg.Store.RemoveResume(ctx, cfg.ApiPath)
		}
	}

	c := &Cached{
		apiPath:    cfg.ApiPath,
		key:        cfg.Key,
		size:       cfg.Size,
		chunkSize:  cfg.ChunkSize,
		provider:   cfg.Provider,
		store:      cfg.Store,
		sink:       cfg.Sink,
		stop:       &stopFlag{},
		file:       f,
		readState:  readState,
		writeState: apitypes.NewBitset(chunkCount),
		fetching:   make(map[int64]bool),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// ReadAt materialises every chunk intersecting [off, off+len(buf)) that
// isn't already present, then reads from the scratch file.
func (c *Cached) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > c.size {
		end = c.size
	}
	if off >= end {
		return 0, nil
	}

	first, last := apitypes.ChunkSpan(off, end-off, c.chunkSize)
	c.sink.DownloadBegin(c.apiPath, end-off)
	for i := first; i <= last; i++ {
		if err := c.ensureChunk(ctx, i); err != nil {
			c.sink.DownloadEnd(c.apiPath, err)
			return 0, err
		}
		c.sink.DownloadProgress(c.apiPath, (i-first+1)*c.chunkSize, end-off)
	}
	c.sink.DownloadEnd(c.apiPath, nil)

	n, err := c.file.ReadAt(buf[:end-off], off)
	return n, err
}

// ensureChunk fetches chunk i if its read_state bit is clear, deduplicating
// concurrent requests for the same chunk across every handle sharing this
// engine: only one goroutine ever fetches a given chunk, the rest wait on
// the condition variable.
func (c *Cached) ensureChunk(ctx context.Context, i int64) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return apierrors.ErrInvalidHandle
		}
		if c.readState.Get(i) {
			c.mu.Unlock()
			return nil
		}
		if !c.fetching[i] {
			c.fetching[i] = true
			break
		}
		c.cond.Wait()
	}
	c.mu.Unlock()

	a, b := apitypes.ChunkRange(i, c.size, c.chunkSize)
	data, err := fetchPlaintextRange(ctx, c.provider, c.apiPath, c.key, c.size, c.chunkSize, a, b, c.stop)

	c.mu.Lock()
	delete(c.fetching, i)
	if err == nil {
		if _, werr := c.file.WriteAt(data, a); werr != nil {
			err = werr
		} else {
			c.readState.Set(i, true)
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return err
}

// WriteAt marks the touched chunks as both read and written (a write makes
// a chunk authoritative without needing a download) and grows the cached
// size in place when the write extends past EOF.
func (c *Cached) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	end := off + int64(len(buf))

	c.mu.Lock()
	if end > c.size {
		c.size = end
		newCount := apitypes.ChunkCount(c.size, c.chunkSize)
		grown := apitypes.NewBitset(newCount)
		for i := int64(0); i < c.readState.Len(); i++ {
			grown.Set(i, c.readState.Get(i))
		}
		c.readState = grown
		grownW := apitypes.NewBitset(newCount)
		for i := int64(0); i < c.writeState.Len(); i++ {
			grownW.Set(i, c.writeState.Get(i))
		}
		c.writeState = grownW
		if err := c.file.Allocate(c.size); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	first, last := apitypes.ChunkSpan(off, int64(len(buf)), c.chunkSize)
	for i := first; i <= last; i++ {
		c.readState.Set(i, true)
		c.writeState.Set(i, true)
	}
	c.mu.Unlock()

	return c.file.WriteAt(buf, off)
}

// Flush makes the scratch file durable (fsync). It does not upload
// anything; uploading the scratch file is the upload manager's job.
func (c *Cached) Flush(ctx context.Context) error {
	return c.file.Flush()
}

// Resize truncates or extends the cached file and its state bitsets.
func (c *Cached) Resize(ctx context.Context, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCount := apitypes.ChunkCount(size, c.chunkSize)
	oldCount := c.readState.Len()
	grownRead := apitypes.NewBitset(newCount)
	grownWrite := apitypes.NewBitset(newCount)
	n := oldCount
	if newCount < n {
		n = newCount
	}
	for i := int64(0); i < n; i++ {
		grownRead.Set(i, c.readState.Get(i))
		grownWrite.Set(i, c.writeState.Get(i))
	}
	c.size = size
	c.readState = grownRead
	c.writeState = grownWrite
	return c.file.Truncate(size)
}

// Close persists a resume record if the file isn't fully downloaded, then
// releases the scratch file handle.
func (c *Cached) Close() error {
	c.mu.Lock()
	c.closed = true
	complete := c.readState.All()
	snapshot := c.readState.Clone()
	c.mu.Unlock()

	if c.store != nil {
		if complete {
			c.store.RemoveResume(context.Background(), c.apiPath)
		} else {
			c.store.PutResume(context.Background(), apitypes.ResumeRecord{
				ApiPath:    c.apiPath,
				SourcePath: c.file.Path(),
				ChunkSize:  c.chunkSize,
				ReadState:  snapshot.Bytes(),
			})
		}
	}
	return c.file.Close()
}

// ScratchPath returns the local file backing this engine, for the upload
// manager to read once every chunk has been written.
func (c *Cached) ScratchPath() string { return c.file.Path() }

// Stop raises the cooperative cancellation flag observed by in-flight
// provider calls, matching a FUSE release/interrupt tearing down an engine
// mid-download.
func (c *Cached) Stop() { c.stop.Stop() }

var _ Engine = (*Cached)(nil)
