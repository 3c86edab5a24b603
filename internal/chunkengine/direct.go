package chunkengine

import (
	"context"
	"sync"

	"github.com/repertory/repertory/internal/events"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// DirectConfig configures a direct-streaming engine instance.
type DirectConfig struct {
	ApiPath   apitypes.ApiPath
	Key       string
	Size      int64
	ChunkSize int64
	InFlight  int // number of most recently fetched chunks kept in memory; default 4
	Provider  provider.Provider
	Sink      events.Sink
}

// Direct serves reads straight from the provider with no local persistence:
// a small LRU-ish window of the most recently fetched chunks is kept in
// memory so a caller re-reading within that window doesn't refetch, but
// nothing survives Close. Used for providers marked IsDirectOnly, or by
// caller choice for files too large or too transient to cache. Read-only:
// every write-shaped call fails with ErrNotSupported.
type Direct struct {
	apiPath   apitypes.ApiPath
	key       string
	size      int64
	chunkSize int64
	inFlight  int
	provider  provider.Provider
	sink      events.Sink
	stop      *stopFlag

	mu     sync.Mutex
	cache  map[int64][]byte
	order  []int64 // chunk indices, oldest first, for eviction
	closed bool
}

// NewDirect builds a Direct engine. No I/O happens until the first ReadAt.
func NewDirect(cfg DirectConfig) *Direct {
	if cfg.InFlight <= 0 {
		cfg.InFlight = 4
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	return &Direct{
		apiPath:   cfg.ApiPath,
		key:       cfg.Key,
		size:      cfg.Size,
		chunkSize: cfg.ChunkSize,
		inFlight:  cfg.InFlight,
		provider:  cfg.Provider,
		sink:      cfg.Sink,
		stop:      &stopFlag{},
		cache:     make(map[int64][]byte),
	}
}

func (d *Direct) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > d.size {
		end = d.size
	}
	if off >= end {
		return 0, nil
	}

	first, last := apitypes.ChunkSpan(off, end-off, d.chunkSize)
	d.sink.DownloadBegin(d.apiPath, end-off)

	total := 0
	for i := first; i <= last; i++ {
		chunk, err := d.chunk(ctx, i)
		if err != nil {
			d.sink.DownloadEnd(d.apiPath, err)
			return total, err
		}
		a, _ := apitypes.ChunkRange(i, d.size, d.chunkSize)
		start := int64(0)
		if i == first {
			start = off - a
		}
		srcEnd := int64(len(chunk))
		if i == last {
			srcEnd = end - a
		}
		if start < 0 || srcEnd > int64(len(chunk)) || start > srcEnd {
			return total, apierrors.ErrDownloadIncomplete
		}
		n := copy(buf[total:], chunk[start:srcEnd])
		total += n
		d.sink.DownloadProgress(d.apiPath, int64(total), end-off)
	}
	d.sink.DownloadEnd(d.apiPath, nil)
	return total, nil
}

func (d *Direct) chunk(ctx context.Context, i int64) ([]byte, error) {
	d.mu.Lock()
	if data, ok := d.cache[i]; ok {
		d.mu.Unlock()
		return data, nil
	}
	d.mu.Unlock()

	a, b := apitypes.ChunkRange(i, d.size, d.chunkSize)
	data, err := fetchPlaintextRange(ctx, d.provider, d.apiPath, d.key, d.size, d.chunkSize, a, b, d.stop)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[i] = data
	d.order = append(d.order, i)
	for len(d.order) > d.inFlight {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.cache, evict)
	}
	d.mu.Unlock()
	return data, nil
}

func (d *Direct) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
	return 0, apierrors.ErrNotSupported
}

func (d *Direct) Flush(ctx context.Context) error { return nil }

func (d *Direct) Resize(ctx context.Context, size int64) error {
	return apierrors.ErrNotSupported
}

func (d *Direct) Close() error {
	d.mu.Lock()
	d.closed = true
	d.cache = nil
	d.order = nil
	d.mu.Unlock()
	return nil
}

// Stop raises the cooperative cancellation flag for in-flight fetches.
func (d *Direct) Stop() { d.stop.Stop() }

var _ Engine = (*Direct)(nil)
