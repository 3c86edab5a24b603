package chunkengine

import (
	"context"
	"os"
	"sync"

	"github.com/repertory/repertory/internal/events"
	"github.com/repertory/repertory/internal/nativefile"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

const (
	// DefaultRingCapacity is R, the default ring-buffer window size in
	// chunks (§3).
	DefaultRingCapacity = 512
	// MaxRingCapacity caps R regardless of caller-requested size.
	MaxRingCapacity = 1024
)

// RingConfig configures a ring-buffer streaming engine instance.
type RingConfig struct {
	ApiPath     apitypes.ApiPath
	Key         string
	Size        int64
	ChunkSize   int64
	Capacity    int64 // window size in chunks; defaults to DefaultRingCapacity, capped at MaxRingCapacity
	ScratchPath string
	Provider    provider.Provider
	Sink        events.Sink
}

// Ring is the streaming engine for sequential or mostly-sequential access
// to files far too large to cache in full: a fixed-capacity window of
// chunks slides forward (or backward) with the read cursor. A read that
// lands within half a window's reach of the current window slides it;
// a read that jumps further resets the window around the new position and
// discards whatever it held. The window itself lives in a pre-allocated
// scratch file of capacity*chunkSize bytes rather than heap, so an open
// ring file costs disk, not RAM, regardless of window size. Read-only,
// like Direct.
type Ring struct {
	apiPath   apitypes.ApiPath
	key       string
	size      int64
	chunkSize int64
	capacity  int64
	provider  provider.Provider
	sink      events.Sink
	stop      *stopFlag

	file *nativefile.File

	mu          sync.Mutex
	windowStart int64            // chunk index of the first slot in the ring
	present     *apitypes.Bitset // one bit per ring slot, not per file chunk
	prefetchWG  sync.WaitGroup
	closed      bool
}

// NewRing builds a Ring engine with an empty window backed by a fresh
// scratch file at cfg.ScratchPath.
func NewRing(cfg RingConfig) (*Ring, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultRingCapacity
	}
	if cfg.Capacity > MaxRingCapacity {
		cfg.Capacity = MaxRingCapacity
	}
	chunkCount := apitypes.ChunkCount(cfg.Size, cfg.ChunkSize)
	if cfg.Capacity > chunkCount {
		cfg.Capacity = chunkCount
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}

	f, err := nativefile.CreateOrOpen(cfg.ScratchPath)
	if err != nil {
		return nil, err
	}
	if err := f.Allocate(cfg.Capacity * cfg.ChunkSize); err != nil {
		f.Close()
		return nil, err
	}

	return &Ring{
		apiPath:   cfg.ApiPath,
		key:       cfg.Key,
		size:      cfg.Size,
		chunkSize: cfg.ChunkSize,
		capacity:  cfg.Capacity,
		provider:  cfg.Provider,
		sink:      cfg.Sink,
		stop:      &stopFlag{},
		file:      f,
		present:   apitypes.NewBitset(cfg.Capacity),
	}, nil
}

func (r *Ring) slotFor(chunkIndex int64) int64 {
	return (chunkIndex%r.capacity + r.capacity) % r.capacity
}

// inWindow reports whether chunkIndex currently falls inside [windowStart,
// windowStart+capacity).
func (r *Ring) inWindow(chunkIndex int64) bool {
	return chunkIndex >= r.windowStart && chunkIndex < r.windowStart+r.capacity
}

// reposition slides the window if chunkIndex is within one half-window of
// the current range, otherwise resets it to start fresh at chunkIndex —
// the ring's defining reset-vs-slide decision.
func (r *Ring) reposition(chunkIndex int64) {
	if r.inWindow(chunkIndex) {
		return
	}
	half := r.capacity / 2
	if half < 1 {
		half = 1
	}
	distanceAhead := chunkIndex - (r.windowStart + r.capacity)
	distanceBehind := r.windowStart - chunkIndex
	if (distanceAhead >= 0 && distanceAhead <= half) || (distanceBehind >= 0 && distanceBehind <= half) {
		r.slide(chunkIndex)
		return
	}
	r.reset(chunkIndex)
}

func (r *Ring) slide(chunkIndex int64) {
	var newStart int64
	if chunkIndex >= r.windowStart+r.capacity {
		newStart = chunkIndex - r.capacity + 1
		for i := r.windowStart; i < newStart; i++ {
			r.present.Set(r.slotFor(i), false)
		}
	} else {
		newStart = chunkIndex
		for i := newStart; i < r.windowStart; i++ {
			r.present.Set(r.slotFor(i), false)
		}
	}
	r.windowStart = newStart
}

func (r *Ring) reset(chunkIndex int64) {
	r.windowStart = chunkIndex
	r.present = apitypes.NewBitset(r.capacity)
}

func (r *Ring) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	end := off + int64(len(buf))
	if end > r.size {
		end = r.size
	}
	if off >= end {
		return 0, nil
	}

	first, last := apitypes.ChunkSpan(off, end-off, r.chunkSize)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, apierrors.ErrInvalidHandle
	}
	r.reposition(first)
	r.mu.Unlock()

	r.sink.DownloadBegin(r.apiPath, end-off)
	total := 0
	for i := first; i <= last; i++ {
		chunkLen, err := r.fetchIntoWindow(ctx, i)
		if err != nil {
			r.sink.DownloadEnd(r.apiPath, err)
			return total, err
		}
		a, _ := apitypes.ChunkRange(i, r.size, r.chunkSize)
		start := int64(0)
		if i == first {
			start = off - a
		}
		srcEnd := chunkLen
		if i == last {
			srcEnd = end - a
		}
		if start < 0 || srcEnd > chunkLen || start > srcEnd {
			return total, apierrors.ErrDownloadIncomplete
		}

		r.mu.Lock()
		slot := r.slotFor(i)
		r.mu.Unlock()
		n, err := r.file.ReadAt(buf[total:total+int(srcEnd-start)], slot*r.chunkSize+start)
		if err != nil {
			return total, err
		}
		total += n
	}
	r.sink.DownloadEnd(r.apiPath, nil)

	r.prefetchAhead(ctx, last)
	return total, nil
}

// fetchIntoWindow ensures chunk i is present in its ring slot, returning its
// plaintext length.
func (r *Ring) fetchIntoWindow(ctx context.Context, i int64) (int64, error) {
	r.mu.Lock()
	if !r.inWindow(i) {
		r.reposition(i)
	}
	slot := r.slotFor(i)
	if r.present.Get(slot) {
		r.mu.Unlock()
		a, b := apitypes.ChunkRange(i, r.size, r.chunkSize)
		return b - a, nil
	}
	r.mu.Unlock()

	a, b := apitypes.ChunkRange(i, r.size, r.chunkSize)
	data, err := fetchPlaintextRange(ctx, r.provider, r.apiPath, r.key, r.size, r.chunkSize, a, b, r.stop)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if r.inWindow(i) {
		slot := r.slotFor(i)
		if _, werr := r.file.WriteAt(data, slot*r.chunkSize); werr != nil {
			r.mu.Unlock()
			return 0, werr
		}
		r.present.Set(slot, true)
	}
	r.mu.Unlock()
	return int64(len(data)), nil
}

// prefetchAhead fires a background read-ahead up to half the window beyond
// the last chunk just served, the forward-prefetch half of the ring's
// read-ahead/read-behind budget.
func (r *Ring) prefetchAhead(ctx context.Context, lastServed int64) {
	half := r.capacity / 2
	if half < 1 {
		return
	}
	chunkCount := apitypes.ChunkCount(r.size, r.chunkSize)

	r.prefetchWG.Add(1)
	go func() {
		defer r.prefetchWG.Done()
		for i := lastServed + 1; i <= lastServed+half && i < chunkCount; i++ {
			r.mu.Lock()
			closed := r.closed
			inWindow := r.inWindow(i)
			var already bool
			if inWindow {
				already = r.present.Get(r.slotFor(i))
			}
			r.mu.Unlock()
			if closed {
				return
			}
			if !inWindow || already {
				continue
			}
			if _, err := r.fetchIntoWindow(ctx, i); err != nil {
				return
			}
		}
	}()
}

func (r *Ring) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
	return 0, apierrors.ErrNotSupported
}

func (r *Ring) Flush(ctx context.Context) error { return nil }

func (r *Ring) Resize(ctx context.Context, size int64) error {
	return apierrors.ErrNotSupported
}

// Close releases the scratch file and removes it; the ring's window is
// transient, unlike Cached's resumable scratch file.
func (r *Ring) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.prefetchWG.Wait()

	path := r.file.Path()
	err := r.file.Close()
	os.Remove(path)
	return err
}

// Stop raises the cooperative cancellation flag for in-flight fetches.
func (r *Ring) Stop() { r.stop.Stop() }

var _ Engine = (*Ring)(nil)
