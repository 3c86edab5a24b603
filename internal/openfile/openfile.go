// Package openfile implements the open-file table: the map from API path to
// the single shared chunk engine instance serving every handle on that
// path, and the map from handle back to path that FUSE/WinFsp calls arrive
// keyed by. At most one chunk engine exists per open API path regardless of
// how many handles reference it, so two readers of the same file share one
// set of in-flight chunk fetches.
package openfile

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// Engine is the subset of a chunk engine's behaviour the open-file table
// depends on. internal/chunkengine's cached/direct/ring implementations all
// satisfy this.
type Engine interface {
	ReadAt(ctx context.Context, buf []byte, off int64) (int, error)
	WriteAt(ctx context.Context, buf []byte, off int64) (int, error)
	Flush(ctx context.Context) error
	Resize(ctx context.Context, size int64) error
	Close() error
}

// OpenFile is one api-path's shared engine and the handles referencing it.
type OpenFile struct {
	ApiPath apitypes.ApiPath

	mu       sync.Mutex
	engine   Engine
	handles  map[uint64]struct{}
	lastUsed int64 // unix nano, updated on every ReadAt/WriteAt
}

// Engine returns the shared engine instance for direct use by callers
// already holding a handle on this entry.
func (f *OpenFile) Engine() Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engine
}

func (f *OpenFile) handleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Table is the process-wide open-file table.
type Table struct {
	mu         sync.Mutex
	byPath     map[apitypes.ApiPath]*OpenFile
	byHandle   map[uint64]apitypes.ApiPath
	nextHandle uint64
}

// NewTable builds an empty open-file table.
func NewTable() *Table {
	return &Table{
		byPath:   make(map[apitypes.ApiPath]*OpenFile),
		byHandle: make(map[uint64]apitypes.ApiPath),
	}
}

// Open returns a new handle on apiPath. If the file has no existing open
// entry, factory is invoked exactly once to build its shared engine; if an
// entry already exists, factory is not called and the new handle shares the
// existing engine — this is the at-most-one-engine-per-path invariant.
func (t *Table) Open(apiPath apitypes.ApiPath, factory func() (Engine, error)) (uint64, error) {
	t.mu.Lock()
	of, exists := t.byPath[apiPath]
	if !exists {
		t.mu.Unlock()
		engine, err := factory()
		if err != nil {
			return 0, err
		}
		t.mu.Lock()
		// Re-check: another goroutine may have raced us to create the entry.
		if of, exists = t.byPath[apiPath]; exists {
			t.mu.Unlock()
			engine.Close()
		} else {
			of = &OpenFile{ApiPath: apiPath, engine: engine, handles: make(map[uint64]struct{})}
			t.byPath[apiPath] = of
			t.mu.Unlock()
		}
	} else {
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.nextHandle++
	handle := t.nextHandle
	t.byHandle[handle] = apiPath
	t.mu.Unlock()

	of.mu.Lock()
	of.handles[handle] = struct{}{}
	of.mu.Unlock()

	return handle, nil
}

// Get resolves a handle to its OpenFile entry.
func (t *Table) Get(handle uint64) (*OpenFile, error) {
	t.mu.Lock()
	apiPath, ok := t.byHandle[handle]
	if !ok {
		t.mu.Unlock()
		return nil, apierrors.ErrInvalidHandle
	}
	of := t.byPath[apiPath]
	t.mu.Unlock()
	if of == nil {
		return nil, apierrors.ErrInvalidHandle
	}
	return of, nil
}

// Close releases handle. It reports lastHandle true when this was the final
// handle on the entry, in which case the entry's engine has already been
// closed and removed from the table.
func (t *Table) Close(handle uint64) (lastHandle bool, err error) {
	t.mu.Lock()
	apiPath, ok := t.byHandle[handle]
	if !ok {
		t.mu.Unlock()
		return false, apierrors.ErrInvalidHandle
	}
	delete(t.byHandle, handle)
	of := t.byPath[apiPath]
	t.mu.Unlock()

	if of == nil {
		return false, apierrors.ErrInvalidHandle
	}

	of.mu.Lock()
	delete(of.handles, handle)
	remaining := len(of.handles)
	of.mu.Unlock()

	if remaining > 0 {
		return false, nil
	}

	t.mu.Lock()
	// Re-check under the table lock: a concurrent Open may have added a new
	// handle between the handles-map check above and acquiring this lock.
	if of.handleCount() > 0 {
		t.mu.Unlock()
		return false, nil
	}
	delete(t.byPath, apiPath)
	t.mu.Unlock()

	return true, of.engine.Close()
}

// Rename retargets an open entry from one api path to another, used when a
// file with open handles is renamed. No-op if the path has no open entry.
func (t *Table) Rename(from, to apitypes.ApiPath) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.byPath[from]
	if !ok {
		return
	}
	delete(t.byPath, from)
	of.ApiPath = to
	t.byPath[to] = of
	for h, p := range t.byHandle {
		if p == from {
			t.byHandle[h] = to
		}
	}
}

// HasNoOpenHandles reports whether apiPath currently has zero open handles
// (including the case where it was never opened).
func (t *Table) HasNoOpenHandles(apiPath apitypes.ApiPath) bool {
	t.mu.Lock()
	of, ok := t.byPath[apiPath]
	t.mu.Unlock()
	if !ok {
		return true
	}
	return of.handleCount() == 0
}

// CloseAll force-closes every open entry, flushing nothing — used only at
// shutdown after the caller has already drained pending writes.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := make([]*OpenFile, 0, len(t.byPath))
	for _, of := range t.byPath {
		entries = append(entries, of)
	}
	t.byPath = make(map[apitypes.ApiPath]*OpenFile)
	t.byHandle = make(map[uint64]apitypes.ApiPath)
	t.mu.Unlock()

	for _, of := range entries {
		of.engine.Close()
	}
}

// touch and LastUsed store and report the time of the entry's last read or
// write, as recorded through Touch. No code in this module calls LastUsed.
func (f *OpenFile) touch(nowUnixNano int64) {
	atomic.StoreInt64(&f.lastUsed, nowUnixNano)
}

func (f *OpenFile) LastUsed() int64 {
	return atomic.LoadInt64(&f.lastUsed)
}

// Touch records activity on handle's entry; callers (filemanager) invoke
// this around each read/write before delegating to the engine.
func (t *Table) Touch(handle uint64, nowUnixNano int64) {
	of, err := t.Get(handle)
	if err != nil {
		return
	}
	of.touch(nowUnixNano)
}
