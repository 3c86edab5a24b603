// Package filemanager composes a Provider, the open-file table, the
// upload manager and the metadata store into the single surface the
// FUSE/WinFsp glue calls into. It owns no wire protocol and no cache
// strategy of its own — those are the provider and chunkengine's job —
// only the sequencing between them.
package filemanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/repertory/repertory/internal/chunkengine"
	"github.com/repertory/repertory/internal/events"
	"github.com/repertory/repertory/internal/metastore"
	"github.com/repertory/repertory/internal/openfile"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/internal/upload"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// Strategy selects which chunk engine serves a newly opened file.
type Strategy int

const (
	StrategyCached Strategy = iota
	StrategyDirect
	StrategyRing
)

// Config wires a Manager's collaborators.
type Config struct {
	Provider    provider.Provider
	Store       *metastore.Store
	Uploads     *upload.Manager
	Sink        events.Sink
	CacheDir    string
	RingCapacity int64
	// ChooseStrategy picks the engine for a file given its size; defaults to
	// always StrategyCached unless the provider is direct-only.
	ChooseStrategy func(size int64) Strategy
}

// Manager is the composition root for one mounted filesystem.
type Manager struct {
	provider  provider.Provider
	store     *metastore.Store
	uploads   *upload.Manager
	sink      events.Sink
	openFiles *openfile.Table
	cacheDir  string
	ringCap   int64
	choose    func(size int64) Strategy
}

// New builds a Manager. CacheDir is created if absent.
func New(cfg Config) (*Manager, error) {
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}
	if cfg.CacheDir == "" {
		return nil, apierrors.ErrInvalidOperation.WithContext("reason", "empty_cache_dir")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("mkdir_cache_dir")
	}
	choose := cfg.ChooseStrategy
	if choose == nil {
		choose = func(size int64) Strategy { return StrategyCached }
	}

	return &Manager{
		provider:  cfg.Provider,
		store:     cfg.Store,
		uploads:   cfg.Uploads,
		sink:      cfg.Sink,
		openFiles: openfile.NewTable(),
		cacheDir:  cfg.CacheDir,
		ringCap:   cfg.RingCapacity,
		choose:    choose,
	}, nil
}

func (m *Manager) scratchPath(apiPath apitypes.ApiPath) string {
	sum := sha256.Sum256([]byte(apiPath))
	return filepath.Join(m.cacheDir, hex.EncodeToString(sum[:]))
}

func nowTicks() int64 { return apitypes.UnixNanoToTicks(time.Now().UnixNano()) }

// CreateFile creates a new zero-length file and its meta record.
func (m *Manager) CreateFile(ctx context.Context, apiPath apitypes.ApiPath, mode uint32, uid, gid uint32) error {
	if err := m.provider.CreateObject(ctx, apiPath, nil); err != nil {
		return err
	}
	now := strconv.FormatInt(nowTicks(), 10)
	meta := apitypes.MetaMap{
		apitypes.MetaKeySize: "0", apitypes.MetaKeyDirectory: "false",
		apitypes.MetaKeyMode: strconv.FormatUint(uint64(mode), 8),
		apitypes.MetaKeyUID:  strconv.FormatUint(uint64(uid), 10),
		apitypes.MetaKeyGID:  strconv.FormatUint(uint64(gid), 10),
		apitypes.MetaKeyCreation: now, apitypes.MetaKeyModified: now,
		apitypes.MetaKeyChanged: now, apitypes.MetaKeyAccessed: now,
	}
	return m.store.SetMeta(ctx, apiPath, meta)
}

// CreateDirectory creates a pseudo-directory and its meta record.
func (m *Manager) CreateDirectory(ctx context.Context, apiPath apitypes.ApiPath, mode uint32, uid, gid uint32) error {
	if err := m.provider.CreatePseudoDirectory(ctx, apiPath, nil); err != nil {
		return err
	}
	now := strconv.FormatInt(nowTicks(), 10)
	meta := apitypes.MetaMap{
		apitypes.MetaKeyDirectory: "true",
		apitypes.MetaKeyMode:      strconv.FormatUint(uint64(mode), 8),
		apitypes.MetaKeyUID:       strconv.FormatUint(uint64(uid), 10),
		apitypes.MetaKeyGID:       strconv.FormatUint(uint64(gid), 10),
		apitypes.MetaKeyCreation:  now, apitypes.MetaKeyModified: now,
		apitypes.MetaKeyChanged: now, apitypes.MetaKeyAccessed: now,
	}
	return m.store.SetMeta(ctx, apiPath, meta)
}

// Open returns a handle serving apiPath, constructing its shared chunk
// engine on first open.
func (m *Manager) Open(ctx context.Context, apiPath apitypes.ApiPath) (uint64, error) {
	file, err := m.provider.Stat(ctx, apiPath)
	if err != nil {
		return 0, err
	}
	if file.Directory {
		return 0, apierrors.ErrInvalidOperation.WithContext("reason", "open_on_directory")
	}

	strategy := m.choose(file.Size)
	if m.provider.IsDirectOnly() {
		strategy = StrategyDirect
	}

	return m.openFiles.Open(apiPath, func() (openfile.Engine, error) {
		switch strategy {
		case StrategyDirect:
			return chunkengine.NewDirect(chunkengine.DirectConfig{
				ApiPath: apiPath, Key: file.Key, Size: file.Size,
				ChunkSize: m.provider.ChunkSize(), Provider: m.provider, Sink: m.sink,
			}), nil
		case StrategyRing:
			return chunkengine.NewRing(chunkengine.RingConfig{
				ApiPath: apiPath, Key: file.Key, Size: file.Size,
				ChunkSize: m.provider.ChunkSize(), Capacity: m.ringCap,
				ScratchPath: m.scratchPath(apiPath) + ".ring",
				Provider:    m.provider, Sink: m.sink,
			})
		default:
			return chunkengine.NewCached(ctx, chunkengine.CachedConfig{
				ApiPath: apiPath, Key: file.Key, Size: file.Size,
				ChunkSize: m.provider.ChunkSize(), ScratchPath: m.scratchPath(apiPath),
				Provider: m.provider, Store: m.store, Sink: m.sink,
			})
		}
	})
}

// Close releases handle. If it was the last handle on a cached engine that
// received writes, the file is queued for upload.
func (m *Manager) Close(ctx context.Context, handle uint64) error {
	of, err := m.openFiles.Get(handle)
	if err != nil {
		return err
	}
	apiPath := of.ApiPath
	var cached *chunkengine.Cached
	if c, ok := of.Engine().(*chunkengine.Cached); ok {
		cached = c
	}

	last, err := m.openFiles.Close(handle)
	if err != nil {
		return err
	}
	if last && cached != nil && m.uploads != nil {
		return m.uploads.QueueUpload(ctx, apiPath, cached.ScratchPath())
	}
	return nil
}

// CloseAll force-closes every open entry, for shutdown after in-flight
// writes have already been drained.
func (m *Manager) CloseAll() { m.openFiles.CloseAll() }

// Read reads from an open handle.
func (m *Manager) Read(ctx context.Context, handle uint64, buf []byte, offset int64) (int, error) {
	of, err := m.openFiles.Get(handle)
	if err != nil {
		return 0, err
	}
	m.openFiles.Touch(handle, time.Now().UnixNano())
	return of.Engine().ReadAt(ctx, buf, offset)
}

// Write writes to an open handle.
func (m *Manager) Write(ctx context.Context, handle uint64, data []byte, offset int64) (int, error) {
	of, err := m.openFiles.Get(handle)
	if err != nil {
		return 0, err
	}
	m.openFiles.Touch(handle, time.Now().UnixNano())
	n, err := of.Engine().WriteAt(ctx, data, offset)
	if err != nil {
		return n, err
	}
	now := strconv.FormatInt(nowTicks(), 10)
	meta, merr := m.store.GetMeta(ctx, of.ApiPath)
	if merr != nil {
		meta = apitypes.MetaMap{}
	}
	meta[apitypes.MetaKeyModified] = now
	meta[apitypes.MetaKeyChanged] = now
	meta[apitypes.MetaKeySize] = strconv.FormatInt(offset+int64(n), 10)
	_ = m.store.SetMeta(ctx, of.ApiPath, meta)
	return n, nil
}

// Truncate resizes an open file via its engine.
func (m *Manager) Truncate(ctx context.Context, handle uint64, size int64) error {
	of, err := m.openFiles.Get(handle)
	if err != nil {
		return err
	}
	if err := of.Engine().Resize(ctx, size); err != nil {
		return err
	}
	meta, merr := m.store.GetMeta(ctx, of.ApiPath)
	if merr != nil {
		meta = apitypes.MetaMap{}
	}
	meta[apitypes.MetaKeySize] = strconv.FormatInt(size, 10)
	return m.store.SetMeta(ctx, of.ApiPath, meta)
}

// GetItemMeta returns the meta map for apiPath.
func (m *Manager) GetItemMeta(ctx context.Context, apiPath apitypes.ApiPath) (apitypes.MetaMap, error) {
	return m.store.GetMeta(ctx, apiPath)
}

// SetItemMeta merges keys into apiPath's meta map.
func (m *Manager) SetItemMeta(ctx context.Context, apiPath apitypes.ApiPath, updates apitypes.MetaMap) error {
	meta, err := m.store.GetMeta(ctx, apiPath)
	if err != nil {
		meta = apitypes.MetaMap{}
	}
	for k, v := range updates {
		meta[k] = v
	}
	return m.store.SetMeta(ctx, apiPath, meta)
}

// RemoveItemMeta deletes apiPath's meta record.
func (m *Manager) RemoveItemMeta(ctx context.Context, apiPath apitypes.ApiPath) error {
	return m.store.RemoveMeta(ctx, apiPath)
}

// ListDirectory lists apiPath's children.
func (m *Manager) ListDirectory(ctx context.Context, apiPath apitypes.ApiPath) ([]apitypes.DirectoryEntry, error) {
	return m.provider.ListDirectory(ctx, apiPath)
}

// GetDirectoryItemCount returns the number of children under apiPath.
func (m *Manager) GetDirectoryItemCount(ctx context.Context, apiPath apitypes.ApiPath) (int, error) {
	entries, err := m.provider.ListDirectory(ctx, apiPath)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RenameFile moves a file's provider object, meta record, open-file entry
// and any in-flight upload atomically from the caller's perspective.
func (m *Manager) RenameFile(ctx context.Context, from, to apitypes.ApiPath) error {
	if err := m.provider.Rename(ctx, from, to); err != nil {
		return err
	}
	m.openFiles.Rename(from, to)
	if m.uploads != nil {
		if err := m.uploads.RenameUpload(ctx, from, to); err != nil {
			return err
		}
	}
	return m.store.RenameMeta(ctx, from, to)
}

// RenameDirectory moves a directory the same way RenameFile moves a file.
func (m *Manager) RenameDirectory(ctx context.Context, from, to apitypes.ApiPath) error {
	return m.RenameFile(ctx, from, to)
}

// RemoveFile deletes a file's provider object and meta record. Refuses
// while any handle remains open.
func (m *Manager) RemoveFile(ctx context.Context, apiPath apitypes.ApiPath) error {
	if !m.openFiles.HasNoOpenHandles(apiPath) {
		return apierrors.ErrFileInUse
	}
	if err := m.provider.Remove(ctx, apiPath, ""); err != nil {
		return err
	}
	return m.store.RemoveMeta(ctx, apiPath)
}

// RemoveDirectory deletes an empty pseudo-directory.
func (m *Manager) RemoveDirectory(ctx context.Context, apiPath apitypes.ApiPath) error {
	count, err := m.GetDirectoryItemCount(ctx, apiPath)
	if err != nil {
		return err
	}
	if count > 0 {
		return apierrors.ErrDirectoryNotEmpty
	}
	if err := m.provider.Remove(ctx, apiPath, ""); err != nil {
		return err
	}
	return m.store.RemoveMeta(ctx, apiPath)
}

// Evict drops a cached file's local resume state, forcing a future open to
// redownload from scratch. Returns ErrFileInUse while handles remain open.
func (m *Manager) Evict(ctx context.Context, apiPath apitypes.ApiPath) error {
	if !m.openFiles.HasNoOpenHandles(apiPath) {
		return apierrors.ErrFileInUse
	}
	rec, err := m.store.GetResume(ctx, apiPath)
	if err != nil {
		return nil // nothing cached locally
	}
	os.Remove(rec.SourcePath)
	m.sink.ChunkRemoved(apiPath, -1)
	return m.store.RemoveResume(ctx, apiPath)
}

// UpdateUsedSpace refreshes and returns the provider's reported used space.
func (m *Manager) UpdateUsedSpace(ctx context.Context) (int64, error) {
	return m.provider.UsedSpace(ctx)
}

// HasNoOpenFileHandles reports whether apiPath has zero open handles.
func (m *Manager) HasNoOpenFileHandles(apiPath apitypes.ApiPath) bool {
	return m.openFiles.HasNoOpenHandles(apiPath)
}

// IsProcessing reports whether apiPath has an open handle or a queued/active
// upload.
func (m *Manager) IsProcessing(apiPath apitypes.ApiPath) bool {
	if !m.openFiles.HasNoOpenHandles(apiPath) {
		return true
	}
	return m.uploads != nil && m.uploads.IsProcessing(apiPath)
}
