//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/repertory/repertory/internal/filemanager"
	"github.com/repertory/repertory/internal/metrics"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// CgoFuseFS implements the filesystem using cgofuse for cross-platform
// support (macOS/Windows), mirroring FileSystem's go-fuse binding but
// against the winfsp/cgofuse callback surface.
type CgoFuseFS struct {
	fuse.FileSystemBase

	manager *filemanager.Manager
	metrics *metrics.Collector
	config  *Config

	mu         sync.RWMutex
	handles    map[uint64]handleEntry
	nextHandle uint64
	host       *fuse.FileSystemHost
	mounted    bool

	stats *Stats
}

type handleEntry struct {
	apiPath apitypes.ApiPath
	handle  uint64
}

// NewCgoFuseFS creates a new cgofuse-based filesystem bound to manager.
func NewCgoFuseFS(manager *filemanager.Manager, collector *metrics.Collector, config *Config) *CgoFuseFS {
	return &CgoFuseFS{
		manager:    manager,
		metrics:    collector,
		config:     config,
		handles:    make(map[uint64]handleEntry),
		nextHandle: 1,
		stats:      &Stats{},
	}
}

// Mount mounts the filesystem.
func (fs *CgoFuseFS) Mount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	fs.host = fuse.NewFileSystemHost(fs)

	options := []string{
		"-o", "fsname=repertory",
		"-o", "subtype=repertory",
		"-o", "allow_other",
	}

	switch {
	case strings.Contains(os.Getenv("GOOS"), "darwin"):
		options = append(options, "-o", "volname=Repertory")
	case strings.Contains(os.Getenv("GOOS"), "windows"):
		options = append(options, "-o", "FileSystemName=Repertory")
	}

	go func() {
		ret := fs.host.Mount(fs.config.MountPoint, options)
		if ret != 0 {
			log.Printf("Mount failed with code: %d", ret)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	fs.mounted = true
	log.Printf("repertory mounted at: %s", fs.config.MountPoint)
	return nil
}

// Unmount unmounts the filesystem.
func (fs *CgoFuseFS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return fmt.Errorf("filesystem not mounted")
	}

	if fs.host != nil {
		ret := fs.host.Unmount()
		if ret != 0 {
			return fmt.Errorf("unmount failed with code: %d", ret)
		}
	}

	fs.mounted = false
	log.Printf("repertory unmounted from: %s", fs.config.MountPoint)
	return nil
}

// IsMounted returns whether the filesystem is mounted.
func (fs *CgoFuseFS) IsMounted() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.mounted
}

func toApiPath(path string) apitypes.ApiPath {
	if path == "" || path == "/" {
		return apitypes.RootPath
	}
	return apitypes.ApiPath(path)
}

func errnoFor(err error) int {
	return -int(apierrors.Errno(err))
}

func metaUint32Field(m apitypes.MetaMap, key string, base int, fallback uint32) uint32 {
	v, ok := m[key]
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, base, 32)
	if err != nil {
		return fallback
	}
	return uint32(n)
}

func metaInt64Field(m apitypes.MetaMap, key string) int64 {
	n, _ := strconv.ParseInt(m[key], 10, 64)
	return n
}

// Getattr gets file attributes.
func (fs *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	start := time.Now()
	defer fs.recordOperation("getattr", start)

	meta, err := fs.manager.GetItemMeta(context.Background(), toApiPath(path))
	if err != nil {
		return errnoFor(err)
	}
	fs.fillStat(stat, meta)
	return 0
}

// Mkdir creates a directory.
func (fs *CgoFuseFS) Mkdir(path string, mode uint32) int {
	defer fs.recordOperation("mkdir", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS
	}
	uid, gid := fs.config.DefaultUID, fs.config.DefaultGID
	if err := fs.manager.CreateDirectory(context.Background(), toApiPath(path), mode, uid, gid); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Rmdir removes a directory.
func (fs *CgoFuseFS) Rmdir(path string) int {
	defer fs.recordOperation("rmdir", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS
	}
	if err := fs.manager.RemoveDirectory(context.Background(), toApiPath(path)); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Unlink removes a file.
func (fs *CgoFuseFS) Unlink(path string) int {
	defer fs.recordOperation("unlink", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS
	}
	if err := fs.manager.RemoveFile(context.Background(), toApiPath(path)); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Rename moves a file or directory.
func (fs *CgoFuseFS) Rename(oldpath string, newpath string) int {
	defer fs.recordOperation("rename", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	from, to := toApiPath(oldpath), toApiPath(newpath)
	meta, err := fs.manager.GetItemMeta(ctx, from)
	if err != nil {
		return errnoFor(err)
	}
	if meta[apitypes.MetaKeyDirectory] == "true" {
		err = fs.manager.RenameDirectory(ctx, from, to)
	} else {
		err = fs.manager.RenameFile(ctx, from, to)
	}
	if err != nil {
		return errnoFor(err)
	}
	return 0
}

// Create creates and opens a new file.
func (fs *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	defer fs.recordOperation("create", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS, 0
	}
	ctx := context.Background()
	apiPath := toApiPath(path)
	if err := fs.manager.CreateFile(ctx, apiPath, mode, fs.config.DefaultUID, fs.config.DefaultGID); err != nil {
		return errnoFor(err), 0
	}
	return fs.openHandle(ctx, apiPath)
}

// Open opens a file.
func (fs *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	defer fs.recordOperation("open", time.Now())
	return fs.openHandle(context.Background(), toApiPath(path))
}

func (fs *CgoFuseFS) openHandle(ctx context.Context, apiPath apitypes.ApiPath) (int, uint64) {
	mgrHandle, err := fs.manager.Open(ctx, apiPath)
	if err != nil {
		return errnoFor(err), 0
	}

	fs.mu.Lock()
	handle := fs.nextHandle
	fs.nextHandle++
	fs.handles[handle] = handleEntry{apiPath: apiPath, handle: mgrHandle}
	fs.mu.Unlock()

	return 0, handle
}

// Read reads from a file.
func (fs *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer fs.recordOperation("read", start)

	fs.mu.RLock()
	entry, ok := fs.handles[fh]
	fs.mu.RUnlock()
	if !ok {
		return -fuse.EBADF
	}

	n, err := fs.manager.Read(context.Background(), entry.handle, buff, ofst)
	if err != nil {
		return errnoFor(err)
	}
	return n
}

// Write writes to a file.
func (fs *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	defer fs.recordOperation("write", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS
	}

	fs.mu.RLock()
	entry, ok := fs.handles[fh]
	fs.mu.RUnlock()
	if !ok {
		return -fuse.EBADF
	}

	n, err := fs.manager.Write(context.Background(), entry.handle, buff, ofst)
	if err != nil {
		return errnoFor(err)
	}
	return n
}

// Truncate changes a file's size.
func (fs *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	defer fs.recordOperation("truncate", time.Now())
	if fs.config.ReadOnly {
		return -fuse.EROFS
	}

	ctx := context.Background()
	mgrHandle, opened, err := fs.resolveHandle(ctx, fh, toApiPath(path))
	if err != nil {
		return errnoFor(err)
	}
	if opened {
		defer fs.manager.Close(ctx, mgrHandle)
	}

	if err := fs.manager.Truncate(ctx, mgrHandle, size); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (fs *CgoFuseFS) resolveHandle(ctx context.Context, fh uint64, apiPath apitypes.ApiPath) (uint64, bool, error) {
	fs.mu.RLock()
	entry, ok := fs.handles[fh]
	fs.mu.RUnlock()
	if ok {
		return entry.handle, false, nil
	}
	h, err := fs.manager.Open(ctx, apiPath)
	return h, true, err
}

// Release closes a file.
func (fs *CgoFuseFS) Release(path string, fh uint64) int {
	defer fs.recordOperation("release", time.Now())

	fs.mu.Lock()
	entry, ok := fs.handles[fh]
	delete(fs.handles, fh)
	fs.mu.Unlock()
	if !ok {
		return -fuse.EBADF
	}

	if err := fs.manager.Close(context.Background(), entry.handle); err != nil {
		return errnoFor(err)
	}
	return 0
}

// Readdir reads directory contents.
func (fs *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	defer fs.recordOperation("readdir", time.Now())

	fill(".", nil, 0)
	fill("..", nil, 0)

	entries, err := fs.manager.ListDirectory(context.Background(), toApiPath(path))
	if err != nil {
		return errnoFor(err)
	}

	for _, e := range entries {
		stat := &fuse.Stat_t{}
		if e.Directory {
			stat.Mode = fuse.S_IFDIR | 0755
			stat.Nlink = 2
		} else {
			stat.Mode = fuse.S_IFREG | 0644
			stat.Size = e.Size
			stat.Nlink = 1
		}
		if !fill(e.Name, stat, 0) {
			break
		}
	}

	return 0
}

func (fs *CgoFuseFS) fillStat(stat *fuse.Stat_t, meta apitypes.MetaMap) {
	mode := metaUint32Field(meta, apitypes.MetaKeyMode, 8, fs.config.DefaultMode)
	if meta[apitypes.MetaKeyDirectory] == "true" {
		stat.Mode = fuse.S_IFDIR | mode
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | mode
		stat.Nlink = 1
	}
	stat.Size = metaInt64Field(meta, apitypes.MetaKeySize)
	stat.Uid = metaUint32Field(meta, apitypes.MetaKeyUID, 10, fs.config.DefaultUID)
	stat.Gid = metaUint32Field(meta, apitypes.MetaKeyGID, 10, fs.config.DefaultGID)

	modified := apitypes.TicksToUnixNano(metaInt64Field(meta, apitypes.MetaKeyModified))
	stat.Mtim.Sec = modified / int64(time.Second)
	stat.Mtim.Nsec = modified % int64(time.Second)
}

func (fs *CgoFuseFS) recordOperation(op string, start time.Time) {
	if fs.metrics != nil {
		fs.metrics.RecordOperation(op, time.Since(start), 0, true)
	}
}

// GetStats returns filesystem statistics.
func (fs *CgoFuseFS) GetStats() *FilesystemStats {
	s := fs.stats.snapshot()
	return &FilesystemStats{
		Lookups:      s.Lookups,
		Opens:        s.Opens,
		Reads:        s.Reads,
		Writes:       s.Writes,
		BytesRead:    s.BytesRead,
		BytesWritten: s.BytesWritten,
		CacheHits:    s.CacheHits,
		CacheMisses:  s.CacheMisses,
		Errors:       s.Errors,
	}
}
