package fuse

import (
	"context"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/repertory/repertory/internal/filemanager"
	"github.com/repertory/repertory/internal/metrics"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// FileSystem is the go-fuse binding over a Manager: every Inode method
// translates a POSIX call into an ApiPath-keyed filemanager operation and
// maps the result back to a syscall.Errno via apierrors.Errno.
type FileSystem struct {
	fs.Inode

	manager *filemanager.Manager
	metrics *metrics.Collector
	config  *Config

	stats *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	DirectIO  bool   `yaml:"direct_io"`
	KeepCache bool   `yaml:"keep_cache"`
	BigWrites bool   `yaml:"big_writes"`
	MaxRead   uint32 `yaml:"max_read"`
	MaxWrite  uint32 `yaml:"max_write"`

	DefaultUID  uint32        `yaml:"default_uid"`
	DefaultGID  uint32        `yaml:"default_gid"`
	DefaultMode uint32        `yaml:"default_mode"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	Concurrency int `yaml:"concurrency"`
}

// Stats tracks filesystem operation statistics.
type Stats struct {
	mu sync.RWMutex

	Lookups int64 `json:"lookups"`
	Opens   int64 `json:"opens"`
	Reads   int64 `json:"reads"`
	Writes  int64 `json:"writes"`
	Creates int64 `json:"creates"`
	Deletes int64 `json:"deletes"`

	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	Errors int64 `json:"errors"`
}

func (s *Stats) inc(counter *int64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

func (s *Stats) add(counter *int64, n int64) {
	s.mu.Lock()
	*counter += n
	s.mu.Unlock()
}

func (s *Stats) snapshot() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Stats{
		Lookups: s.Lookups, Opens: s.Opens, Reads: s.Reads, Writes: s.Writes,
		Creates: s.Creates, Deletes: s.Deletes,
		BytesRead: s.BytesRead, BytesWritten: s.BytesWritten,
		CacheHits: s.CacheHits, CacheMisses: s.CacheMisses, Errors: s.Errors,
	}
}

// NewFileSystem creates a new FUSE filesystem bound to manager.
func NewFileSystem(manager *filemanager.Manager, metrics *metrics.Collector, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  1000,
			DefaultGID:  1000,
			DefaultMode: 0644,
			CacheTTL:    5 * time.Minute,
			Concurrency: 16,
		}
	}
	return &FileSystem{
		manager: manager,
		metrics: metrics,
		config:  config,
		stats:   &Stats{},
	}
}

// Root returns the root inode.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fs: f, apiPath: apitypes.RootPath}
}

// GetStats returns a snapshot of filesystem statistics.
func (f *FileSystem) GetStats() *Stats { return f.stats.snapshot() }

func (f *FileSystem) record(op string, start time.Time, size int64, err error) {
	if f.metrics == nil {
		return
	}
	f.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err != nil {
		f.metrics.RecordError(op, err)
	}
}

// Node is a single inode shared by files and directories; apiPath carries
// its identity and filemanager.Manager.GetItemMeta's "directory" key
// decides which kind it behaves as.
type Node struct {
	fs.Inode
	fs      *FileSystem
	apiPath apitypes.ApiPath
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
)

func metaUint32(m apitypes.MetaMap, key string, base int, fallback uint32) uint32 {
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

func metaInt64(m apitypes.MetaMap, key string) int64 {
	n, _ := strconv.ParseInt(m[key], 10, 64)
	return n
}

func (n *Node) fillAttr(out *fuse.Attr, m apitypes.MetaMap) {
	directory := m[apitypes.MetaKeyDirectory] == "true"
	mode := metaUint32(m, apitypes.MetaKeyMode, 8, n.fs.config.DefaultMode)
	if directory {
		out.Mode = fuse.S_IFDIR | mode
		out.Nlink = 2
	} else {
		out.Mode = fuse.S_IFREG | mode
		out.Nlink = 1
	}
	out.Size = uint64(metaInt64(m, apitypes.MetaKeySize))
	out.Uid = metaUint32(m, apitypes.MetaKeyUID, 10, n.fs.config.DefaultUID)
	out.Gid = metaUint32(m, apitypes.MetaKeyGID, 10, n.fs.config.DefaultGID)

	modified := apitypes.TicksToUnixNano(metaInt64(m, apitypes.MetaKeyModified))
	accessed := apitypes.TicksToUnixNano(metaInt64(m, apitypes.MetaKeyAccessed))
	changed := apitypes.TicksToUnixNano(metaInt64(m, apitypes.MetaKeyChanged))
	out.SetTimes(timePtr(accessed), timePtr(modified), timePtr(changed))
}

func timePtr(unixNano int64) *time.Time {
	t := time.Unix(0, unixNano)
	return &t
}

func (n *Node) child(name string) apitypes.ApiPath { return n.apiPath.Join(name) }

// Lookup resolves a child by name via its meta record.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	n.fs.stats.inc(&n.fs.stats.Lookups)

	childPath := n.child(name)
	meta, err := n.fs.manager.GetItemMeta(ctx, childPath)
	n.fs.record("lookup", start, 0, err)
	if err != nil {
		return nil, apierrors.Errno(err)
	}

	n.fillAttr(&out.Attr, meta)
	childNode := &Node{fs: n.fs, apiPath: childPath}
	mode := uint32(fuse.S_IFREG)
	if meta[apitypes.MetaKeyDirectory] == "true" {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: mode}), 0
}

// Getattr fills out with the node's current metadata.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	meta, err := n.fs.manager.GetItemMeta(ctx, n.apiPath)
	if err != nil {
		return apierrors.Errno(err)
	}
	n.fillAttr(&out.Attr, meta)
	return 0
}

// Setattr handles truncate (and otherwise leaves attributes meta-only,
// since mode/uid/gid live in the meta map rather than a syscall-level
// store).
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		handle, openErr := n.fs.manager.Open(ctx, n.apiPath)
		if openErr != nil {
			return apierrors.Errno(openErr)
		}
		err := n.fs.manager.Truncate(ctx, handle, int64(size))
		n.fs.manager.Close(ctx, handle)
		if err != nil {
			return apierrors.Errno(err)
		}
	}
	meta, err := n.fs.manager.GetItemMeta(ctx, n.apiPath)
	if err != nil {
		return apierrors.Errno(err)
	}
	n.fillAttr(&out.Attr, meta)
	return 0
}

// Readdir lists the directory's children.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fs.manager.ListDirectory(ctx, n.apiPath)
	if err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return nil, apierrors.Errno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Directory {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Mkdir creates a pseudo-directory.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, syscall.EROFS
	}
	childPath := n.child(name)
	uid, gid := callerIDs(ctx, n.fs.config)
	if err := n.fs.manager.CreateDirectory(ctx, childPath, mode, uid, gid); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return nil, apierrors.Errno(err)
	}
	childNode := &Node{fs: n.fs, apiPath: childPath}
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

// Create creates and opens a new file.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	childPath := n.child(name)
	uid, gid := callerIDs(ctx, n.fs.config)
	if err := n.fs.manager.CreateFile(ctx, childPath, mode, uid, gid); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return nil, nil, 0, apierrors.Errno(err)
	}
	n.fs.stats.inc(&n.fs.stats.Creates)

	handle, err := n.fs.manager.Open(ctx, childPath)
	if err != nil {
		return nil, nil, 0, apierrors.Errno(err)
	}

	childNode := &Node{fs: n.fs, apiPath: childPath}
	inode := n.NewInode(ctx, childNode, fs.StableAttr{Mode: fuse.S_IFREG})
	return inode, &FileHandle{fs: n.fs, apiPath: childPath, handle: handle}, 0, 0
}

// Open opens an existing file for reading or writing.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	n.fs.stats.inc(&n.fs.stats.Opens)
	handle, err := n.fs.manager.Open(ctx, n.apiPath)
	if err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return nil, 0, apierrors.Errno(err)
	}
	return &FileHandle{fs: n.fs, apiPath: n.apiPath, handle: handle}, 0, 0
}

// Unlink removes a file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	n.fs.stats.inc(&n.fs.stats.Deletes)
	if err := n.fs.manager.RemoveFile(ctx, n.child(name)); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return apierrors.Errno(err)
	}
	return 0
}

// Rmdir removes an empty directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if err := n.fs.manager.RemoveDirectory(ctx, n.child(name)); err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return apierrors.Errno(err)
	}
	return 0
}

// Rename moves a file or directory, resolving source/destination parents
// from the two Node receivers go-fuse hands to NodeRenamer.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	from := n.child(name)
	destParent, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	to := destParent.child(newName)

	meta, err := n.fs.manager.GetItemMeta(ctx, from)
	if err != nil {
		return apierrors.Errno(err)
	}
	if meta[apitypes.MetaKeyDirectory] == "true" {
		err = n.fs.manager.RenameDirectory(ctx, from, to)
	} else {
		err = n.fs.manager.RenameFile(ctx, from, to)
	}
	if err != nil {
		n.fs.stats.inc(&n.fs.stats.Errors)
		return apierrors.Errno(err)
	}
	return 0
}

// callerIDs resolves the owning uid/gid for a newly created item, falling
// back to the filesystem defaults when the kernel request carries none.
func callerIDs(ctx context.Context, cfg *Config) (uid, gid uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return cfg.DefaultUID, cfg.DefaultGID
}

// FileHandle is an open handle bound to one filemanager handle id.
type FileHandle struct {
	fs      *FileSystem
	apiPath apitypes.ApiPath
	handle  uint64
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

// Read reads from the file at off.
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	h.fs.stats.inc(&h.fs.stats.Reads)

	n, err := h.fs.manager.Read(ctx, h.handle, dest, off)
	h.fs.record("read", start, int64(n), err)
	if err != nil {
		h.fs.stats.inc(&h.fs.stats.Errors)
		return nil, apierrors.Errno(err)
	}
	h.fs.stats.add(&h.fs.stats.BytesRead, int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data to the file at off.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if h.fs.config.ReadOnly {
		return 0, syscall.EROFS
	}
	start := time.Now()
	h.fs.stats.inc(&h.fs.stats.Writes)

	n, err := h.fs.manager.Write(ctx, h.handle, data, off)
	h.fs.record("write", start, int64(n), err)
	if err != nil {
		h.fs.stats.inc(&h.fs.stats.Errors)
		return 0, apierrors.Errno(err)
	}
	h.fs.stats.add(&h.fs.stats.BytesWritten, int64(n))
	return uint32(n), 0
}

// Flush is a no-op: persistence/upload is driven by Release via
// Manager.Close, not by every flush(2) call.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno { return 0 }

// Release closes the filemanager handle, queuing an upload if this was the
// last open handle on a cached file.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.fs.manager.Close(ctx, h.handle); err != nil {
		return apierrors.Errno(err)
	}
	return 0
}
