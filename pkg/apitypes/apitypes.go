// Package apitypes holds the data model shared across the core: the
// API-path filesystem identity, the meta-map, chunk arithmetic and the
// open-file/upload/resume record shapes persisted by the metadata store.
package apitypes

import (
	"path"
	"strings"
)

// ApiPath is a slash-rooted, case-sensitive POSIX-style identity string.
// Root is "/".
type ApiPath string

const RootPath ApiPath = "/"

// Parent returns the string prefix of p up to the last "/", or RootPath.
func (p ApiPath) Parent() ApiPath {
	s := string(p)
	if s == "/" || s == "" {
		return RootPath
	}
	s = strings.TrimSuffix(s, "/")
	idx := strings.LastIndex(s, "/")
	if idx <= 0 {
		return RootPath
	}
	return ApiPath(s[:idx])
}

// Name returns the final path segment.
func (p ApiPath) Name() string {
	return path.Base(string(p))
}

// Join appends name as a child segment of p.
func (p ApiPath) Join(name string) ApiPath {
	if p == RootPath {
		return ApiPath("/" + name)
	}
	return ApiPath(string(p) + "/" + name)
}

// FilesystemItem is the minimal identity of any entity in the tree.
// Invariant: ApiParent is the string prefix of ApiPath up to the last "/".
type FilesystemItem struct {
	ApiPath    ApiPath
	ApiParent  ApiPath
	Directory  bool
	Size       int64
	SourcePath string // local scratch-file path; empty for direct/ring strategies
}

// NewFilesystemItem builds an item with ApiParent derived from ApiPath.
func NewFilesystemItem(apiPath ApiPath, directory bool, size int64, sourcePath string) FilesystemItem {
	return FilesystemItem{
		ApiPath:    apiPath,
		ApiParent:  apiPath.Parent(),
		Directory:  directory,
		Size:       size,
		SourcePath: sourcePath,
	}
}

// ApiFile is a FilesystemItem plus timestamps (100-ns ticks since the Unix
// epoch, matching Windows FILETIME granularity so the meta map round-trips
// cleanly through WinFsp) and optional encryption metadata.
type ApiFile struct {
	FilesystemItem
	Created          int64
	Modified         int64
	Accessed         int64
	Changed          int64
	EncryptionToken  string
	Key              string // provider-assigned opaque object key
}

// UnixNanoToTicks converts Unix nanoseconds to 100-ns ticks since the Unix
// epoch.
func UnixNanoToTicks(unixNano int64) int64 { return unixNano / 100 }

// TicksToUnixNano is the inverse of UnixNanoToTicks.
func TicksToUnixNano(ticks int64) int64 { return ticks * 100 }

// MetaMap is the key-string table persisted per API path.
type MetaMap map[string]string

// Recognised meta map keys.
const (
	MetaKeyAccessed   = "accessed"
	MetaKeyAttributes = "attributes"
	MetaKeyChanged    = "changed"
	MetaKeyCreation   = "creation"
	MetaKeyDirectory  = "directory"
	MetaKeyGID        = "gid"
	MetaKeyKey        = "key"
	MetaKeyMode       = "mode"
	MetaKeyModified   = "modified"
	MetaKeyPinned     = "pinned"
	MetaKeySize       = "size"
	MetaKeySource     = "source"
	MetaKeyUID        = "uid"
	MetaKeyWritten    = "written"
	MetaKeyOSXFlags   = "osx_flags"
	MetaKeyBackupTime = "backup_time"
)

// NormalizeDirectoryMeta coerces the directory invariants from §3: for
// directories, size, pinned and source are forced to their zero values and
// the directory flag is immutable after creation (callers must not call
// this to flip an existing item's kind).
func NormalizeDirectoryMeta(m MetaMap) {
	if m[MetaKeyDirectory] != "true" {
		return
	}
	m[MetaKeySize] = "0"
	m[MetaKeyPinned] = "false"
	m[MetaKeySource] = ""
}

// UploadState is the lifecycle of a queued/active upload record.
type UploadState string

const (
	UploadQueued    UploadState = "queued"
	UploadActive    UploadState = "active"
	UploadCancelled UploadState = "cancelled"
	UploadFailed    UploadState = "failed"
	UploadDone      UploadState = "done"
)

// UploadRecord is persisted for queued and active uploads across restarts.
type UploadRecord struct {
	ApiPath    ApiPath
	SourcePath string
	State      UploadState
}

// ResumeRecord is persisted whenever a cached file has partial content and
// no open handles, so eviction can be deferred and reads resumed without
// redownload.
type ResumeRecord struct {
	ApiPath   ApiPath
	SourcePath string
	ChunkSize int64
	ReadState []byte // packed bitset, one bit per chunk
}

// DirectoryEntry is one row returned by Provider.ListDirectory.
type DirectoryEntry struct {
	Name      string
	Directory bool
	Size      int64
	Key       string
}
