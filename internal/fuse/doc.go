/*
Package fuse mounts a filemanager.Manager tree as a POSIX filesystem.

It implements the standard file and directory system calls by translating
each one into a Manager call keyed by an apitypes.ApiPath, and maps the
errors the manager returns back to syscall.Errno values through
pkg/errors. It supports two FUSE bindings selected at build time, so the
same Manager can be mounted from either.

# Architecture

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Kernel VFS / POSIX syscalls        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                FUSE driver                   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              This package                    │
	│  ┌─────────────┐        ┌─────────────────┐ │
	│  │  go-fuse     │        │  cgofuse        │ │
	│  │  (default)   │        │  (-tags cgofuse)│ │
	│  └─────────────┘        └─────────────────┘ │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          internal/filemanager.Manager         │
	└─────────────────────────────────────────────┘

# Build selection

Default build uses github.com/hanwen/go-fuse/v2, the primary Linux path.
Building with -tags cgofuse switches to github.com/winfsp/cgofuse for
macOS and Windows:

	go build ./...
	go build -tags cgofuse ./...

# Operations

File operations route to Manager.Open/Read/Write/Truncate/Close. Directory
operations route to Manager.CreateDirectory/ListDirectory/RemoveDirectory.
Rename, Unlink and metadata lookups route to the Manager's corresponding
RenameFile/RenameDirectory, RemoveFile and GetItemMeta calls. Node attributes (mode, uid, gid, size,
timestamps) are parsed out of the apitypes.MetaMap a meta lookup returns;
there is no separate inode attribute store.

# Error mapping

Every error a Manager call returns is translated to a syscall.Errno via
pkg/errors.Errno before it crosses back into the FUSE driver, so sentinel
errors like ErrItemNotFound or ErrDirectoryNotEmpty surface as the POSIX
errno a caller expects (ENOENT, ENOTEMPTY, ...) rather than a generic EIO.

# What this package does not do

Caching and read-ahead live below this layer, in internal/chunkengine's
Cached engine (local scratch-file cache) and Ring engine (forward
prefetch), not here; writes are not coalesced at any layer — duplicating
them at the FUSE layer would reintroduce the unbounded in-process buffers
those engines exist to avoid.
*/
package fuse
