// Package provider defines the narrow capability every backend (S3-
// compatible buckets, Sia renterd, an encrypting passthrough over a local
// tree, a remote-mount forwarder) implements. Nothing above this layer
// references S3, Sia or HTTP directly.
package provider

import (
	"context"

	"github.com/repertory/repertory/pkg/apitypes"
)

// StopSignal is a cooperative cancellation flag observed by long-running
// provider calls (chiefly ReadRange) in addition to ctx, matching the
// original's notify_stop_requested semantics: a stop can be raised
// out-of-band from the same goroutine that issued the call.
type StopSignal interface {
	Stopped() bool
}

// Provider is the capability every backend must implement.
type Provider interface {
	// ListDirectory returns entries under api_path, or ErrDirectoryNotFound
	// / ErrItemExists (the path names a file).
	ListDirectory(ctx context.Context, apiPath apitypes.ApiPath) ([]apitypes.DirectoryEntry, error)

	// Stat returns metadata for api_path, or ErrItemNotFound.
	Stat(ctx context.Context, apiPath apitypes.ApiPath) (apitypes.ApiFile, error)

	// ReadRange fetches [offset, offset+length) of the object identified by
	// (apiPath, key) into out, honouring stop for cooperative cancellation.
	ReadRange(ctx context.Context, apiPath apitypes.ApiPath, key string, offset, length int64, out []byte, stop StopSignal) (int, error)

	// CreateObject creates a zero-byte object; fails with ErrItemExists if
	// one is already present.
	CreateObject(ctx context.Context, apiPath apitypes.ApiPath, meta apitypes.MetaMap) error

	// CreatePseudoDirectory creates a directory, which the provider may
	// simulate via key prefixes or zero-byte marker objects.
	CreatePseudoDirectory(ctx context.Context, apiPath apitypes.ApiPath, meta apitypes.MetaMap) error

	// Remove deletes the object/directory identified by (apiPath, key).
	// Idempotent: removing an already-absent item is not an error.
	Remove(ctx context.Context, apiPath apitypes.ApiPath, key string) error

	// Rename moves from -> to. Returns ErrNotSupported if the backend
	// cannot rename in place (see IsRenameSupported).
	Rename(ctx context.Context, from, to apitypes.ApiPath) error

	// Replace uploads data as the whole new content of an existing or new
	// object at apiPath (the upload manager's "create/replace" call — byte-
	// range uploads are out of scope, every upload replaces the object).
	Replace(ctx context.Context, apiPath apitypes.ApiPath, key string, data []byte, meta apitypes.MetaMap) error

	// IsOnline is a cheap liveness probe.
	IsOnline(ctx context.Context) bool

	// TotalSpace and UsedSpace report capacity in bytes; may be synthesised
	// by backends with no natural notion of a quota.
	TotalSpace(ctx context.Context) (int64, error)
	UsedSpace(ctx context.Context) (int64, error)

	// IsDirectOnly reports whether only the direct-streaming chunk engine
	// is permitted for files served by this provider, with writes rejected.
	IsDirectOnly() bool

	// IsRenameSupported reports whether Rename can succeed.
	IsRenameSupported() bool

	// ChunkSize is the provider/strategy constant chunk size used by the
	// encrypting reader and the chunk engines for files from this provider.
	ChunkSize() int64

	// EncryptionToken is non-empty when objects from this provider are
	// encrypted with the streaming AEAD scheme; empty means plaintext.
	EncryptionToken() string
}
