// Package remote implements the Provider capability by forwarding every
// call to another repertory instance's control API. The wire protocol
// itself (JSON-RPC request/response framing, transport, auth) is an
// external collaborator — RPCClient below is the seam this package depends
// on, not a protocol this package implements.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// RPCClient is the minimal control-plane transport a remote mount needs.
// The concrete implementation (HTTP+JSON-RPC, a Unix socket, whatever the
// control server exposes) lives outside this package.
type RPCClient interface {
	Call(ctx context.Context, method string, params, result interface{}) error
}

// Config configures a remote-mount forwarder.
type Config struct {
	Client          RPCClient
	ChunkSizeBytes  int64
	EncryptionToken string
	DirectOnly      bool
}

// Backend forwards every Provider call across Client to a remote
// repertory's own file manager, letting this process mount a filesystem
// whose actual backend (S3, Sia, passthrough) lives on another host.
type Backend struct {
	client    RPCClient
	chunkSize int64
	token     string
	directOnly bool
}

var _ provider.Provider = (*Backend)(nil)

// NewBackend builds a remote-mount forwarder over client.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, apierrors.ErrInvalidOperation.WithContext("reason", "nil_rpc_client")
	}
	return &Backend{client: cfg.Client, chunkSize: cfg.ChunkSizeBytes, token: cfg.EncryptionToken, directOnly: cfg.DirectOnly}, nil
}

func (b *Backend) ChunkSize() int64        { return b.chunkSize }
func (b *Backend) EncryptionToken() string { return b.token }
func (b *Backend) IsDirectOnly() bool      { return b.directOnly }
func (b *Backend) IsRenameSupported() bool { return true }

func (b *Backend) call(ctx context.Context, method string, params, result interface{}) error {
	if err := b.client.Call(ctx, method, params, result); err != nil {
		return apierrors.ErrCommError.WithCause(err).WithOperation(method)
	}
	return nil
}

func (b *Backend) IsOnline(ctx context.Context) bool {
	var pong bool
	return b.call(ctx, "ping", nil, &pong) == nil && pong
}

func (b *Backend) TotalSpace(ctx context.Context) (int64, error) {
	var out int64
	err := b.call(ctx, "total_space", nil, &out)
	return out, err
}

func (b *Backend) UsedSpace(ctx context.Context) (int64, error) {
	var out int64
	err := b.call(ctx, "used_space", nil, &out)
	return out, err
}

func (b *Backend) ListDirectory(ctx context.Context, apiPath apitypes.ApiPath) ([]apitypes.DirectoryEntry, error) {
	var out []apitypes.DirectoryEntry
	err := b.call(ctx, "list_directory", struct {
		ApiPath apitypes.ApiPath `json:"api_path"`
	}{apiPath}, &out)
	return out, err
}

func (b *Backend) Stat(ctx context.Context, apiPath apitypes.ApiPath) (apitypes.ApiFile, error) {
	var out apitypes.ApiFile
	err := b.call(ctx, "stat", struct {
		ApiPath apitypes.ApiPath `json:"api_path"`
	}{apiPath}, &out)
	return out, err
}

// readRangeResult is the wire shape of the read_range result; Data is a
// []byte, which encoding/json carries base64-encoded.
type readRangeResult struct {
	Data []byte `json:"data"`
}

func (b *Backend) ReadRange(ctx context.Context, apiPath apitypes.ApiPath, key string, offset, length int64, out []byte, stop provider.StopSignal) (int, error) {
	var result readRangeResult
	err := b.call(ctx, "read_range", struct {
		ApiPath apitypes.ApiPath `json:"api_path"`
		Key     string           `json:"key"`
		Offset  int64            `json:"offset"`
		Length  int64            `json:"length"`
	}{apiPath, key, offset, length}, &result)
	if err != nil {
		return 0, err
	}
	n := copy(out, result.Data)
	return n, nil
}

func (b *Backend) CreateObject(ctx context.Context, apiPath apitypes.ApiPath, meta apitypes.MetaMap) error {
	return b.call(ctx, "create_object", struct {
		ApiPath apitypes.ApiPath  `json:"api_path"`
		Meta    apitypes.MetaMap  `json:"meta"`
	}{apiPath, meta}, nil)
}

func (b *Backend) CreatePseudoDirectory(ctx context.Context, apiPath apitypes.ApiPath, meta apitypes.MetaMap) error {
	return b.call(ctx, "create_directory", struct {
		ApiPath apitypes.ApiPath `json:"api_path"`
		Meta    apitypes.MetaMap `json:"meta"`
	}{apiPath, meta}, nil)
}

func (b *Backend) Remove(ctx context.Context, apiPath apitypes.ApiPath, key string) error {
	return b.call(ctx, "remove", struct {
		ApiPath apitypes.ApiPath `json:"api_path"`
		Key     string           `json:"key"`
	}{apiPath, key}, nil)
}

func (b *Backend) Rename(ctx context.Context, from, to apitypes.ApiPath) error {
	return b.call(ctx, "rename", struct {
		From apitypes.ApiPath `json:"from"`
		To   apitypes.ApiPath `json:"to"`
	}{from, to}, nil)
}

func (b *Backend) Replace(ctx context.Context, apiPath apitypes.ApiPath, key string, data []byte, meta apitypes.MetaMap) error {
	return b.call(ctx, "replace", struct {
		ApiPath apitypes.ApiPath `json:"api_path"`
		Key     string           `json:"key"`
		Data    []byte           `json:"data"`
		Meta    apitypes.MetaMap `json:"meta"`
	}{apiPath, key, data, meta}, nil)
}

// MarshalParams is exposed for RPCClient implementations that need to
// frame params as raw JSON rather than a typed struct.
func MarshalParams(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}
	return b, nil
}
