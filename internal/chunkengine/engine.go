// Package chunkengine implements the three interchangeable download/cache
// strategies layered over a Provider: a full-file cache-backed engine
// (random-access read/write against a local scratch file, chunks
// materialised on demand), a direct streaming engine (read-only, bounded
// in-flight chunk window, no local persistence) and a ring-buffer streaming
// engine (read-only, fixed-capacity sliding window for sequential or
// mostly-sequential access far larger than memory allows caching).
package chunkengine

import (
	"context"
	"sync"

	"github.com/repertory/repertory/internal/cryptor"
	"github.com/repertory/repertory/internal/provider"
	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

// Engine is the behaviour internal/openfile.Engine requires; all three
// strategies implement it.
type Engine interface {
	ReadAt(ctx context.Context, buf []byte, off int64) (int, error)
	WriteAt(ctx context.Context, buf []byte, off int64) (int, error)
	Flush(ctx context.Context) error
	Resize(ctx context.Context, size int64) error
	Close() error
}

// stopFlag adapts an atomic-ish bool to provider.StopSignal.
type stopFlag struct {
	mu      sync.Mutex
	stopped bool
}

func (s *stopFlag) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *stopFlag) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// rangeFetcherFor builds a cryptor.RangeFetcher that pulls ciphertext
// through a provider's ReadRange.
func rangeFetcherFor(p provider.Provider, apiPath apitypes.ApiPath, key string, stop provider.StopSignal) cryptor.RangeFetcher {
	return func(ctx context.Context, offset, length int64) ([]byte, error) {
		buf := make([]byte, length)
		n, err := p.ReadRange(ctx, apiPath, key, offset, length, buf, stop)
		if err != nil {
			return nil, err
		}
		if int64(n) != length {
			return nil, apierrors.ErrDownloadIncomplete
		}
		return buf, nil
	}
}

// fetchPlaintextRange fetches and, when the provider reports an encryption
// token, decrypts the plaintext byte range [a, b) of an object whose total
// plaintext size is dataSize.
func fetchPlaintextRange(ctx context.Context, p provider.Provider, apiPath apitypes.ApiPath, key string, dataSize, chunkSize, a, b int64, stop provider.StopSignal) ([]byte, error) {
	token := p.EncryptionToken()
	if token == "" {
		buf := make([]byte, b-a)
		n, err := p.ReadRange(ctx, apiPath, key, a, b-a, buf, stop)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}

	headerBuf := make([]byte, cryptor.HeaderSize)
	if n, err := p.ReadRange(ctx, apiPath, key, 0, int64(cryptor.HeaderSize), headerBuf, stop); err != nil || n != cryptor.HeaderSize {
		if err != nil {
			return nil, err
		}
		return nil, apierrors.ErrDownloadIncomplete
	}
	r, err := cryptor.NewReaderFromBytes(headerBuf, token, dataSize, rangeFetcherFor(p, apiPath, key, stop))
	if err != nil {
		return nil, err
	}
	return r.ReadRange(ctx, chunkSize, a, b)
}
