package cryptor

import (
	"bytes"
	"context"

	apierrors "github.com/repertory/repertory/pkg/errors"
)

// RangeFetcher fetches a raw ciphertext byte range from the backend. It is
// supplied by the caller (typically a provider's ReadRange) so this package
// never depends on the provider or HTTP client it is layered over.
type RangeFetcher func(ctx context.Context, offset, length int64) ([]byte, error)

// Reader presents a remote encrypted object as a seekable plaintext stream,
// fetching only the ciphertext chunks a given range touches.
type Reader struct {
	header    KDFHeader
	master    [32]byte
	dataSize  int64 // plaintext total size P
	fetch     RangeFetcher
}

// NewReader builds a Reader for an object whose plaintext size is
// plaintextSize and whose KDF header has already been fetched and parsed.
func NewReader(header KDFHeader, token string, plaintextSize int64, fetch RangeFetcher) *Reader {
	return &Reader{
		header:   header,
		master:   header.MasterKey(token),
		dataSize: plaintextSize,
		fetch:    fetch,
	}
}

// ReadRange decrypts the plaintext range [a, b) per §4.2: compute the
// intersecting chunk span, fetch the corresponding ciphertext, decrypt
// chunk-by-chunk and trim to the requested bytes. A tag failure on any
// chunk fails the whole range with ErrDecryption; no partial plaintext is
// returned.
func (r *Reader) ReadRange(ctx context.Context, chunkSize int64, a, b int64) ([]byte, error) {
	if b <= a {
		return nil, nil
	}
	if b > r.dataSize {
		b = r.dataSize
	}
	if a >= b {
		return nil, nil
	}

	i0 := a / chunkSize
	i1 := (b - 1) / chunkSize

	ctSize := int64(CiphertextSize(int(chunkSize)))
	// The final chunk may be short; compute its actual ciphertext size
	// separately so the fetch range doesn't run past EOF.
	lastChunk := (r.dataSize - 1) / chunkSize
	fetchStart := HeaderSize64() + i0*ctSize
	var fetchEnd int64
	if i1 == lastChunk {
		lastPlain := r.dataSize - lastChunk*chunkSize
		fetchEnd = HeaderSize64() + i1*ctSize + int64(CiphertextSize(int(lastPlain)))
	} else {
		fetchEnd = HeaderSize64() + (i1+1)*ctSize
	}

	raw, err := r.fetch(ctx, fetchStart, fetchEnd-fetchStart)
	if err != nil {
		return nil, apierrors.ErrCommError.WithCause(err).WithOperation("fetch_ciphertext")
	}

	out := make([]byte, 0, b-a)
	off := int64(0)
	for idx := i0; idx <= i1; idx++ {
		plainLen := chunkSize
		if idx == lastChunk {
			plainLen = r.dataSize - lastChunk*chunkSize
		}
		ctLen := int64(CiphertextSize(int(plainLen)))
		if off+ctLen > int64(len(raw)) {
			return nil, apierrors.ErrDownloadIncomplete.WithOperation("decrypt_range")
		}
		chunkBytes := raw[off : off+ctLen]
		off += ctLen

		subkey, err := DataSubkey(r.master, r.header.UniqueID, uint64(idx))
		if err != nil {
			return nil, err
		}
		plaintext, err := OpenChunk(subkey, chunkBytes)
		if err != nil {
			return nil, err
		}

		start := int64(0)
		end := int64(len(plaintext))
		if idx == i0 {
			start = a - idx*chunkSize
		}
		if idx == i1 {
			end = b - idx*chunkSize
		}
		if start < 0 || end > int64(len(plaintext)) || start > end {
			return nil, apierrors.ErrDecryption.WithContext("reason", "chunk_trim_out_of_range")
		}
		out = append(out, plaintext[start:end]...)
	}
	return out, nil
}

// HeaderSize64 is HeaderSize widened to int64 for offset arithmetic.
func HeaderSize64() int64 { return int64(HeaderSize) }

// NewReaderFromBytes parses a KDF header out of its serialized form (the
// first HeaderSize bytes of an encrypted object) and builds a Reader over
// it, sparing callers that already fetched the header bytes a second
// round trip through ReadKDFHeader's io.Reader interface.
func NewReaderFromBytes(headerBytes []byte, token string, plaintextSize int64, fetch RangeFetcher) (*Reader, error) {
	header, err := ReadKDFHeader(bytes.NewReader(headerBytes))
	if err != nil {
		return nil, err
	}
	return NewReader(header, token, plaintextSize, fetch), nil
}
