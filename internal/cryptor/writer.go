package cryptor

import (
	"io"
)

// Writer wraps an outgoing upload, writing the KDF header followed by each
// sealed plaintext chunk in order. It is one-shot and forward-only: the
// upload manager always uploads whole objects (no byte-range uploads), so
// there is no seek support here, unlike Reader.
type Writer struct {
	w         io.Writer
	header    KDFHeader
	master    [32]byte
	chunkSize int64
	index     uint64
	started   bool
}

// NewWriter creates a Writer that seals plaintext into dst using a freshly
// generated KDF header (callers needing a stable header for re-upload
// should construct one with NewKDFHeader and pass it via NewWriterWithHeader).
func NewWriter(dst io.Writer, token string, chunkSize int64, params Argon2idParams) (*Writer, error) {
	header, err := NewKDFHeader(params)
	if err != nil {
		return nil, err
	}
	return NewWriterWithHeader(dst, header, token, chunkSize)
}

// NewWriterWithHeader builds a Writer around a caller-supplied header.
func NewWriterWithHeader(dst io.Writer, header KDFHeader, token string, chunkSize int64) (*Writer, error) {
	return &Writer{
		w:         dst,
		header:    header,
		master:    header.MasterKey(token),
		chunkSize: chunkSize,
	}, nil
}

// WriteChunk seals and emits one plaintext chunk. Chunks must be written in
// order starting at index 0; the writer does not buffer or reorder.
func (w *Writer) WriteChunk(plaintext []byte) error {
	if !w.started {
		if _, err := w.header.WriteTo(w.w); err != nil {
			return err
		}
		w.started = true
	}
	subkey, err := DataSubkey(w.master, w.header.UniqueID, w.index)
	if err != nil {
		return err
	}
	sealed, err := SealChunk(subkey, plaintext)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(sealed); err != nil {
		return err
	}
	w.index++
	return nil
}

// Header returns the header this writer used, so callers can persist it
// alongside the object's metadata for later reads.
func (w *Writer) Header() KDFHeader { return w.header }
