package cryptor

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	apierrors "github.com/repertory/repertory/pkg/errors"
)

// Ciphertext-chunk layout on the backend: nonce(24) | ct | tag(16), matching
// chacha20poly1305.NewX's NonceSizeX and Overhead exactly.
const (
	NonceSize = chacha20poly1305.NonceSizeX
	TagSize   = chacha20poly1305.Overhead
)

var (
	dataContext = []byte("repertory-data-v1")
	pathContext = []byte("repertory-path-v1")
)

// CiphertextSize returns the on-backend size of a chunk whose plaintext is
// plaintextSize bytes.
func CiphertextSize(plaintextSize int) int {
	return NonceSize + plaintextSize + TagSize
}

// subkey derives BLAKE2b(master, context || unique_id || index), the
// per-chunk data or path subkey described by the KDF header.
func subkey(master [32]byte, context []byte, uniqueID [uniqueIDSize]byte, index uint64) ([32]byte, error) {
	mac, err := blake2b.New256(master[:])
	if err != nil {
		var zero [32]byte
		return zero, apierrors.ErrDecryption.WithCause(err).WithOperation("derive_subkey")
	}
	mac.Write(context)
	mac.Write(uniqueID[:])
	var idxBuf [8]byte
	binary.LittleEndian.PutUint64(idxBuf[:], index)
	mac.Write(idxBuf[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out, nil
}

// DataSubkey derives the per-chunk data subkey for chunk index i.
func DataSubkey(master [32]byte, uniqueID [uniqueIDSize]byte, index uint64) ([32]byte, error) {
	return subkey(master, dataContext, uniqueID, index)
}

// PathSubkey derives the path-name subkey. Path encryption uses a single
// fixed "index" since it is not chunked.
func PathSubkey(master [32]byte, uniqueID [uniqueIDSize]byte) ([32]byte, error) {
	return subkey(master, pathContext, uniqueID, 0)
}

// SealChunk encrypts one plaintext chunk with a fresh random nonce,
// returning nonce||ciphertext||tag ready to append to the backend object.
func SealChunk(subkey [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(subkey[:])
	if err != nil {
		return nil, apierrors.ErrDecryption.WithCause(err).WithOperation("new_aead")
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("generate_nonce")
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenChunk decrypts a chunk laid out as nonce||ciphertext||tag. Any tag
// failure returns ErrDecryption; no partial plaintext is ever returned.
func OpenChunk(subkey [32]byte, ciphertextChunk []byte) ([]byte, error) {
	if len(ciphertextChunk) < NonceSize+TagSize {
		return nil, apierrors.ErrDecryption.WithContext("reason", "short_chunk")
	}
	aead, err := chacha20poly1305.NewX(subkey[:])
	if err != nil {
		return nil, apierrors.ErrDecryption.WithCause(err).WithOperation("new_aead")
	}
	nonce := ciphertextChunk[:NonceSize]
	sealed := ciphertextChunk[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apierrors.ErrDecryption.WithCause(err).WithOperation("open")
	}
	return plaintext, nil
}
