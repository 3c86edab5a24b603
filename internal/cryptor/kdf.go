package cryptor

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	apierrors "github.com/repertory/repertory/pkg/errors"
)

// AlgID identifies the KDF+AEAD combination a header was written with, so a
// future alternative scheme can coexist with existing encrypted objects.
type AlgID uint8

const AlgArgon2idXChaCha20Poly1305 AlgID = 1

const (
	kdfMagic      = "RPKD"
	saltSize      = 16
	uniqueIDSize  = 16
	headerVersion = 1

	// HeaderSize is the fixed on-disk size of the KDF header, well within
	// the "<= ~100 bytes" bound.
	HeaderSize = 4 /*magic*/ + 1 /*version*/ + 1 /*alg*/ + saltSize + 4 /*ops*/ + 4 /*mem*/ + uniqueIDSize
)

// Argon2idParams controls the cost of master-key derivation. Defaults
// mirror the interactive profile used by the pack's password-based key
// providers: enough cost to resist offline brute force without stalling an
// open() call.
type Argon2idParams struct {
	OpsLimit uint32 // Argon2id time parameter
	MemLimit uint32 // Argon2id memory parameter, in KiB
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{OpsLimit: 3, MemLimit: 64 * 1024}
}

// KDFHeader is prepended to every encrypted object. From (token, salt, ops,
// mem) a 256-bit master key is derived with Argon2id; UniqueID seeds the
// per-chunk subkey context so two objects encrypted with the same token
// never share subkeys.
type KDFHeader struct {
	Salt     [saltSize]byte
	OpsLimit uint32
	MemLimit uint32
	AlgID    AlgID
	UniqueID [uniqueIDSize]byte
}

// NewKDFHeader generates a fresh header with a random salt and unique ID
// for a newly-written object.
func NewKDFHeader(params Argon2idParams) (KDFHeader, error) {
	var h KDFHeader
	if _, err := io.ReadFull(rand.Reader, h.Salt[:]); err != nil {
		return h, apierrors.ErrOSError.WithCause(err).WithOperation("generate_salt")
	}
	id := uuid.New()
	copy(h.UniqueID[:], id[:])
	h.OpsLimit = params.OpsLimit
	h.MemLimit = params.MemLimit
	h.AlgID = AlgArgon2idXChaCha20Poly1305
	return h, nil
}

// WriteTo serialises the header to w.
func (h KDFHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(kdfMagic)
	buf.WriteByte(headerVersion)
	buf.WriteByte(byte(h.AlgID))
	buf.Write(h.Salt[:])
	_ = binary.Write(buf, binary.LittleEndian, h.OpsLimit)
	_ = binary.Write(buf, binary.LittleEndian, h.MemLimit)
	buf.Write(h.UniqueID[:])
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadKDFHeader parses a header from r.
func ReadKDFHeader(r io.Reader) (KDFHeader, error) {
	var h KDFHeader
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, apierrors.ErrInvalidVersion.WithCause(err).WithOperation("read_kdf_header")
	}
	if string(raw[:4]) != kdfMagic {
		return h, apierrors.ErrInvalidVersion.WithContext("reason", "bad_magic")
	}
	if raw[4] != headerVersion {
		return h, apierrors.ErrInvalidVersion.WithContext("reason", fmt.Sprintf("version %d", raw[4]))
	}
	h.AlgID = AlgID(raw[5])
	copy(h.Salt[:], raw[6:6+saltSize])
	off := 6 + saltSize
	h.OpsLimit = binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	h.MemLimit = binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	copy(h.UniqueID[:], raw[off:off+uniqueIDSize])
	return h, nil
}

// MasterKey derives the 256-bit master key from a caller-supplied
// encryption token and this header's salt/cost parameters.
func (h KDFHeader) MasterKey(token string) [32]byte {
	key := argon2.IDKey([]byte(token), h.Salt[:], h.OpsLimit, h.MemLimit, 4, 32)
	var out [32]byte
	copy(out[:], key)
	return out
}
