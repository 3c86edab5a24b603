package cryptor

import (
	"encoding/base64"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	apierrors "github.com/repertory/repertory/pkg/errors"
)

// PathEncryptor encrypts and decrypts individual path segments (directory
// and file names) deterministically, so the same plaintext name always
// yields the same encrypted name under a given token/header and a rename
// can locate its sibling without a side lookup table.
type PathEncryptor interface {
	EncryptSegment(plaintext string) (string, error)
	DecryptSegment(ciphertext string) (string, error)
	EncryptPath(plaintext string) (string, error)
	DecryptPath(ciphertext string) (string, error)
}

// noopPathEncryptor passes segments through unchanged; selected when the
// provider's security config leaves path-name encryption off.
type noopPathEncryptor struct{}

func (noopPathEncryptor) EncryptSegment(p string) (string, error) { return p, nil }
func (noopPathEncryptor) DecryptSegment(p string) (string, error) { return p, nil }
func (noopPathEncryptor) EncryptPath(p string) (string, error)    { return p, nil }
func (noopPathEncryptor) DecryptPath(p string) (string, error)    { return p, nil }

// NewNoopPathEncryptor returns the pass-through encryptor.
func NewNoopPathEncryptor() PathEncryptor { return noopPathEncryptor{} }

// deterministicPathEncryptor derives a per-segment nonce as
// BLAKE2b(pathSubkey, segment)[:24], so encryption is a pure function of
// the plaintext segment under a fixed subkey — same segment, same
// ciphertext, with no nonce reuse risk across *distinct* segments.
type deterministicPathEncryptor struct {
	subkey             [32]byte
	preserveExtensions bool
}

// NewDeterministicPathEncryptor builds a path encryptor keyed off the
// object's path subkey (derived from the KDF header's master key).
func NewDeterministicPathEncryptor(pathSubkey [32]byte, preserveExtensions bool) PathEncryptor {
	return &deterministicPathEncryptor{subkey: pathSubkey, preserveExtensions: preserveExtensions}
}

func (d *deterministicPathEncryptor) deterministicNonce(segment string) ([]byte, error) {
	mac, err := blake2b.New(chacha20poly1305.NonceSizeX, d.subkey[:])
	if err != nil {
		return nil, err
	}
	mac.Write([]byte(segment))
	return mac.Sum(nil), nil
}

func (d *deterministicPathEncryptor) EncryptSegment(plaintext string) (string, error) {
	if plaintext == "" || plaintext == "." || plaintext == ".." {
		return plaintext, nil
	}

	base, ext := plaintext, ""
	if d.preserveExtensions {
		ext = filepath.Ext(plaintext)
		base = strings.TrimSuffix(plaintext, ext)
	}

	nonce, err := d.deterministicNonce(plaintext)
	if err != nil {
		return "", apierrors.ErrDecryption.WithCause(err).WithOperation("derive_path_nonce")
	}
	aead, err := chacha20poly1305.NewX(d.subkey[:])
	if err != nil {
		return "", apierrors.ErrDecryption.WithCause(err).WithOperation("new_aead")
	}
	sealed := aead.Seal(nil, nonce, []byte(base), nil)
	withNonce := make([]byte, 0, len(nonce)+len(sealed))
	withNonce = append(withNonce, nonce...)
	withNonce = append(withNonce, sealed...)
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(withNonce)
	if d.preserveExtensions && ext != "" {
		return encoded + ext, nil
	}
	return encoded, nil
}

func (d *deterministicPathEncryptor) DecryptSegment(ciphertext string) (string, error) {
	if ciphertext == "" || ciphertext == "." || ciphertext == ".." {
		return ciphertext, nil
	}

	encoded, ext := ciphertext, ""
	if d.preserveExtensions {
		ext = filepath.Ext(ciphertext)
		encoded = strings.TrimSuffix(ciphertext, ext)
	}

	sealed, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		return "", apierrors.ErrDecryption.WithCause(err).WithOperation("decode_segment")
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", apierrors.ErrDecryption.WithContext("reason", "short_segment")
	}

	// The encryption-time nonce is derived from the plaintext, which isn't
	// known yet, so it travels inline ahead of the sealed bytes.
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	box := sealed[chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(d.subkey[:])
	if err != nil {
		return "", apierrors.ErrDecryption.WithCause(err).WithOperation("new_aead")
	}
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", apierrors.ErrDecryption.WithCause(err).WithOperation("open_segment")
	}
	if d.preserveExtensions && ext != "" {
		return string(plaintext) + ext, nil
	}
	return string(plaintext), nil
}

func (d *deterministicPathEncryptor) EncryptPath(plaintext string) (string, error) {
	return mapPathSegments(plaintext, d.EncryptSegment)
}

func (d *deterministicPathEncryptor) DecryptPath(ciphertext string) (string, error) {
	return mapPathSegments(ciphertext, d.DecryptSegment)
}

func mapPathSegments(p string, f func(string) (string, error)) (string, error) {
	if p == "" || p == "/" {
		return p, nil
	}
	leadingSlash := strings.HasPrefix(p, "/")
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		out, err := f(part)
		if err != nil {
			return "", err
		}
		parts[i] = out
	}
	joined := strings.Join(parts, "/")
	if leadingSlash {
		return "/" + joined, nil
	}
	return joined, nil
}
