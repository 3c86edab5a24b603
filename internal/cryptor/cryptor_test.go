package cryptor

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKDFHeader_RoundTrip(t *testing.T) {
	header, err := NewKDFHeader(DefaultArgon2idParams())
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = header.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, HeaderSize, buf.Len())

	parsed, err := ReadKDFHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, header.Salt, parsed.Salt)
	require.Equal(t, header.UniqueID, parsed.UniqueID)
	require.Equal(t, header.OpsLimit, parsed.OpsLimit)
}

func TestSealAndOpenChunk_RoundTrip(t *testing.T) {
	header, err := NewKDFHeader(DefaultArgon2idParams())
	require.NoError(t, err)
	master := header.MasterKey("s3kr3t")

	subkey, err := DataSubkey(master, header.UniqueID, 3)
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	sealed, err := SealChunk(subkey, plaintext)
	require.NoError(t, err)
	require.Equal(t, CiphertextSize(len(plaintext)), len(sealed))

	opened, err := OpenChunk(subkey, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenChunk_TamperedTagFails(t *testing.T) {
	header, err := NewKDFHeader(DefaultArgon2idParams())
	require.NoError(t, err)
	master := header.MasterKey("s3kr3t")
	subkey, err := DataSubkey(master, header.UniqueID, 0)
	require.NoError(t, err)

	sealed, err := SealChunk(subkey, []byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = OpenChunk(subkey, sealed)
	require.Error(t, err)
}

func TestReader_RandomAccessAcrossChunkBoundary(t *testing.T) {
	header, err := NewKDFHeader(DefaultArgon2idParams())
	require.NoError(t, err)
	token := "token"
	master := header.MasterKey(token)

	const chunkSize = 16
	plaintext := []byte("0123456789abcdef0123456789ABCDEF") // 32 bytes, 2 chunks

	var backend bytes.Buffer
	_, err = header.WriteTo(&backend)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		subkey, err := DataSubkey(master, header.UniqueID, uint64(i))
		require.NoError(t, err)
		sealed, err := SealChunk(subkey, plaintext[i*chunkSize:(i+1)*chunkSize])
		require.NoError(t, err)
		backend.Write(sealed)
	}
	backendBytes := backend.Bytes()

	fetch := func(ctx context.Context, offset, length int64) ([]byte, error) {
		return backendBytes[offset : offset+length], nil
	}

	r := NewReader(header, token, int64(len(plaintext)), fetch)
	got, err := r.ReadRange(context.Background(), chunkSize, 10, 20)
	require.NoError(t, err)
	require.Equal(t, plaintext[10:20], got)
}

func TestDeterministicPathEncryptor_RoundTripAndStability(t *testing.T) {
	var subkey [32]byte
	copy(subkey[:], []byte("0123456789abcdef0123456789abcdef"))

	enc := NewDeterministicPathEncryptor(subkey, true)

	first, err := enc.EncryptSegment("notes.txt")
	require.NoError(t, err)
	second, err := enc.EncryptSegment("notes.txt")
	require.NoError(t, err)
	require.Equal(t, first, second, "same plaintext segment must encrypt identically")

	decrypted, err := enc.DecryptSegment(first)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", decrypted)
}

func TestDeterministicPathEncryptor_EncryptPath(t *testing.T) {
	var subkey [32]byte
	copy(subkey[:], []byte("0123456789abcdef0123456789abcdef"))
	enc := NewDeterministicPathEncryptor(subkey, false)

	encrypted, err := enc.EncryptPath("/a/b/c")
	require.NoError(t, err)
	require.True(t, encrypted[0] == '/')

	decrypted, err := enc.DecryptPath(encrypted)
	require.NoError(t, err)
	require.Equal(t, "/a/b/c", decrypted)
}
