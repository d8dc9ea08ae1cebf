// Package chunkcrypto implements per-chunk XChaCha20-Poly1305 encryption,
// binding each chunk's ciphertext to its position within a file and to the
// file itself via additional authenticated data (AAD).
package chunkcrypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/keys"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileIDSize is the size of the file identifier bound into the AAD (the
// BLAKE3 hash of the plaintext file).
const FileIDSize = 32

// Encrypt encrypts a single chunk with XChaCha20-Poly1305.
//
// fileKey is the per-file encryption key; chunkIndex is this chunk's
// zero-based position; fileID is the 32-byte plaintext file hash. AAD binds
// the ciphertext to its position and file, preventing chunk reordering and
// cross-file substitution. Returns [24-byte nonce][ciphertext][16-byte tag].
func Encrypt(fileKey keys.FileKey, chunkIndex uint64, fileID [FileIDSize]byte, plaintext []byte) ([]byte, error) {
	fkBytes := fileKey.Bytes()
	aead, err := chacha20poly1305.NewX(fkBytes[:])
	if err != nil {
		return nil, fmt.Errorf("%w: creating chunk cipher: %v", errs.ErrCrypto, err)
	}

	nonce := make([]byte, keys.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generating chunk nonce: %v", errs.ErrCrypto, err)
	}

	aad := buildAAD(chunkIndex, fileID)
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	out := make([]byte, 0, keys.NonceSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt decrypts a single chunk with XChaCha20-Poly1305. The error message
// deliberately does not distinguish wrong key from tampered ciphertext, to
// avoid an oracle.
func Decrypt(fileKey keys.FileKey, chunkIndex uint64, fileID [FileIDSize]byte, encrypted []byte) ([]byte, error) {
	if len(encrypted) < keys.NonceSize+keys.TagSize {
		return nil, fmt.Errorf("%w: encrypted chunk too short: %d bytes (minimum %d)",
			errs.ErrCrypto, len(encrypted), keys.NonceSize+keys.TagSize)
	}

	nonce, ciphertext := encrypted[:keys.NonceSize], encrypted[keys.NonceSize:]

	fkBytes := fileKey.Bytes()
	aead, err := chacha20poly1305.NewX(fkBytes[:])
	if err != nil {
		return nil, fmt.Errorf("%w: creating chunk cipher: %v", errs.ErrCrypto, err)
	}

	aad := buildAAD(chunkIndex, fileID)
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk decryption failed: invalid key, corrupted data, or wrong chunk_index/file_id", errs.ErrCrypto)
	}
	return plaintext, nil
}

// buildAAD constructs AAD = chunk_index (8 bytes, big-endian) || file_id (32 bytes).
func buildAAD(chunkIndex uint64, fileID [FileIDSize]byte) []byte {
	aad := make([]byte, 8+FileIDSize)
	binary.BigEndian.PutUint64(aad[:8], chunkIndex)
	copy(aad[8:], fileID[:])
	return aad
}
