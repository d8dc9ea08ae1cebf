package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/tummycrypt/tcfs/internal/errs"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// FileKey is a uniformly random per-file encryption key. It lives only long
// enough to encrypt a file's chunks and be wrapped by the master key into
// the manifest. Callers must call Zero when done.
type FileKey struct {
	bytes [Size]byte
}

// FileKeyFromBytes wraps raw bytes as a FileKey.
func FileKeyFromBytes(b [Size]byte) FileKey {
	return FileKey{bytes: b}
}

// Bytes returns the key's raw bytes.
func (k FileKey) Bytes() [Size]byte {
	return k.bytes
}

// Zero overwrites the key material in place.
func (k *FileKey) Zero() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// String never reveals key material.
func (k FileKey) String() string {
	return "FileKey([REDACTED])"
}

// GoString never reveals key material.
func (k FileKey) GoString() string {
	return k.String()
}

// GenerateFileKey returns a fresh random 256-bit file key.
func GenerateFileKey() (FileKey, error) {
	var b [Size]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return FileKey{}, fmt.Errorf("%w: generating file key: %v", errs.ErrCrypto, err)
	}
	return FileKeyFromBytes(b), nil
}

// ManifestInfo and NameInfo are the HKDF domain-separation strings for the
// manifest and filename subkeys respectively.
var (
	ManifestInfo = []byte("tcfs-manifest")
	NameInfo     = []byte("tcfs-names")
)

// hkdfDerive runs HKDF-SHA256 with no salt, expanding ikm into outLen bytes
// under the given domain-separating info string.
func hkdfDerive(ikm []byte, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: HKDF expand failed: %v", errs.ErrCrypto, err)
	}
	return out, nil
}

// DeriveManifestKey derives the manifest encryption subkey from the master key.
func DeriveManifestKey(master MasterKey) ([Size]byte, error) {
	b := master.Bytes()
	out, err := hkdfDerive(b[:], ManifestInfo, Size)
	if err != nil {
		return [Size]byte{}, err
	}
	var key [Size]byte
	copy(key[:], out)
	return key, nil
}

// DeriveNameKey derives the filename encryption subkey from the master key.
func DeriveNameKey(master MasterKey) ([Size]byte, error) {
	b := master.Bytes()
	out, err := hkdfDerive(b[:], NameInfo, Size)
	if err != nil {
		return [Size]byte{}, err
	}
	var key [Size]byte
	copy(key[:], out)
	return key, nil
}

// DeriveNameSIVKey expands the name subkey to 64 bytes (info=
// "tcfs-name-aes-siv") for AES-256-SIV, which requires a double-width key.
func DeriveNameSIVKey(master MasterKey) ([]byte, error) {
	nameKey, err := DeriveNameKey(master)
	if err != nil {
		return nil, err
	}
	return hkdfDerive(nameKey[:], []byte("tcfs-name-aes-siv"), 64)
}

// WrapKey encrypts a file key under the master key with XChaCha20-Poly1305
// and a random nonce. Output is exactly 72 bytes: 24-byte nonce, 32-byte
// ciphertext, 16-byte tag.
func WrapKey(master MasterKey, fileKey FileKey) ([]byte, error) {
	masterBytes := master.Bytes()
	aead, err := chacha20poly1305.NewX(masterBytes[:])
	if err != nil {
		return nil, fmt.Errorf("%w: creating wrap cipher: %v", errs.ErrCrypto, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generating wrap nonce: %v", errs.ErrCrypto, err)
	}

	fkBytes := fileKey.Bytes()
	ciphertext := aead.Seal(nil, nonce, fkBytes[:], nil)

	out := make([]byte, 0, NonceSize+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// UnwrapKey decrypts a wrapped file key produced by WrapKey. Fails generically
// (without distinguishing cause) on any tampering or wrong master key.
func UnwrapKey(master MasterKey, wrapped []byte) (FileKey, error) {
	if len(wrapped) < NonceSize+Size+TagSize {
		return FileKey{}, fmt.Errorf("%w: wrapped key too short: %d bytes (expected at least %d)",
			errs.ErrCrypto, len(wrapped), NonceSize+Size+TagSize)
	}

	nonce, ciphertext := wrapped[:NonceSize], wrapped[NonceSize:]
	masterBytes := master.Bytes()
	aead, err := chacha20poly1305.NewX(masterBytes[:])
	if err != nil {
		return FileKey{}, fmt.Errorf("%w: creating unwrap cipher: %v", errs.ErrCrypto, err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return FileKey{}, fmt.Errorf("%w: key unwrapping failed: invalid master key or corrupted data", errs.ErrCrypto)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	if len(plaintext) != Size {
		return FileKey{}, fmt.Errorf("%w: unwrapped key has wrong size: %d bytes (expected %d)",
			errs.ErrCrypto, len(plaintext), Size)
	}

	var key [Size]byte
	copy(key[:], plaintext)
	return FileKeyFromBytes(key), nil
}
