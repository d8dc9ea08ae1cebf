package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNameKey() []byte {
	k := make([]byte, 64)
	for i := range k {
		k[i] = 0x55
	}
	return k
}

func TestEncryptDecryptNameRoundtrip(t *testing.T) {
	key := testNameKey()
	name := "my-photo.jpg"

	encrypted, err := Encrypt(key, name)
	require.NoError(t, err)

	decrypted, err := Decrypt(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, name, decrypted)
}

func TestDeterministicEncryption(t *testing.T) {
	key := testNameKey()
	name := "report.pdf"

	enc1, err := Encrypt(key, name)
	require.NoError(t, err)
	enc2, err := Encrypt(key, name)
	require.NoError(t, err)

	assert.Equal(t, enc1, enc2, "AES-SIV must be deterministic")
}

func TestDifferentNamesDifferentCiphertext(t *testing.T) {
	key := testNameKey()

	enc1, err := Encrypt(key, "file_a.txt")
	require.NoError(t, err)
	enc2, err := Encrypt(key, "file_b.txt")
	require.NoError(t, err)

	assert.NotEqual(t, enc1, enc2)
}

func TestDifferentKeysDifferentCiphertext(t *testing.T) {
	key1 := make([]byte, 64)
	key2 := make([]byte, 64)
	for i := range key1 {
		key1[i] = 0x11
		key2[i] = 0x22
	}

	enc1, err := Encrypt(key1, "same-name.txt")
	require.NoError(t, err)
	enc2, err := Encrypt(key2, "same-name.txt")
	require.NoError(t, err)

	assert.NotEqual(t, enc1, enc2)
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := make([]byte, 64)
	key2 := make([]byte, 64)
	for i := range key1 {
		key1[i] = 0x11
		key2[i] = 0x22
	}

	encrypted, err := Encrypt(key1, "secret.txt")
	require.NoError(t, err)

	_, err = Decrypt(key2, encrypted)
	assert.Error(t, err)
}

func TestUnicodeFilename(t *testing.T) {
	key := testNameKey()
	name := "research-2026-02-21.pdf"

	encrypted, err := Encrypt(key, name)
	require.NoError(t, err)

	decrypted, err := Decrypt(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, name, decrypted)
}

func TestEmptyFilename(t *testing.T) {
	key := testNameKey()

	encrypted, err := Encrypt(key, "")
	require.NoError(t, err)

	decrypted, err := Decrypt(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestDecryptInvalidHex(t *testing.T) {
	key := testNameKey()
	_, err := Decrypt(key, "not-hex!!")
	assert.Error(t, err)
}
