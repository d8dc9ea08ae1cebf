package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Params{MemCostKiB: 1024, TimeCost: 1, Parallelism: 1}

func TestKdfDeterministic(t *testing.T) {
	salt := [16]byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}

	k1, err := DeriveMasterKey("test-passphrase-123", salt, fastParams)
	require.NoError(t, err)
	k2, err := DeriveMasterKey("test-passphrase-123", salt, fastParams)
	require.NoError(t, err)

	assert.Equal(t, k1.Bytes(), k2.Bytes())
}

func TestKdfDifferentPassphrases(t *testing.T) {
	salt := [16]byte{1}

	k1, err := DeriveMasterKey("passphrase-a", salt, fastParams)
	require.NoError(t, err)
	k2, err := DeriveMasterKey("passphrase-b", salt, fastParams)
	require.NoError(t, err)

	assert.NotEqual(t, k1.Bytes(), k2.Bytes())
}

func TestKdfDifferentSalts(t *testing.T) {
	k1, err := DeriveMasterKey("same-passphrase", [16]byte{1}, fastParams)
	require.NoError(t, err)
	k2, err := DeriveMasterKey("same-passphrase", [16]byte{2}, fastParams)
	require.NoError(t, err)

	assert.NotEqual(t, k1.Bytes(), k2.Bytes())
}

func TestMasterKeyRedactsDebugRepr(t *testing.T) {
	k, err := DeriveMasterKey("x", [16]byte{1}, fastParams)
	require.NoError(t, err)
	assert.Contains(t, k.String(), "REDACTED")
	assert.NotContains(t, k.String(), "x")
}

func TestFileKeyGeneration(t *testing.T) {
	k1, err := GenerateFileKey()
	require.NoError(t, err)
	k2, err := GenerateFileKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1.Bytes(), k2.Bytes())
}

func testMasterKey() MasterKey {
	var b [Size]byte
	for i := range b {
		b[i] = 42
	}
	return MasterKeyFromBytes(b)
}

func TestKeyWrapUnwrapRoundtrip(t *testing.T) {
	master := testMasterKey()
	fileKey, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(master, fileKey)
	require.NoError(t, err)

	unwrapped, err := UnwrapKey(master, wrapped)
	require.NoError(t, err)
	assert.Equal(t, fileKey.Bytes(), unwrapped.Bytes())
}

func TestKeyUnwrapWrongMaster(t *testing.T) {
	var b1, b2 [Size]byte
	b1[0], b2[0] = 1, 2
	master1 := MasterKeyFromBytes(b1)
	master2 := MasterKeyFromBytes(b2)

	fileKey, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(master1, fileKey)
	require.NoError(t, err)

	_, err = UnwrapKey(master2, wrapped)
	assert.Error(t, err)
}

func TestHkdfDeriveDifferentDomains(t *testing.T) {
	master := testMasterKey()
	manifestKey, err := DeriveManifestKey(master)
	require.NoError(t, err)
	nameKey, err := DeriveNameKey(master)
	require.NoError(t, err)

	assert.NotEqual(t, manifestKey, nameKey)
}

func TestWrappedKeySize(t *testing.T) {
	master := testMasterKey()
	fileKey, err := GenerateFileKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(master, fileKey)
	require.NoError(t, err)

	assert.Equal(t, NonceSize+Size+TagSize, len(wrapped))
}

func TestDeriveNameSIVKeyLength(t *testing.T) {
	master := testMasterKey()
	sivKey, err := DeriveNameSIVKey(master)
	require.NoError(t, err)
	assert.Len(t, sivKey, 64)
}

func TestGenerateMnemonic(t *testing.T) {
	words, key, err := GenerateMnemonic()
	require.NoError(t, err)

	wordCount := len(strings.Fields(words))
	assert.Equal(t, 24, wordCount, "BIP-39 mnemonic must have 24 words")

	var zero [Size]byte
	assert.NotEqual(t, zero, key.Bytes())
}

func TestMnemonicRecoveryRoundtrip(t *testing.T) {
	words, original, err := GenerateMnemonic()
	require.NoError(t, err)

	recovered, err := MnemonicToMasterKey(words)
	require.NoError(t, err)

	assert.Equal(t, original.Bytes(), recovered.Bytes())
}

func TestInvalidMnemonic(t *testing.T) {
	_, err := MnemonicToMasterKey("not a valid mnemonic at all")
	assert.Error(t, err)
}

func TestDifferentMnemonicsDifferentKeys(t *testing.T) {
	_, key1, err := GenerateMnemonic()
	require.NoError(t, err)
	_, key2, err := GenerateMnemonic()
	require.NoError(t, err)

	assert.NotEqual(t, key1.Bytes(), key2.Bytes())
}
