package hashing

import (
	"os"
	"path/filepath"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyHashIsDeterministic(t *testing.T) {
	assert.Equal(t, Bytes(nil), Bytes([]byte{}))
}

func TestHashHexRoundtrip(t *testing.T) {
	h := Bytes([]byte("hello tcfs"))
	hex := Hex(h)
	assert.Len(t, hex, 64)

	back, err := FromHex(hex)
	require.NoError(t, err)
	assert.Equal(t, h, back)
}

func TestDifferentContentDifferentHash(t *testing.T) {
	assert.NotEqual(t, Bytes([]byte("foo")), Bytes([]byte("bar")))
}

func TestHashIsDeterministicProperty(t *testing.T) {
	f := func(data []byte) bool {
		return Bytes(data) == Bytes(data)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestHexRoundtripProperty(t *testing.T) {
	f := func(data []byte) bool {
		h := Bytes(data)
		back, err := FromHex(Hex(h))
		return err == nil && back == h
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestFromHexRejectsBadLength(t *testing.T) {
	_, err := FromHex("abc")
	assert.Error(t, err)
}

func TestFileHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	require.NoError(t, os.WriteFile(path, []byte("file contents"), 0o644))

	h, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("file contents")), h)
}

func TestFileHashMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
