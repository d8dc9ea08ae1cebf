// Package hashing provides deterministic BLAKE3 content hashing for the sync
// core. The hash is used as a content identifier (CAS key) for deduplication
// of both plaintext and ciphertext chunks.
package hashing

import (
	"fmt"
	"io"
	"os"

	"github.com/tummycrypt/tcfs/internal/errs"
	"lukechampine.com/blake3"
)

// Size is the digest size in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

// Bytes hashes a byte slice in memory.
func Bytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(sum)
}

// File hashes a file from disk using a streaming 64 KiB read buffer, so it
// does not require the whole file to be resident in memory.
func File(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: opening file for hashing %q: %v", errs.ErrIO, path, err)
	}
	defer f.Close()

	h := blake3.New(Size, nil)
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Hash{}, fmt.Errorf("%w: reading file for hashing %q: %v", errs.ErrIO, path, rerr)
		}
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Hex formats a hash as a lowercase 64-character hex string.
func Hex(h Hash) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, Size*2)
	for i, b := range h {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0x0f]
	}
	return string(buf)
}

// FromHex parses a 64-character hex string into a Hash.
func FromHex(s string) (Hash, error) {
	if len(s) != Size*2 {
		return Hash{}, fmt.Errorf("%w: invalid blake3 hex length %d (want %d)", errs.ErrParse, len(s), Size*2)
	}
	var out Hash
	for i := 0; i < Size; i++ {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return Hash{}, fmt.Errorf("%w: invalid blake3 hex %q", errs.ErrParse, s)
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
