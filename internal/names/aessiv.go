package names

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/tummycrypt/tcfs/internal/errs"
)

const blockSize = aes.BlockSize // 16

// cmac computes AES-CMAC (RFC 4493) of data under an AES block cipher.
func cmac(block cipher.Block, data []byte) []byte {
	k1, k2 := subkeys(block)

	var mac [blockSize]byte
	if len(data) == 0 {
		padded := pad(nil)
		xorInto(padded, k2)
		block.Encrypt(mac[:], padded)
		return mac[:]
	}

	numBlocks := (len(data) + blockSize - 1) / blockSize
	lastLen := len(data) - (numBlocks-1)*blockSize
	complete := lastLen == blockSize

	var last []byte
	if complete {
		last = append([]byte(nil), data[len(data)-blockSize:]...)
		xorInto(last, k1)
	} else {
		last = pad(data[len(data)-lastLen:])
		xorInto(last, k2)
	}

	var x [blockSize]byte
	for i := 0; i < numBlocks-1; i++ {
		block.Encrypt(x[:], xorBlocks(x[:], data[i*blockSize:(i+1)*blockSize]))
	}
	block.Encrypt(mac[:], xorBlocks(x[:], last))
	return mac[:]
}

func subkeys(block cipher.Block) (k1, k2 []byte) {
	var zero, l [blockSize]byte
	block.Encrypt(l[:], zero[:])

	k1 = dbl(l[:])
	k2 = dbl(k1)
	return k1, k2
}

// dbl multiplies a 128-bit block by x in GF(2^128) per RFC 4493/5297.
func dbl(b []byte) []byte {
	out := make([]byte, blockSize)
	var carry byte
	for i := blockSize - 1; i >= 0; i-- {
		v := b[i]
		out[i] = (v << 1) | carry
		carry = v >> 7
	}
	if carry != 0 {
		out[blockSize-1] ^= 0x87
	}
	return out
}

func pad(b []byte) []byte {
	out := make([]byte, blockSize)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

func xorBlocks(a, b []byte) []byte {
	out := make([]byte, blockSize)
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// s2v implements the RFC 5297 S2V construction over a sequence of header
// strings followed by a final message.
func s2v(block cipher.Block, headers [][]byte, message []byte) []byte {
	d := cmac(block, make([]byte, blockSize))

	for _, h := range headers {
		d = dbl(d)
		xorInto(d, cmac(block, h))
	}

	if len(message) >= blockSize {
		t := xorEnd(message, d)
		return cmac(block, t)
	}

	d = dbl(d)
	padded := pad(message)
	xorInto(d, padded)
	return cmac(block, d)
}

func xorEnd(message, d []byte) []byte {
	out := append([]byte(nil), message...)
	offset := len(out) - blockSize
	for i := 0; i < blockSize; i++ {
		out[offset+i] ^= d[i]
	}
	return out
}

// aesSIVSeal implements deterministic AES-SIV (RFC 5297) over a 64-byte key
// (two 32-byte AES-256 subkeys: K1 for S2V/CMAC, K2 for CTR encryption).
func aesSIVSeal(key []byte, headers [][]byte, plaintext []byte) ([]byte, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: AES-SIV key must be 64 bytes, got %d", errs.ErrCrypto, len(key))
	}

	macBlock, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: AES-SIV mac cipher: %v", errs.ErrCrypto, err)
	}
	ctrBlock, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("%w: AES-SIV ctr cipher: %v", errs.ErrCrypto, err)
	}

	v := s2v(macBlock, headers, plaintext)
	q := ctrIV(v)

	stream := cipher.NewCTR(ctrBlock, q)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	out := make([]byte, 0, blockSize+len(ciphertext))
	out = append(out, v...)
	out = append(out, ciphertext...)
	return out, nil
}

// aesSIVOpen reverses aesSIVSeal, failing generically on any tampering or
// wrong key.
func aesSIVOpen(key []byte, headers [][]byte, sealed []byte) ([]byte, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: AES-SIV key must be 64 bytes, got %d", errs.ErrCrypto, len(key))
	}
	if len(sealed) < blockSize {
		return nil, fmt.Errorf("%w: AES-SIV ciphertext too short", errs.ErrCrypto)
	}

	macBlock, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: AES-SIV mac cipher: %v", errs.ErrCrypto, err)
	}
	ctrBlock, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("%w: AES-SIV ctr cipher: %v", errs.ErrCrypto, err)
	}

	v := sealed[:blockSize]
	ciphertext := sealed[blockSize:]

	q := ctrIV(v)
	stream := cipher.NewCTR(ctrBlock, q)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	expected := s2v(macBlock, headers, plaintext)
	if subtle.ConstantTimeCompare(expected, v) != 1 {
		return nil, fmt.Errorf("%w: AES-SIV authentication failed", errs.ErrCrypto)
	}

	return plaintext, nil
}

// ctrIV zeroes the top bit of the two 32-bit halves of V, per RFC 5297 §2.6,
// to produce the CTR counter block.
func ctrIV(v []byte) []byte {
	q := append([]byte(nil), v...)
	q[8] &= 0x7f
	q[12] &= 0x7f
	return q
}
