// Package names implements deterministic filename encryption via AES-256-SIV,
// so encrypted object-store keys are stable and lookupable without a
// separate index.
package names

import (
	"encoding/hex"
	"fmt"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/keys"
)

var zeroNonce = make([]byte, 16)

// Encrypt deterministically encrypts a filename under the given name-SIV
// key (see keys.DeriveNameSIVKey). Output is the hex-encoded ciphertext,
// safe to embed directly in an object-store key.
func Encrypt(nameSIVKey []byte, plaintextName string) (string, error) {
	sealed, err := aesSIVSeal(nameSIVKey, [][]byte{zeroNonce}, []byte(plaintextName))
	if err != nil {
		return "", fmt.Errorf("%w: filename encryption failed: %v", errs.ErrCrypto, err)
	}
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Fails generically (wrong key or corrupted data)
// on any tampering.
func Decrypt(nameSIVKey []byte, encryptedHex string) (string, error) {
	sealed, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", fmt.Errorf("%w: invalid hex in encrypted name: %v", errs.ErrParse, err)
	}

	plaintext, err := aesSIVOpen(nameSIVKey, [][]byte{zeroNonce}, sealed)
	if err != nil {
		return "", fmt.Errorf("%w: filename decryption failed: wrong key or corrupted data", errs.ErrCrypto)
	}
	return string(plaintext), nil
}

// DeriveAndEncrypt is a convenience wrapper that derives the name-SIV key
// from a master key and encrypts the given filename.
func DeriveAndEncrypt(master keys.MasterKey, plaintextName string) (string, error) {
	sivKey, err := keys.DeriveNameSIVKey(master)
	if err != nil {
		return "", err
	}
	return Encrypt(sivKey, plaintextName)
}

// DeriveAndDecrypt is the corresponding convenience wrapper for Decrypt.
func DeriveAndDecrypt(master keys.MasterKey, encryptedHex string) (string, error) {
	sivKey, err := keys.DeriveNameSIVKey(master)
	if err != nil {
		return "", err
	}
	return Decrypt(sivKey, encryptedHex)
}
