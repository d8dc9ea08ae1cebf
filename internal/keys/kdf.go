// Package keys implements the key hierarchy: an Argon2id-derived master key,
// HKDF-SHA256 domain-separated subkeys, XChaCha20-Poly1305 key wrap/unwrap,
// and BIP-39 mnemonic recovery.
package keys

import (
	"fmt"

	"github.com/tummycrypt/tcfs/internal/errs"
	"golang.org/x/crypto/argon2"
)

// Size is the key length in bytes for master keys, file keys, and subkeys.
const Size = 32

// NonceSize is the XChaCha20-Poly1305 nonce length.
const NonceSize = 24

// TagSize is the Poly1305 authentication tag length.
const TagSize = 16

// MasterKey is a 256-bit key derived from a passphrase. Callers must call
// Zero when the key is no longer needed; MasterKey never logs its bytes.
type MasterKey struct {
	bytes [Size]byte
}

// MasterKeyFromBytes wraps raw bytes as a MasterKey.
func MasterKeyFromBytes(b [Size]byte) MasterKey {
	return MasterKey{bytes: b}
}

// Bytes returns the key's raw bytes.
func (k MasterKey) Bytes() [Size]byte {
	return k.bytes
}

// Zero overwrites the key material in place.
func (k *MasterKey) Zero() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// String never reveals key material.
func (k MasterKey) String() string {
	return "MasterKey([REDACTED])"
}

// GoString never reveals key material.
func (k MasterKey) GoString() string {
	return k.String()
}

// Params holds Argon2id parameters for master-key derivation.
type Params struct {
	MemCostKiB  uint32
	TimeCost    uint32
	Parallelism uint8
}

// DefaultParams are the standard interactive-derivation parameters:
// 64 MiB memory, 3 iterations, 4 lanes.
var DefaultParams = Params{
	MemCostKiB:  65536,
	TimeCost:    3,
	Parallelism: 4,
}

// DeriveMasterKey derives a 256-bit master key from a passphrase and a
// 16-byte salt via Argon2id. Deterministic for a fixed (passphrase, salt,
// params) triple; different inputs yield different keys with overwhelming
// probability.
func DeriveMasterKey(passphrase string, salt [16]byte, params Params) (MasterKey, error) {
	if params.MemCostKiB == 0 || params.TimeCost == 0 || params.Parallelism == 0 {
		return MasterKey{}, fmt.Errorf("%w: invalid argon2id params", errs.ErrCrypto)
	}

	out := argon2.IDKey([]byte(passphrase), salt[:], params.TimeCost, params.MemCostKiB, params.Parallelism, Size)

	var key [Size]byte
	copy(key[:], out)
	return MasterKeyFromBytes(key), nil
}
