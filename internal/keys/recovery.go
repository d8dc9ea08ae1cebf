package keys

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tyler-smith/go-bip39"
)

// recoverySalt is the fixed salt used for mnemonic-based recovery. It does
// not need to be secret: the mnemonic itself supplies 256 bits of entropy.
var recoverySalt = [16]byte{'t', 'c', 'f', 's', '-', 'r', 'e', 'c', 'o', 'v', 'e', 'r', 'y', '-', 'v', '1'}

// recoveryParams are lighter Argon2id parameters for the recovery path,
// since the mnemonic's entropy makes a heavy KDF unnecessary.
var recoveryParams = Params{
	MemCostKiB:  16384,
	TimeCost:    2,
	Parallelism: 1,
}

// GenerateMnemonic creates a new BIP-39 24-word mnemonic (256 bits of
// entropy) and derives its corresponding master key. The mnemonic must be
// displayed to the user once and never stored digitally.
func GenerateMnemonic() (string, MasterKey, error) {
	entropy := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, entropy); err != nil {
		return "", MasterKey{}, fmt.Errorf("%w: generating mnemonic entropy: %v", errs.ErrCrypto, err)
	}

	words, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", MasterKey{}, fmt.Errorf("%w: BIP-39 mnemonic generation failed: %v", errs.ErrCrypto, err)
	}

	master, err := MnemonicToMasterKey(words)
	if err != nil {
		return "", MasterKey{}, err
	}

	return words, master, nil
}

// MnemonicToMasterKey recovers a master key from a BIP-39 24-word mnemonic,
// using it as the KDF passphrase with a fixed, well-known salt.
func MnemonicToMasterKey(words string) (MasterKey, error) {
	if !bip39.IsMnemonicValid(words) {
		return MasterKey{}, fmt.Errorf("%w: invalid BIP-39 mnemonic", errs.ErrCrypto)
	}

	return DeriveMasterKey(words, recoverySalt, recoveryParams)
}
