// Package manifest implements the v1/v2 per-file manifest format: the
// ordered list of ciphertext-chunk hashes plus, in v2, vector-clock and
// wrapped-file-key metadata needed for multi-device convergence.
package manifest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tummycrypt/tcfs/internal/errs"
	"github.com/tummycrypt/tcfs/internal/vclock"
)

// CurrentVersion is the manifest version written by this implementation.
// Readers also accept legacy v1 (unversioned, newline-separated) manifests.
const CurrentVersion = 2

// Manifest is the in-memory representation of a per-file manifest,
// regardless of which wire version it was read from.
type Manifest struct {
	Version          uint32
	FileHash         string
	FileSize         uint64
	Chunks           []string
	VClock           vclock.Clock
	WrittenBy        string
	WrittenAt        uint64
	RelPath          string
	EncryptedFileKey []byte // nil when the pipeline is unencrypted
	legacy           bool
}

// wireV2 mirrors the JSON wire shape exactly; field names are part of the
// cross-device wire contract and must not change.
type wireV2 struct {
	Version          uint32            `json:"version"`
	FileHash         string            `json:"file_hash"`
	FileSize         uint64            `json:"file_size"`
	Chunks           []string          `json:"chunks"`
	VClock           map[string]uint64 `json:"vclock"`
	WrittenBy        string            `json:"written_by"`
	WrittenAt        uint64            `json:"written_at"`
	RelPath          string            `json:"rel_path,omitempty"`
	EncryptedFileKey string            `json:"encrypted_file_key,omitempty"`
}

// IsLegacy reports whether this manifest was read from a v1, unversioned,
// newline-separated text document.
func (m Manifest) IsLegacy() bool {
	return m.legacy
}

// ChunkHashes returns the ordered list of ciphertext-chunk hashes, valid
// for either manifest version.
func (m Manifest) ChunkHashes() []string {
	return m.Chunks
}

// FromBytes auto-detects the manifest format: JSON is tried first; on
// failure the bytes are treated as v1 newline-separated plaintext chunk
// hashes. Empty input is always an error.
func FromBytes(data []byte) (Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Manifest{}, fmt.Errorf("%w: empty manifest", errs.ErrParse)
	}

	var wire wireV2
	if err := json.Unmarshal(data, &wire); err == nil && wire.Version != 0 {
		return fromWire(wire)
	}

	return fromLegacyText(data), nil
}

func fromWire(wire wireV2) (Manifest, error) {
	m := Manifest{
		Version:   wire.Version,
		FileHash:  wire.FileHash,
		FileSize:  wire.FileSize,
		Chunks:    wire.Chunks,
		VClock:    vclock.FromMap(wire.VClock),
		WrittenBy: wire.WrittenBy,
		WrittenAt: wire.WrittenAt,
		RelPath:   wire.RelPath,
	}
	if len(m.Chunks) == 0 {
		return Manifest{}, fmt.Errorf("%w: manifest has no chunks", errs.ErrParse)
	}
	if wire.EncryptedFileKey != "" {
		key, err := base64.StdEncoding.DecodeString(wire.EncryptedFileKey)
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: invalid encrypted_file_key base64: %v", errs.ErrParse, err)
		}
		m.EncryptedFileKey = key
	}
	return m, nil
}

func fromLegacyText(data []byte) Manifest {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	chunks := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			chunks = append(chunks, line)
		}
	}
	return Manifest{
		Version: 1,
		Chunks:  chunks,
		VClock:  vclock.New(),
		legacy:  true,
	}
}

// ToBytes serializes the manifest as pretty-printed v2 JSON, regardless of
// how it was originally read. Writers only ever emit v2.
func ToBytes(m Manifest) ([]byte, error) {
	if len(m.Chunks) == 0 {
		return nil, fmt.Errorf("%w: refusing to write a manifest with no chunks", errs.ErrParse)
	}

	wire := wireV2{
		Version:   CurrentVersion,
		FileHash:  m.FileHash,
		FileSize:  m.FileSize,
		Chunks:    m.Chunks,
		VClock:    m.VClock.AsMap(),
		WrittenBy: m.WrittenBy,
		WrittenAt: m.WrittenAt,
		RelPath:   m.RelPath,
	}
	if m.EncryptedFileKey != nil {
		wire.EncryptedFileKey = base64.StdEncoding.EncodeToString(m.EncryptedFileKey)
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding manifest: %v", errs.ErrParse, err)
	}
	return data, nil
}

// New builds a fresh v2 manifest ready to be written.
func New(fileHash string, fileSize uint64, chunks []string, vc vclock.Clock, writtenBy, relPath string, writtenAt uint64, encryptedFileKey []byte) Manifest {
	return Manifest{
		Version:          CurrentVersion,
		FileHash:         fileHash,
		FileSize:         fileSize,
		Chunks:           chunks,
		VClock:           vc,
		WrittenBy:        writtenBy,
		WrittenAt:        writtenAt,
		RelPath:          relPath,
		EncryptedFileKey: encryptedFileKey,
	}
}
