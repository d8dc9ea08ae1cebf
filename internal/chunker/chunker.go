// Package chunker implements content-defined chunking (FastCDC) over a
// plaintext buffer, addressing each chunk by its BLAKE3 hash.
//
// Boundaries depend only on local content windows, so a short insertion or
// deletion near the start of a file does not cascade into rechunking the
// rest of it — unlike fixed-size splitting.
package chunker

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	fastcdc "github.com/jotfs/fastcdc-go"
	"github.com/tummycrypt/tcfs/internal/hashing"
)

// Sizes describes the {min, avg, max} target chunk size in bytes for a
// FastCDC pass.
type Sizes struct {
	Min int
	Avg int
	Max int
}

// Small is the default profile for ordinary files.
var Small = Sizes{Min: 2 * 1024, Avg: 4 * 1024, Max: 16 * 1024}

// Pack is the profile used for pack/binary files, trading chunk granularity
// for reduced per-chunk overhead on large sequential data.
var Pack = Sizes{Min: 32 * 1024, Avg: 64 * 1024, Max: 256 * 1024}

// packExtensions selects the Pack profile.
var packExtensions = map[string]bool{
	".pack": true,
	".bin":  true,
	".iso":  true,
	".img":  true,
}

// SizesForPath selects a chunk size profile from a file's extension.
func SizesForPath(path string) Sizes {
	ext := strings.ToLower(filepath.Ext(path))
	if packExtensions[ext] {
		return Pack
	}
	return Small
}

// Chunk is a single content-defined slice of a plaintext buffer.
type Chunk struct {
	Offset uint64
	Length int
	Hash   hashing.Hash
}

// Data splits data into content-defined chunks. Empty input yields an empty
// slice. Chunking is deterministic for a fixed profile: the same bytes always
// yield identical offsets, lengths, and hashes.
func Data(data []byte, sizes Sizes) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}

	opts := fastcdc.Options{
		MinSize:     sizes.Min,
		AverageSize: sizes.Avg,
		MaxSize:     sizes.Max,
	}

	chunker, err := fastcdc.NewChunker(bytes.NewReader(data), opts)
	if err != nil {
		return nil, err
	}

	var chunks []Chunk
	for {
		c, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			Offset: uint64(c.Offset),
			Length: c.Length,
			Hash:   hashing.Bytes(c.Data),
		})
	}
	return chunks, nil
}
