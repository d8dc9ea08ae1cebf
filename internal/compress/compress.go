// Package compress implements seekable zstd compression: an ordered sequence
// of independently-compressed frames plus a seek table, so any byte range of
// the original plaintext can be recovered by touching only the overlapping
// frames instead of decompressing the whole stream.
package compress

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/tummycrypt/tcfs/internal/errs"
)

// DefaultFrameSize is the default uncompressed bytes per frame.
const DefaultFrameSize = 1024 * 1024

// DefaultLevel is the default zstd compression level.
const DefaultLevel = 3

// SeekEntry describes one frame's placement within the compressed blob.
type SeekEntry struct {
	UncompressedSize uint32 `json:"uncompressed_size"`
	CompressedSize   uint32 `json:"compressed_size"`
	CompressedOffset uint64 `json:"compressed_offset"`
}

// Blob is a seekable compressed representation of a plaintext buffer.
type Blob struct {
	Compressed []byte
	SeekTable  []SeekEntry
}

// UncompressedSize returns the total plaintext size covered by the blob.
func (b *Blob) UncompressedSize() uint64 {
	var total uint64
	for _, e := range b.SeekTable {
		total += uint64(e.UncompressedSize)
	}
	return total
}

// FrameCount returns the number of independent frames in the blob.
func (b *Blob) FrameCount() int {
	return len(b.SeekTable)
}

func levelOf(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// Compress partitions data into frames of at most frameSize uncompressed
// bytes each, compresses each frame independently, and concatenates the
// results with an accompanying seek table.
func Compress(data []byte, frameSize int, level int) (*Blob, error) {
	if frameSize < 1 {
		frameSize = 1
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(levelOf(level)))
	if err != nil {
		return nil, fmt.Errorf("%w: creating zstd encoder: %v", errs.ErrIO, err)
	}
	defer enc.Close()

	blob := &Blob{
		Compressed: make([]byte, 0, len(data)/2+1024),
	}

	for start := 0; start < len(data); start += frameSize {
		end := start + frameSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		offset := uint64(len(blob.Compressed))
		frame := enc.EncodeAll(chunk, nil)

		blob.Compressed = append(blob.Compressed, frame...)
		blob.SeekTable = append(blob.SeekTable, SeekEntry{
			UncompressedSize: uint32(len(chunk)),
			CompressedSize:   uint32(len(frame)),
			CompressedOffset: offset,
		})
	}

	return blob, nil
}

// DecompressAll reverses Compress losslessly, reconstituting the entire
// original buffer.
func DecompressAll(blob *Blob) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating zstd decoder: %v", errs.ErrIO, err)
	}
	defer dec.Close()

	var total uint64
	for _, e := range blob.SeekTable {
		total += uint64(e.UncompressedSize)
	}
	out := make([]byte, 0, total)

	for _, entry := range blob.SeekTable {
		start := entry.CompressedOffset
		end := start + uint64(entry.CompressedSize)
		if end > uint64(len(blob.Compressed)) {
			return nil, fmt.Errorf("%w: seek entry out of bounds", errs.ErrParse)
		}
		frame := blob.Compressed[start:end]
		plain, err := dec.DecodeAll(frame, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd decompress frame: %v", errs.ErrIO, err)
		}
		out = append(out, plain...)
	}

	return out, nil
}

// DecompressRange decompresses only the frames overlapping the uncompressed
// byte range [rangeStart, rangeEnd) and returns exactly that slice.
func DecompressRange(blob *Blob, rangeStart, rangeEnd uint64) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating zstd decoder: %v", errs.ErrIO, err)
	}
	defer dec.Close()

	var out []byte
	var frameStart uint64

	for _, entry := range blob.SeekTable {
		frameEnd := frameStart + uint64(entry.UncompressedSize)

		if frameEnd > rangeStart && frameStart < rangeEnd {
			cfStart := entry.CompressedOffset
			cfEnd := cfStart + uint64(entry.CompressedSize)
			if cfEnd > uint64(len(blob.Compressed)) {
				return nil, fmt.Errorf("%w: seek entry out of bounds", errs.ErrParse)
			}
			plain, err := dec.DecodeAll(blob.Compressed[cfStart:cfEnd], nil)
			if err != nil {
				return nil, fmt.Errorf("%w: zstd decompress range frame: %v", errs.ErrIO, err)
			}

			localStart := uint64(0)
			if rangeStart > frameStart {
				localStart = rangeStart - frameStart
			}
			localEnd := frameEnd
			if rangeEnd < frameEnd {
				localEnd = rangeEnd
			}
			localEnd -= frameStart

			out = append(out, plain[localStart:localEnd]...)
		}

		frameStart = frameEnd
		if frameStart >= rangeEnd {
			break
		}
	}

	return out, nil
}

// SerializeSeekTable encodes a seek table as JSON, for embedding in chunk
// metadata alongside the compressed blob.
func SerializeSeekTable(table []SeekEntry) ([]byte, error) {
	b, err := json.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing seek table: %v", errs.ErrParse, err)
	}
	return b, nil
}

// DeserializeSeekTable decodes a seek table previously produced by
// SerializeSeekTable.
func DeserializeSeekTable(data []byte) ([]SeekEntry, error) {
	var table []SeekEntry
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("%w: deserializing seek table: %v", errs.ErrParse, err)
	}
	return table, nil
}
