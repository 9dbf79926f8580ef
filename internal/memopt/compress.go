package memopt

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/cellarworks/vintrack/internal/config"
	"github.com/cellarworks/vintrack/internal/engine"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func zstdInit() {
	zstdEncoder, zstdInitErr = zstd.NewWriter(nil)
	if zstdInitErr != nil {
		return
	}
	zstdDecoder, zstdInitErr = zstd.NewReader(nil)
}

// Compress compresses data with the named codec.
func Compress(data []byte, codec string) ([]byte, error) {
	switch codec {
	case config.CodecZstd:
		zstdOnce.Do(zstdInit)
		if zstdInitErr != nil {
			return nil, fmt.Errorf("zstd init: %w", zstdInitErr)
		}
		return zstdEncoder.EncodeAll(data, nil), nil
	case config.CodecSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, engine.ErrValidation("codec", fmt.Sprintf("unknown codec %q", codec))
	}
}

// Decompress reverses Compress for the same codec.
func Decompress(data []byte, codec string) ([]byte, error) {
	switch codec {
	case config.CodecZstd:
		zstdOnce.Do(zstdInit)
		if zstdInitErr != nil {
			return nil, fmt.Errorf("zstd init: %w", zstdInitErr)
		}
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case config.CodecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	default:
		return nil, engine.ErrValidation("codec", fmt.Sprintf("unknown codec %q", codec))
	}
}

// arrayChunkLen is the number of float64 values per sealed chunk.
const arrayChunkLen = 1024

// CompressedArray is logically an append-only array of float64
// values. Full chunks are sealed and stored compressed; reads
// decompress the owning chunk transparently. With compression
// disabled chunks are stored raw.
type CompressedArray struct {
	mu      sync.Mutex
	codec   string
	enabled bool

	sealed [][]byte
	tail   []float64
	length int

	// last decompressed chunk, for sequential read locality
	cachedIdx  int
	cachedVals []float64
}

// NewCompressedArray creates an array using the configured codec.
func NewCompressedArray(cfg *config.MemoryConfig) (*CompressedArray, error) {
	if cfg == nil {
		cfg = config.DefaultMemoryConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CompressedArray{
		codec:     cfg.CompressionCodec,
		enabled:   cfg.CompressionEnabled,
		cachedIdx: -1,
	}, nil
}

// Append adds a value to the logical end.
func (a *CompressedArray) Append(value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tail = append(a.tail, value)
	a.length++
	if len(a.tail) < arrayChunkLen {
		return nil
	}

	encoded := encodeFloats(a.tail)
	if a.enabled {
		compressed, err := Compress(encoded, a.codec)
		if err != nil {
			return err
		}
		encoded = compressed
	}
	a.sealed = append(a.sealed, encoded)
	a.tail = nil
	return nil
}

// At reads the value at index i.
func (a *CompressedArray) At(i int) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < 0 || i >= a.length {
		return 0, engine.ErrValidation("index", "out of range")
	}

	chunk := i / arrayChunkLen
	if chunk >= len(a.sealed) {
		return a.tail[i-len(a.sealed)*arrayChunkLen], nil
	}

	if chunk != a.cachedIdx {
		encoded := a.sealed[chunk]
		if a.enabled {
			decompressed, err := Decompress(encoded, a.codec)
			if err != nil {
				return 0, err
			}
			encoded = decompressed
		}
		a.cachedIdx = chunk
		a.cachedVals = decodeFloats(encoded)
	}
	return a.cachedVals[i%arrayChunkLen], nil
}

// Len returns the logical length.
func (a *CompressedArray) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.length
}

// StoredBytes returns the physical size of sealed chunks plus the
// uncompressed tail.
func (a *CompressedArray) StoredBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := int64(len(a.tail) * 8)
	for _, chunk := range a.sealed {
		total += int64(len(chunk))
	}
	return total
}

func encodeFloats(values []float64) []byte {
	out := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func decodeFloats(data []byte) []float64 {
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}
