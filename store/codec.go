package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024

	// maxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	maxDecompressedSize = 10 * 1024 * 1024
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("store: payload exceeds maximum size")

	// ErrDecompressionBomb is returned when the decompressed size exceeds
	// the hard cap.
	ErrDecompressionBomb = errors.New("store: decompressed payload exceeds maximum size")
)

const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// envelope is the on-disk representation of a record payload. The digest is
// computed over the original (uncompressed) payload and verified on read.
type envelope struct {
	Encoding string `json:"encoding"`
	Digest   string `json:"digest"`
	Size     uint64 `json:"size"`
	Payload  []byte `json:"payload"`
}

// codec handles envelope encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and reused across calls.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode wraps a payload in an envelope, compressing it when beneficial.
func (c *codec) encode(data []byte) ([]byte, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := envelope{
		Encoding: encodingIdentity,
		Digest:   computeDigest(data),
		Size:     uint64(len(data)),
		Payload:  data,
	}

	if len(data) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			compressed := enc.EncodeAll(data, nil)
			if len(compressed) < len(data) {
				env.Encoding = encodingZstd
				env.Payload = compressed
			}
		}
	}

	return json.Marshal(&env)
}

// decode unwraps an envelope, decompressing if needed, and verifies the
// payload digest. A mismatch returns ErrCorrupted.
func (c *codec) decode(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	var data []byte
	switch env.Encoding {
	case encodingIdentity, "":
		data = env.Payload
	case encodingZstd:
		if env.Size > maxDecompressedSize {
			return nil, ErrDecompressionBomb
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("store: decoder not initialized")
		}

		decompressed, err := dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if uint64(len(decompressed)) > maxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		data = decompressed
	default:
		return nil, fmt.Errorf("store: unsupported encoding %q", env.Encoding)
	}

	if env.Digest != "" && computeDigest(data) != env.Digest {
		return nil, ErrCorrupted
	}

	return data, nil
}

// computeDigest computes the BLAKE3 digest in canonical "blake3:<hex>" form.
func computeDigest(data []byte) string {
	h := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(h[:])
}
