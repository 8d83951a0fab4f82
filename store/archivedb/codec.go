package archivedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum payload size before compression
	// is considered; zstd overhead is not worth it below this.
	compressionThreshold = 2048

	// MaxPayloadSize caps a single stored payload (and the decompressed
	// size during load, guarding against compression bombs).
	MaxPayloadSize = 512 * 1024 * 1024

	encodingIdentity = byte(0)
	encodingZstd     = byte(1)
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("archivedb: payload exceeds maximum size")

	// ErrBlobCorrupted is returned when a stored blob fails to decode.
	ErrBlobCorrupted = errors.New("archivedb: stored payload corrupted")
)

// payloadCodec frames payload blobs for the payloads bucket, compressing
// with zstd when it helps.
//
// Frame format: [1-byte encoding][body] for identity, or
// [1-byte encoding][8-byte big-endian uncompressed length][zstd body].
// Encoder and decoder are goroutine-safe and reused across calls.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &payloadCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *payloadCodec) Close() {
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

// Encode frames payload for storage, compressing if beneficial.
func (c *payloadCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc != nil && len(payload) >= compressionThreshold {
		compressed := enc.EncodeAll(payload, make([]byte, 9, 9+len(payload)/2))
		if len(compressed)-9 < len(payload) {
			compressed[0] = encodingZstd
			binary.BigEndian.PutUint64(compressed[1:9], uint64(len(payload)))
			return compressed, nil
		}
	}

	framed := make([]byte, 1+len(payload))
	framed[0] = encodingIdentity
	copy(framed[1:], payload)
	return framed, nil
}

// Decode unframes a stored blob, decompressing if needed.
func (c *payloadCodec) Decode(framed []byte) ([]byte, error) {
	if len(framed) < 1 {
		return nil, ErrBlobCorrupted
	}

	switch framed[0] {
	case encodingIdentity:
		payload := make([]byte, len(framed)-1)
		copy(payload, framed[1:])
		return payload, nil

	case encodingZstd:
		if len(framed) < 9 {
			return nil, ErrBlobCorrupted
		}
		size := binary.BigEndian.Uint64(framed[1:9])
		if size > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}

		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("archivedb: codec closed")
		}

		payload, err := dec.DecodeAll(framed[9:], make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBlobCorrupted, err)
		}
		if uint64(len(payload)) != size {
			return nil, ErrBlobCorrupted
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrBlobCorrupted, framed[0])
	}
}
