package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic number, little endian
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Compressed wraps a Backend and stores values as zstd frames. Values that
// were written uncompressed are returned as-is, so compression can be turned
// on for an existing store.
type Compressed struct {
	Backend
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressed wraps backend with zstd compression
func NewCompressed(backend Backend) (*Compressed, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &Compressed{Backend: backend, encoder: encoder, decoder: decoder}, nil
}

// Get decompresses the stored value
func (c *Compressed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode %s: %w", key, err)
	}
	return out, nil
}

// Put compresses and stores a value
func (c *Compressed) Put(ctx context.Context, key string, value []byte) error {
	return c.Backend.Put(ctx, key, c.encoder.EncodeAll(value, nil))
}

// PutIfAbsent compresses and conditionally stores a value
func (c *Compressed) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.Backend.PutIfAbsent(ctx, key, c.encoder.EncodeAll(value, nil), ttl)
}

// DeleteIfEqual compares the decompressed value and deletes the stored
// frame only while it is unchanged
func (c *Compressed) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	raw, err := c.Backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value := raw
	if bytes.HasPrefix(raw, zstdMagic) {
		if value, err = c.decoder.DecodeAll(raw, nil); err != nil {
			return false, fmt.Errorf("zstd decode %s: %w", key, err)
		}
	}
	if !bytes.Equal(value, expected) {
		return false, nil
	}
	return DeleteIfEqual(ctx, c.Backend, key, raw)
}

// Close releases the codec and the wrapped backend
func (c *Compressed) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.Backend.Close()
}
