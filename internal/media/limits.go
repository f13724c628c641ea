package media

import (
	"fmt"
	"io"
)

const (
	// DefaultMaxBytes is the per-attachment limit when none is configured.
	DefaultMaxBytes int64 = 20 * 1024 * 1024
)

// ReadAllWithLimit reads from reader and rejects payloads larger than maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	limited := &io.LimitedReader{
		R: reader,
		N: maxBytes + 1,
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}

// EffectiveMaxBytes returns configured when positive, else DefaultMaxBytes.
func EffectiveMaxBytes(configured int64) int64 {
	if configured > 0 {
		return configured
	}
	return DefaultMaxBytes
}
