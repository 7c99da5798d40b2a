package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// GetObject loads a CBOR-encoded value into v. It reports false when the
// key does not exist.
func GetObject(ctx context.Context, s Store, bucket, key string, v any) (bool, error) {
	data, err := s.Get(ctx, bucket, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// PutObject stores v CBOR-encoded.
func PutObject(ctx context.Context, s Store, bucket, key string, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(ctx, bucket, key, data)
}
