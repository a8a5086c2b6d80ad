// Package docstore defines the durable whole-document store used for the
// credential pool, account records, and pending deliveries.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Stable document keys. Each key has exactly one in-process owner.
const (
	KeyCredentials = "credentials"
	KeyAccounts    = "accounts"
	KeyPending     = "pending_deliveries"
)

// ErrNotFound is returned by Load when no document exists at the key.
var ErrNotFound = errors.New("document not found")

// Store reads and writes opaque documents at stable keys.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, doc []byte) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the document at key into dst. It reports false when the
// document does not exist.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, err := s.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes doc and saves it at key.
func PutJSON(ctx context.Context, s Store, key string, doc any) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Save(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
