// Package storage provides the durable key/value store with expiring entries.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// KV is a durable key/value store whose entries may expire.
// A ttl of zero means the entry never expires.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes the value only if the key is absent or expired, atomically.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// IsNotFound checks if an error indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// GetJSON loads the value at key into v.
func GetJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// SetJSON stores v at key.
func SetJSON(ctx context.Context, kv KV, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Set(ctx, key, data, ttl)
}

// envelope wraps values in backends without native expiry.
type envelope struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Value     []byte     `json:"value"`
}

func newEnvelope(value []byte, ttl time.Duration, now time.Time) *envelope {
	env := &envelope{Value: value}
	if ttl > 0 {
		exp := now.Add(ttl)
		env.ExpiresAt = &exp
	}
	return env
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func expiry(ttl time.Duration, now time.Time) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}
