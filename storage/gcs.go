package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS stores each key as one JSON object in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	now    func() time.Time
	bucket string
	prefix string // Object name prefix, e.g. "kv/"
}

// NewGCS creates a Cloud Storage backed store.
func NewGCS(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCS {
	return &GCS{
		client: client,
		logger: logger,
		now:    time.Now,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *GCS) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// do runs fn with retry. Not-found and precondition failures are final.
func (s *GCS) do(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		func() error {
			err := fn()
			if err != nil && (errors.Is(err, storage.ErrObjectNotExist) || isPreconditionFailed(err)) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", retryErr)
		}),
	)
}

// read returns the stored envelope and its object generation.
func (s *GCS) read(ctx context.Context, key string) (*envelope, int64, error) {
	var data []byte
	var gen int64
	err := s.do(ctx, "read", key, func() error {
		r, err := s.object(key).NewReader(ctx)
		if err != nil {
			return fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()
		gen = r.Attrs.Generation
		data, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read from storage: %w", err)
		}
		return nil
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("unmarshal envelope %s: %w", key, err)
	}
	return &env, gen, nil
}

// write stores the envelope, optionally under a precondition.
func (s *GCS) write(ctx context.Context, key string, env *envelope, cond *storage.Conditions) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.do(ctx, "write", key, func() error {
		obj := s.object(key)
		if cond != nil {
			obj = obj.If(*cond)
		}
		w := obj.NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
}

// Get returns the value at key.
func (s *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	env, _, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if env.expired(s.now()) {
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to delete expired object", "key", key, "error", err)
		}
		return nil, ErrNotFound
	}
	return env.Value, nil
}

// Set stores value at key.
func (s *GCS) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.write(ctx, key, newEnvelope(value, ttl, s.now()), nil); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	s.logger.Debug("Object saved", "key", key, "ttl", ttl.String())
	return nil
}

// SetNX creates the object with a DoesNotExist precondition.
// An expired object is replaced under a generation match so only one caller wins.
func (s *GCS) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	env := newEnvelope(value, ttl, s.now())
	err := s.write(ctx, key, env, &storage.Conditions{DoesNotExist: true})
	if err == nil {
		return true, nil
	}
	if !isPreconditionFailed(err) {
		return false, fmt.Errorf("create %s: %w", key, err)
	}

	cur, gen, err := s.read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Deleted between the create and the read; one more create decides it.
		err = s.write(ctx, key, env, &storage.Conditions{DoesNotExist: true})
		if isPreconditionFailed(err) {
			return false, nil
		}
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if !cur.expired(s.now()) {
		return false, nil
	}

	err = s.write(ctx, key, env, &storage.Conditions{GenerationMatch: gen})
	if isPreconditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replace expired %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the object. Missing objects are ignored.
func (s *GCS) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, "delete", key, func() error {
		return s.object(key).Delete(ctx)
	})
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Expire rewrites the object's expiry under a generation match.
func (s *GCS) Expire(ctx context.Context, key string, ttl time.Duration) error {
	env, gen, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if env.expired(s.now()) {
		return ErrNotFound
	}
	env.ExpiresAt = expiry(ttl, s.now())
	if err := s.write(ctx, key, env, &storage.Conditions{GenerationMatch: gen}); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Keys lists object names under the prefix. Expired objects are listed until
// the next Get removes them.
func (s *GCS) Keys(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: s.prefix + prefix,
	})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return keys, nil
}
