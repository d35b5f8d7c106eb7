// Package retrypolicy decides whether a failed job step should be retried and when.
package retrypolicy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"gamedaylive/storage"
)

// Config holds the backoff parameters.
type Config struct {
	Base        time.Duration // First retry delay
	Max         time.Duration // Delay cap
	MaxAttempts int           // Retries allowed before giving up
	CounterTTL  time.Duration // How long an idle attempt counter survives
}

// DefaultConfig returns 60s doubling to 30m, five attempts, two hour counters.
func DefaultConfig() Config {
	return Config{
		Base:        time.Minute,
		Max:         30 * time.Minute,
		MaxAttempts: 5,
		CounterTTL:  2 * time.Hour,
	}
}

// Decision is the outcome of one failure.
type Decision struct {
	Delay   time.Duration
	Attempt int // 1-based attempt number just recorded, 0 when giving up
	Retry   bool
}

// Policy counts attempts per operation and key in the KV store.
type Policy struct {
	kv     storage.KV
	logger *slog.Logger
	cfg    Config
}

// New creates a retry policy.
func New(kv storage.KV, cfg Config, logger *slog.Logger) *Policy {
	return &Policy{kv: kv, cfg: cfg, logger: logger}
}

func counterKey(community, operation, key string) string {
	return fmt.Sprintf("%s:attempts:%s:%s", community, operation, key)
}

// Delay returns the backoff for the zero-based attempt n: min(base·2^n, max).
func (p *Policy) Delay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.cfg.Max,
	}
	b.Reset()
	d := b.NextBackOff()
	for range n {
		d = b.NextBackOff()
	}
	return d
}

// ShouldRetry records a failure and decides whether to retry. Once the ceiling
// is reached the counter is cleared and Retry is false.
func (p *Policy) ShouldRetry(ctx context.Context, community, operation, key string) (Decision, error) {
	ck := counterKey(community, operation, key)
	attempt, err := p.Attempts(ctx, community, operation, key)
	if err != nil {
		return Decision{}, err
	}

	if attempt >= p.cfg.MaxAttempts {
		if err := p.kv.Delete(ctx, ck); err != nil {
			return Decision{}, fmt.Errorf("clear attempt counter: %w", err)
		}
		p.logger.Warn("Retry ceiling reached, giving up",
			"community", community,
			"operation", operation,
			"key", key,
			"attempts", attempt)
		return Decision{Retry: false}, nil
	}

	delay := p.Delay(attempt)
	if err := p.kv.Set(ctx, ck, []byte(strconv.Itoa(attempt+1)), p.cfg.CounterTTL); err != nil {
		return Decision{}, fmt.Errorf("save attempt counter: %w", err)
	}
	p.logger.Info("Scheduling retry",
		"community", community,
		"operation", operation,
		"key", key,
		"attempt", attempt+1,
		"delay", delay.String())
	return Decision{Retry: true, Delay: delay, Attempt: attempt + 1}, nil
}

// Attempts returns the current failure count.
func (p *Policy) Attempts(ctx context.Context, community, operation, key string) (int, error) {
	data, err := p.kv.Get(ctx, counterKey(community, operation, key))
	if storage.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load attempt counter: %w", err)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		p.logger.Warn("Discarding corrupt attempt counter", "operation", operation, "key", key, "value", string(data))
		return 0, nil
	}
	return n, nil
}

// Reset clears the counter after a success.
func (p *Policy) Reset(ctx context.Context, community, operation, key string) error {
	if err := p.kv.Delete(ctx, counterKey(community, operation, key)); err != nil {
		return fmt.Errorf("reset attempt counter: %w", err)
	}
	return nil
}
