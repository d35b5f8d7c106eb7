// Package settings stores per-community configuration records.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gamedaylive/pkg/gameday"
	"gamedaylive/storage"
)

const keyPrefix = "config:"

// Store reads and writes community configs in the KV store.
type Store struct {
	kv      storage.KV
	logger  *slog.Logger
	now     func() time.Time
	allowed map[string]bool
}

// New creates a settings store.
func New(kv storage.KV, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger, now: time.Now}
}

// WithAllowed restricts Save to the listed communities. An empty list allows any.
func (s *Store) WithAllowed(communities []string) *Store {
	s.allowed = nil
	for _, c := range communities {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			if s.allowed == nil {
				s.allowed = make(map[string]bool)
			}
			s.allowed[c] = true
		}
	}
	return s
}

// Allowed reports whether community may be configured.
func (s *Store) Allowed(community string) bool {
	return s.allowed == nil || s.allowed[strings.ToLower(community)]
}

func key(community string) string {
	return keyPrefix + strings.ToLower(community)
}

// Get returns the community's config, or nil if none is saved.
func (s *Store) Get(ctx context.Context, community string) (*gameday.SubredditConfig, error) {
	var cfg gameday.SubredditConfig
	err := storage.GetJSON(ctx, s.kv, key(community), &cfg)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", community, err)
	}
	return &cfg, nil
}

// Save validates and stores cfg, returning the config it replaced (or nil).
func (s *Store) Save(ctx context.Context, cfg *gameday.SubredditConfig) (*gameday.SubredditConfig, error) {
	if !s.Allowed(cfg.Community) {
		s.logger.Warn("Config denied for unapproved community", "community", cfg.Community)
		return nil, fmt.Errorf("save config for %s: %w", cfg.Community, gameday.ErrCommunityNotAllowed)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	prev, err := s.Get(ctx, cfg.Community)
	if err != nil {
		return nil, err
	}
	cfg.UpdatedAt = s.now().UTC()
	if err := storage.SetJSON(ctx, s.kv, key(cfg.Community), cfg, 0); err != nil {
		return nil, fmt.Errorf("save config for %s: %w", cfg.Community, err)
	}
	s.logger.Info("Community config saved",
		"community", cfg.Community,
		"team", cfg.Team,
		"gameday_enabled", cfg.Gameday.Enabled,
		"postgame_enabled", cfg.Postgame.Enabled)
	return prev, nil
}

// Communities lists every community with a saved config.
func (s *Store) Communities(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, keyPrefix))
	}
	return out, nil
}
