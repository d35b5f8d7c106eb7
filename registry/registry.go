// Package registry maintains the game↔post mapping and per-game job bookkeeping.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gamedaylive/pkg/gameday"
	"gamedaylive/storage"
)

// Registry is the thread registry backed by a KV store.
type Registry struct {
	kv     storage.KV
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration // Leak guard for records, refs and state markers
}

// New creates a registry whose entries expire after ttl.
func New(kv storage.KV, ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{kv: kv, logger: logger, now: time.Now, ttl: ttl}
}

// WithClock replaces the clock used for record timestamps.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func gamePrefix(community string) string {
	return community + ":game:"
}

func recordKey(community string, gameID int64, kind gameday.ThreadKind) string {
	return fmt.Sprintf("%s:game:%d:thread:%s", community, gameID, kind)
}

func postKey(community, postID string) string {
	return fmt.Sprintf("%s:post:%s", community, postID)
}

func handleKey(community string, kind gameday.JobKind, subject string) string {
	return fmt.Sprintf("%s:job:%s:%s", community, kind, subject)
}

func claimKey(community string, gameID int64, kind gameday.ThreadKind) string {
	return fmt.Sprintf("%s:game:%d:claim:%s", community, gameID, kind)
}

func stateKey(community string, gameID int64) string {
	return fmt.Sprintf("%s:game:%d:state", community, gameID)
}

// Link stores both directions of the mapping. If the second write fails the
// first is removed so no half-written link survives.
func (r *Registry) Link(ctx context.Context, community string, rec *gameday.ThreadRecord) error {
	if rec.PostID == "" || rec.GameID <= 0 || !rec.Kind.Valid() {
		return fmt.Errorf("link: incomplete record %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	if err := storage.SetJSON(ctx, r.kv, recordKey(community, rec.GameID, rec.Kind), rec, r.ttl); err != nil {
		return fmt.Errorf("link game to post: %w", err)
	}
	ref := gameday.PostRef{GameID: rec.GameID, Kind: rec.Kind}
	if err := storage.SetJSON(ctx, r.kv, postKey(community, rec.PostID), ref, r.ttl); err != nil {
		if delErr := r.kv.Delete(ctx, recordKey(community, rec.GameID, rec.Kind)); delErr != nil {
			r.logger.Error("Failed to undo partial link", "game_id", rec.GameID, "post_id", rec.PostID, "error", delErr)
		}
		return fmt.Errorf("link post to game: %w", err)
	}

	r.logger.Info("Thread linked", "community", community, "game_id", rec.GameID, "post_id", rec.PostID, "kind", rec.Kind)
	return nil
}

// SaveRecord rewrites an existing record, refreshing its expiry.
func (r *Registry) SaveRecord(ctx context.Context, community string, rec *gameday.ThreadRecord) error {
	if err := storage.SetJSON(ctx, r.kv, recordKey(community, rec.GameID, rec.Kind), rec, r.ttl); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	if err := r.kv.Expire(ctx, postKey(community, rec.PostID), r.ttl); err != nil && !storage.IsNotFound(err) {
		r.logger.Warn("Failed to refresh post ref expiry", "post_id", rec.PostID, "error", err)
	}
	return nil
}

// Unlink removes both directions of the mapping for a post. Unknown posts are ignored.
func (r *Registry) Unlink(ctx context.Context, community, postID string) error {
	ref, err := r.LookupByPost(ctx, community, postID)
	if err != nil {
		return err
	}
	if ref != nil {
		rec, err := r.LookupByGame(ctx, community, ref.GameID, ref.Kind)
		if err != nil {
			return err
		}
		// Only drop the game direction if it still points at this post.
		if rec != nil && rec.PostID == postID {
			if err := r.kv.Delete(ctx, recordKey(community, ref.GameID, ref.Kind)); err != nil {
				return fmt.Errorf("unlink game: %w", err)
			}
		}
	}
	if err := r.kv.Delete(ctx, postKey(community, postID)); err != nil {
		return fmt.Errorf("unlink post: %w", err)
	}
	return nil
}

// LookupByGame returns the record for a game and kind, or nil.
func (r *Registry) LookupByGame(ctx context.Context, community string, gameID int64, kind gameday.ThreadKind) (*gameday.ThreadRecord, error) {
	var rec gameday.ThreadRecord
	err := storage.GetJSON(ctx, r.kv, recordKey(community, gameID, kind), &rec)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by game: %w", err)
	}
	return &rec, nil
}

// LookupByPost returns the game and kind a post belongs to, or nil.
func (r *Registry) LookupByPost(ctx context.Context, community, postID string) (*gameday.PostRef, error) {
	var ref gameday.PostRef
	err := storage.GetJSON(ctx, r.kv, postKey(community, postID), &ref)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by post: %w", err)
	}
	return &ref, nil
}

// ActiveRecords lists every thread record stored for the community.
func (r *Registry) ActiveRecords(ctx context.Context, community string) ([]*gameday.ThreadRecord, error) {
	keys, err := r.kv.Keys(ctx, gamePrefix(community))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var out []*gameday.ThreadRecord
	for _, key := range keys {
		if !strings.Contains(key, ":thread:") {
			continue
		}
		var rec gameday.ThreadRecord
		if err := storage.GetJSON(ctx, r.kv, key, &rec); err != nil {
			if !storage.IsNotFound(err) {
				r.logger.Warn("Failed to load thread record", "key", key, "error", err)
			}
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Handle returns the job handle for kind and subject, or nil.
func (r *Registry) Handle(ctx context.Context, community string, kind gameday.JobKind, subject string) (*gameday.JobHandle, error) {
	var h gameday.JobHandle
	err := storage.GetJSON(ctx, r.kv, handleKey(community, kind, subject), &h)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job handle: %w", err)
	}
	return &h, nil
}

// SaveHandle stores h. The handle lives at least until its run time plus the registry ttl.
func (r *Registry) SaveHandle(ctx context.Context, community string, h *gameday.JobHandle) error {
	ttl := r.ttl
	if until := h.RunAt.Sub(r.now()); until > 0 && r.ttl > 0 {
		ttl += until
	}
	if err := storage.SetJSON(ctx, r.kv, handleKey(community, h.Kind, h.Subject), h, ttl); err != nil {
		return fmt.Errorf("save job handle: %w", err)
	}
	return nil
}

// DeleteHandle removes the handle for kind and subject.
func (r *Registry) DeleteHandle(ctx context.Context, community string, kind gameday.JobKind, subject string) error {
	if err := r.kv.Delete(ctx, handleKey(community, kind, subject)); err != nil {
		return fmt.Errorf("delete job handle: %w", err)
	}
	return nil
}

// Claim takes the per-game creation lock for kind. It returns false if another
// invocation holds it.
func (r *Registry) Claim(ctx context.Context, community string, gameID int64, kind gameday.ThreadKind, ttl time.Duration) (bool, error) {
	ok, err := r.kv.SetNX(ctx, claimKey(community, gameID, kind), []byte(r.now().UTC().Format(time.RFC3339)), ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s thread: %w", kind, err)
	}
	return ok, nil
}

// Release drops the creation lock.
func (r *Registry) Release(ctx context.Context, community string, gameID int64, kind gameday.ThreadKind) {
	if err := r.kv.Delete(ctx, claimKey(community, gameID, kind)); err != nil {
		r.logger.Warn("Failed to release claim", "game_id", gameID, "kind", kind, "error", err)
	}
}

// State returns the lifecycle state of a game.
func (r *Registry) State(ctx context.Context, community string, gameID int64) (gameday.LifecycleState, error) {
	data, err := r.kv.Get(ctx, stateKey(community, gameID))
	if storage.IsNotFound(err) {
		return gameday.StateUnscheduled, nil
	}
	if err != nil {
		return gameday.StateUnscheduled, fmt.Errorf("load state: %w", err)
	}
	return gameday.LifecycleState(data), nil
}

// SetState records the lifecycle state of a game. StateUnscheduled removes the marker.
func (r *Registry) SetState(ctx context.Context, community string, gameID int64, state gameday.LifecycleState) error {
	if state == gameday.StateUnscheduled {
		if err := r.kv.Delete(ctx, stateKey(community, gameID)); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
		return nil
	}
	if err := r.kv.Set(ctx, stateKey(community, gameID), []byte(state), r.ttl); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	r.logger.Debug("Lifecycle state changed", "community", community, "game_id", gameID, "state", state)
	return nil
}

// States returns the lifecycle state of every game with a marker.
func (r *Registry) States(ctx context.Context, community string) (map[int64]gameday.LifecycleState, error) {
	prefix := gamePrefix(community)
	keys, err := r.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	out := make(map[int64]gameday.LifecycleState)
	for _, key := range keys {
		idPart, ok := strings.CutSuffix(strings.TrimPrefix(key, prefix), ":state")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			continue
		}
		state, err := r.State(ctx, community, id)
		if err != nil {
			return nil, err
		}
		if state != gameday.StateUnscheduled {
			out[id] = state
		}
	}
	return out, nil
}
