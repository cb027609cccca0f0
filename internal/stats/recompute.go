package stats

import (
	"context"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Cache interface {
	Get(ctx context.Context, queueID string) (Stats, bool, error)
	Set(ctx context.Context, stats Stats) error
}

// Recomputer serves queue stats from the cache and collapses concurrent
// recomputations for the same queue into one store read.
type Recomputer struct {
	loader   store.QueueReader
	cache    Cache
	group    singleflight.Group
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRecomputer accepts a nil cache.
func NewRecomputer(loader store.QueueReader, cache Cache, location *time.Location, logger zerolog.Logger) *Recomputer {
	if location == nil {
		location = time.UTC
	}
	return &Recomputer{
		loader:   loader,
		cache:    cache,
		location: location,
		now:      time.Now,
		logger:   logger.With().Str("component", "stats").Logger(),
	}
}

// WithClock replaces the clock used to pick the current day.
func (r *Recomputer) WithClock(now func() time.Time) *Recomputer {
	r.now = now
	return r
}

func (r *Recomputer) Get(ctx context.Context, queueID string) (Stats, error) {
	if r.cache != nil {
		cached, ok, err := r.cache.Get(ctx, queueID)
		if err != nil {
			r.logger.Warn().Err(err).Str("queue_id", queueID).Msg("stats cache read failed")
		} else if ok {
			return cached, nil
		}
	}
	return r.Recompute(ctx, queueID)
}

// Recompute bypasses the cache read and refreshes the cached value.
func (r *Recomputer) Recompute(ctx context.Context, queueID string) (Stats, error) {
	value, err, _ := r.group.Do(queueID, func() (interface{}, error) {
		if _, err := r.loader.GetQueue(ctx, queueID); err != nil {
			return Stats{}, err
		}
		tokens, err := r.loader.ListTokens(ctx, queueID, models.StartOfDay(r.now(), r.location))
		if err != nil {
			return Stats{}, err
		}
		result := Compute(queueID, tokens)
		r.Publish(ctx, result)
		return result, nil
	})
	if err != nil {
		return Stats{}, err
	}
	return value.(Stats), nil
}

// Refresh recomputes after a write. A recomputation already in flight may
// have read the rows before the write, so it is not shared.
func (r *Recomputer) Refresh(ctx context.Context, queueID string) {
	r.group.Forget(queueID)
	if _, err := r.Recompute(ctx, queueID); err != nil {
		r.logger.Warn().Err(err).Str("queue_id", queueID).Msg("stats refresh failed")
	}
}

// Publish stores stats computed elsewhere, such as from a live snapshot.
func (r *Recomputer) Publish(ctx context.Context, result Stats) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, result); err != nil {
		r.logger.Warn().Err(err).Str("queue_id", result.QueueID).Msg("stats cache write failed")
	}
}
