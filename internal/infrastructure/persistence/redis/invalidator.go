package redis

import (
	"context"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/pkg/logger"
)

// Invalidator evicts the keys an event makes stale in one batched delete.
type Invalidator struct {
	cache *Cache
	log   *logger.Logger
}

// NewInvalidator creates an Invalidator over cache.
func NewInvalidator(cache *Cache, log *logger.Logger) *Invalidator {
	if log == nil {
		log = logger.Nop()
	}
	return &Invalidator{cache: cache, log: log.With(logger.Component("cache_invalidator"))}
}

var _ progress.CacheInvalidator = (*Invalidator)(nil)

// Invalidate evicts the keys for event and reports whether the delete ran.
// A misconfigured event is a programmer error: it is logged at error level
// and nothing is evicted.
func (i *Invalidator) Invalidate(ctx context.Context, event cachekeys.Event, ids ...string) bool {
	keys, err := cachekeys.Keys(event, ids...)
	if err != nil {
		i.log.Error("invalid cache invalidation",
			logger.Event(event.String()),
			logger.Any("ids", ids),
			logger.Err(err),
		)
		return false
	}

	ok := i.cache.DeleteMany(ctx, keys...)
	i.log.Debug("cache invalidated",
		logger.Event(event.String()),
		logger.Any("keys", keys),
		logger.Bool("ok", ok),
	)
	return ok
}

// InvalidateByName resolves event by its wire name first. Unknown names
// return a configuration error instead of silently doing nothing.
func (i *Invalidator) InvalidateByName(ctx context.Context, name string, ids ...string) (bool, error) {
	event, err := cachekeys.ParseEvent(name)
	if err != nil {
		i.log.Error("unknown cache invalidation event", logger.Event(name), logger.Err(err))
		return false, err
	}
	if _, err := cachekeys.Keys(event, ids...); err != nil {
		i.log.Error("invalid cache invalidation", logger.Event(name), logger.Err(err))
		return false, err
	}
	return i.Invalidate(ctx, event, ids...), nil
}
