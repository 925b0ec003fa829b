package cache

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/melowod/internal/changefeed"
	"go.uber.org/zap"
)

// ChangePublisher forwards committed changes. *changefeed.Dispatcher satisfies it.
type ChangePublisher interface {
	Publish(change changefeed.Change)
}

// WriteThrough refreshes the cached copy of every committed document before
// forwarding the change, so readers never see an older version than subscribers.
type WriteThrough struct {
	Cache *Cache
	Next  ChangePublisher
}

// Publish stores change.Data under change.Path and then forwards change.
func (w WriteThrough) Publish(change changefeed.Change) {
	if w.Cache != nil {
		if err := w.Cache.Set(context.Background(), change.Path, change.Data, SetOptions{}); err != nil {
			w.Cache.logger.Warn("cache write-through failed", zap.String("key", change.Path), zap.Error(err))
			// A half-written entry must not outlive the commit it missed.
			if _, invalidateErr := w.Cache.Invalidate(context.Background(), Exact(change.Path)); invalidateErr != nil && !errors.Is(invalidateErr, ErrClosed) {
				w.Cache.logger.Warn("cache invalidation failed", zap.String("key", change.Path), zap.Error(invalidateErr))
			}
		}
	}
	if w.Next != nil {
		w.Next.Publish(change)
	}
}
