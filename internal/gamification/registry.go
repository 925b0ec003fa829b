package gamification

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const opRegistryNew = "gamification.registry.new"

// RegistryConfig holds the dependencies shared by every engine.
type RegistryConfig struct {
	Repository Repository
	Catalog    []Achievement
	Retry      retry.Policy
	Location   *time.Location
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Registry keeps one initialized engine per user.
type Registry struct {
	cfg     RegistryConfig
	mu      sync.RWMutex
	engines map[string]*Engine
	loads   singleflight.Group
}

// NewRegistry validates cfg and constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opRegistryNew, "missing_repository", errMissingRepository)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	return &Registry{cfg: cfg, engines: make(map[string]*Engine)}, nil
}

// Engine returns the user's engine, initializing it on first use. A failed
// initialization is not cached.
func (r *Registry) Engine(ctx context.Context, userID string) (*Engine, error) {
	r.mu.RLock()
	engine, ok := r.engines[userID]
	r.mu.RUnlock()
	if ok {
		return engine, nil
	}

	value, err, _ := r.loads.Do(userID, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.engines[userID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		created, err := NewEngine(EngineConfig{
			UserID:     userID,
			Repository: r.cfg.Repository,
			Catalog:    r.cfg.Catalog,
			Retry:      r.cfg.Retry,
			Location:   r.cfg.Location,
			Clock:      r.cfg.Clock,
			Logger:     r.cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		if err := created.Initialize(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.engines[userID] = created
		r.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Engine), nil
}

// Forget drops the cached engine so the next call reloads it from the store.
func (r *Registry) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, userID)
}

// Catalog returns the shared achievement catalog.
func (r *Registry) Catalog() []Achievement {
	return r.cfg.Catalog
}

// Len reports how many engines are loaded.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}
