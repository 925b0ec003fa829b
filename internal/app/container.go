// Package app wires every MeloWOD component into a samber/do container.
package app

import (
	"github.com/MarcoPoloResearchLab/melowod/internal/config"
	"github.com/samber/do/v2"
	"go.uber.org/zap"
)

// NewContainer registers every provider. Nothing is constructed until invoked,
// so one-shot commands only open what they use.
func NewContainer(cfg config.AppConfig, logger *zap.Logger) *do.RootScope {
	injector := do.New()
	if logger == nil {
		logger = zap.NewNop()
	}

	// Core infrastructure
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	do.Provide(injector, ProvideRetryPolicy)

	// Persistence
	do.Provide(injector, ProvideDatabase)
	do.Provide(injector, ProvideChangeFeed)
	do.Provide(injector, ProvideCache)
	do.Provide(injector, ProvideStore)
	do.Provide(injector, ProvideBucket)

	// Domain
	do.Provide(injector, ProvideEngineRegistry)
	do.Provide(injector, ProvideAggregator)

	// Identity
	do.Provide(injector, ProvideSessionValidator)
	do.Provide(injector, ProvideTokenIssuer)
	do.Provide(injector, ProvideUserService)

	// Triggers
	do.Provide(injector, ProvideEventBus)
	do.Provide(injector, ProvideScheduler)

	// Server
	do.Provide(injector, ProvideRateLimiter)
	do.Provide(injector, ProvideHTTPHandler)
	do.Provide(injector, ProvideHTTPServer)

	return injector
}
