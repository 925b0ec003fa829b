package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/aggregator"
	"github.com/MarcoPoloResearchLab/melowod/internal/apperrors"
	"github.com/MarcoPoloResearchLab/melowod/internal/auth"
	"github.com/MarcoPoloResearchLab/melowod/internal/blob"
	"github.com/MarcoPoloResearchLab/melowod/internal/cache"
	"github.com/MarcoPoloResearchLab/melowod/internal/changefeed"
	"github.com/MarcoPoloResearchLab/melowod/internal/config"
	"github.com/MarcoPoloResearchLab/melowod/internal/database"
	"github.com/MarcoPoloResearchLab/melowod/internal/gamification"
	"github.com/MarcoPoloResearchLab/melowod/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/melowod/internal/retry"
	"github.com/MarcoPoloResearchLab/melowod/internal/server"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/triggers"
	"github.com/MarcoPoloResearchLab/melowod/internal/users"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"github.com/samber/do/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout = 10 * time.Second

	handlerUserDefaults = "user_defaults"
	jobDailyRankings    = "calculate_daily_rankings"
	jobCleanupFiles     = "cleanup_old_files"

	opResultCreated = "app.on_wod_result_created"
	opUserCreated   = "app.on_user_created"
)

// DatabaseHandle closes the SQLite pool on shutdown.
type DatabaseHandle struct {
	*gorm.DB
}

// Shutdown implements do.ShutdownerWithError.
func (h *DatabaseHandle) Shutdown() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ProvideDatabase opens and migrates the SQLite database.
func ProvideDatabase(i do.Injector) (*DatabaseHandle, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	logger := do.MustInvoke[*zap.Logger](i)

	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	return &DatabaseHandle{DB: db}, nil
}

// ProvideRetryPolicy builds the policy remote writes run under.
func ProvideRetryPolicy(i do.Injector) (retry.Policy, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	return retry.NewPolicy(retry.Options{
		MaxAttempts:   cfg.RetryMaxAttempts,
		Delay:         cfg.RetryDelay,
		BackoffFactor: cfg.RetryBackoffFactor,
	}), nil
}

// ProvideChangeFeed provides the document change dispatcher.
func ProvideChangeFeed(i do.Injector) (*changefeed.Dispatcher, error) {
	return changefeed.NewDispatcher(), nil
}

// ProvideCache opens the two-tier document cache.
func ProvideCache(i do.Injector) (*cache.Cache, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	logger := do.MustInvoke[*zap.Logger](i)
	feed := do.MustInvoke[*changefeed.Dispatcher](i)

	documents, err := cache.Open(cache.Config{
		Path:          cfg.CachePath,
		MemoryEntries: cfg.CacheMemoryEntries,
		DefaultTTL:    cfg.CacheDefaultTTL,
		Version:       cfg.AppVersion,
		Watcher:       feed,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("cache opened", zap.String("path", cfg.CachePath), zap.String("version", cfg.AppVersion))
	return documents, nil
}

// ProvideStore provides the document store. Committed changes refresh the
// cache before they reach live subscribers.
func ProvideStore(i do.Injector) (*store.Store, error) {
	db := do.MustInvoke[*DatabaseHandle](i)
	documents := do.MustInvoke[*cache.Cache](i)
	feed := do.MustInvoke[*changefeed.Dispatcher](i)
	logger := do.MustInvoke[*zap.Logger](i)

	return store.New(store.Config{
		Database:  db.DB,
		Publisher: cache.WriteThrough{Cache: documents, Next: feed},
		Logger:    logger,
	})
}

// ProvideBucket opens the upload bucket.
func ProvideBucket(i do.Injector) (*blob.Bucket, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	return blob.Open(cfg.BlobPath)
}

// ProvideEngineRegistry provides the per-user gamification engines.
func ProvideEngineRegistry(i do.Injector) (*gamification.Registry, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	st := do.MustInvoke[*store.Store](i)
	policy := do.MustInvoke[retry.Policy](i)
	logger := do.MustInvoke[*zap.Logger](i)

	return gamification.NewRegistry(gamification.RegistryConfig{
		Repository: st,
		Retry:      policy,
		Location:   cfg.Timezone,
		Logger:     logger,
	})
}

// ProvideAggregator provides the server-side statistics jobs.
func ProvideAggregator(i do.Injector) (*aggregator.Aggregator, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	st := do.MustInvoke[*store.Store](i)
	bucket := do.MustInvoke[*blob.Bucket](i)
	logger := do.MustInvoke[*zap.Logger](i)

	return aggregator.New(aggregator.Config{
		Store:         st,
		Bucket:        bucket,
		Location:      cfg.Timezone,
		RetentionDays: cfg.BlobRetentionDays,
		Logger:        logger,
	})
}

// ProvideSessionValidator provides the session token validator.
func ProvideSessionValidator(i do.Injector) (*auth.SessionValidator, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	return auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        cfg.AuthIssuer,
		CookieName:    cfg.AuthCookieName,
	})
}

// ProvideTokenIssuer provides the development session token issuer.
func ProvideTokenIssuer(i do.Injector) (*auth.TokenIssuer, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        cfg.AuthIssuer,
		TokenTTL:      cfg.AuthTokenTTL,
	}), nil
}

// ProvideUserService provides identity resolution. A new user gets a default
// stats document before the first request completes; the user created event
// initializes the rest.
func ProvideUserService(i do.Injector) (*users.Service, error) {
	db := do.MustInvoke[*DatabaseHandle](i)
	st := do.MustInvoke[*store.Store](i)
	bus := do.MustInvoke[*triggers.Bus](i)
	logger := do.MustInvoke[*zap.Logger](i)

	return users.NewService(users.ServiceConfig{
		Database: db.DB,
		OnUserCreated: func(ctx context.Context, userID string) error {
			if err := st.EnsureUserStats(ctx, userID); err != nil {
				return err
			}
			if _, err := bus.Publish(triggers.EventUserCreated, store.StatsPath(userID), userID); err != nil {
				logger.Warn("user created event not published", zap.String("user_id", userID), zap.Error(err))
			}
			return nil
		},
		Logger: logger,
	})
}

// ProvideEventBus starts the trigger bus with every server-side handler registered.
func ProvideEventBus(i do.Injector) (*triggers.Bus, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	st := do.MustInvoke[*store.Store](i)
	agg := do.MustInvoke[*aggregator.Aggregator](i)
	logger := do.MustInvoke[*zap.Logger](i)

	bus := triggers.NewBus(triggers.BusConfig{
		Workers:       cfg.TriggerWorkers,
		MaxDeliveries: cfg.TriggerMaxDeliveries,
		Logger:        logger,
	})
	bus.Subscribe(triggers.EventWodResultCreated, aggregator.HandlerStats, ResultCreatedHandler(agg))
	bus.Subscribe(triggers.EventUserCreated, handlerUserDefaults, UserCreatedHandler(st))
	bus.Start()
	return bus, nil
}

// ResultCreatedHandler folds created results into the author's stats.
func ResultCreatedHandler(agg *aggregator.Aggregator) triggers.Handler {
	return func(ctx context.Context, event triggers.Event) error {
		result, ok := event.Payload.(wod.Result)
		if !ok {
			return apperrors.Validation(opResultCreated, fmt.Sprintf("unexpected payload %T", event.Payload))
		}
		_, err := agg.OnWodResultCreated(ctx, event.ID, result)
		return err
	}
}

// UserCreatedHandler default-initializes the documents of a new user.
func UserCreatedHandler(st *store.Store) triggers.Handler {
	return func(ctx context.Context, event triggers.Event) error {
		userID, ok := event.Payload.(string)
		if !ok || userID == "" {
			return apperrors.Validation(opUserCreated, fmt.Sprintf("unexpected payload %T", event.Payload))
		}
		if err := st.EnsureUserStats(ctx, userID); err != nil {
			return err
		}
		_, err := st.EnsureProfile(ctx, userID)
		return err
	}
}

// ProvideScheduler registers the daily rankings and weekly cleanup jobs. The
// scheduler is idle until started.
func ProvideScheduler(i do.Injector) (*triggers.Scheduler, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	agg := do.MustInvoke[*aggregator.Aggregator](i)
	logger := do.MustInvoke[*zap.Logger](i)

	scheduler := triggers.NewScheduler(triggers.SchedulerConfig{Logger: logger})
	if err := scheduler.Add(triggers.Job{
		Name:     jobDailyRankings,
		Schedule: triggers.Daily(cfg.RankingsAt, cfg.Timezone),
		Run: func(ctx context.Context, scheduledAt time.Time) error {
			_, err := agg.CalculateDailyRankings(ctx, scheduledAt)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if err := scheduler.Add(triggers.Job{
		Name:     jobCleanupFiles,
		Schedule: triggers.Weekly(time.Sunday, cfg.CleanupAt, cfg.Timezone),
		Run: func(ctx context.Context, scheduledAt time.Time) error {
			report, err := agg.CleanupOldFiles(ctx, scheduledAt)
			if err != nil {
				return err
			}
			return report.Err
		},
	}); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// ProvideRateLimiter limits result logging per user.
func ProvideRateLimiter(i do.Injector) (*ratelimit.KeyedRateLimiter, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	return ratelimit.PerMinute(cfg.ResultsPerMinute, 0), nil
}

// ProvideHTTPHandler builds the gin handler.
func ProvideHTTPHandler(i do.Injector) (http.Handler, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	logger := do.MustInvoke[*zap.Logger](i)

	return server.NewHTTPHandler(server.Dependencies{
		Sessions: do.MustInvoke[*auth.SessionValidator](i),
		Users:    do.MustInvoke[*users.Service](i),
		Store:    do.MustInvoke[*store.Store](i),
		Cache:    do.MustInvoke[*cache.Cache](i),
		Engines:  do.MustInvoke[*gamification.Registry](i),
		Events:   do.MustInvoke[*triggers.Bus](i),
		Limiter:  do.MustInvoke[*ratelimit.KeyedRateLimiter](i),
		Version:  cfg.AppVersion,
		Logger:   logger,
	})
}

// HTTPServerHandle wraps http.Server with graceful shutdown.
type HTTPServerHandle struct {
	*http.Server
}

// Shutdown implements do.ShutdownerWithError.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the HTTP server; it is not listening yet.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[config.AppConfig](i)
	handler := do.MustInvoke[http.Handler](i)

	return &HTTPServerHandle{Server: &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}, nil
}
