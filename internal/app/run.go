package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/melowod/internal/config"
	"github.com/MarcoPoloResearchLab/melowod/internal/triggers"
	"github.com/samber/do/v2"
	"go.uber.org/zap"
)

// Serve starts the scheduler and the HTTP server and blocks until ctx is done
// or the listener fails. The caller shuts the container down afterwards.
func Serve(ctx context.Context, injector do.Injector) error {
	cfg := do.MustInvoke[config.AppConfig](injector)
	logger := do.MustInvoke[*zap.Logger](injector)

	scheduler, err := do.Invoke[*triggers.Scheduler](injector)
	if err != nil {
		return err
	}
	httpServer, err := do.Invoke[*HTTPServerHandle](injector)
	if err != nil {
		return err
	}
	scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown tears the container down in reverse dependency order.
func Shutdown(injector *do.RootScope, logger *zap.Logger) {
	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Any("error", err))
	}
}
