package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/aggregator"
	"github.com/MarcoPoloResearchLab/melowod/internal/auth"
	"github.com/MarcoPoloResearchLab/melowod/internal/cache"
	"github.com/MarcoPoloResearchLab/melowod/internal/changefeed"
	"github.com/MarcoPoloResearchLab/melowod/internal/gamification"
	"github.com/MarcoPoloResearchLab/melowod/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/melowod/internal/retry"
	"github.com/MarcoPoloResearchLab/melowod/internal/store"
	"github.com/MarcoPoloResearchLab/melowod/internal/triggers"
	"github.com/MarcoPoloResearchLab/melowod/internal/users"
	"github.com/MarcoPoloResearchLab/melowod/internal/wod"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testSigningSecret = "melowod-test-secret"

var fixedNow = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

type harness struct {
	handler    http.Handler
	store      *store.Store
	cache      *cache.Cache
	feed       *changefeed.Dispatcher
	engines    *gamification.Registry
	bus        *triggers.Bus
	aggregator *aggregator.Aggregator
	issuer     *auth.TokenIssuer
}

type harnessOptions struct {
	repository func(*store.Store) gamification.Repository
	limiter    Limiter
	heartbeat  time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(append(store.Models(), &users.Identity{})...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := func() time.Time { return fixedNow }
	feed := changefeed.NewDispatcher()
	documents, err := cache.Open(cache.Config{Watcher: feed, Clock: clock})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = documents.Close() })

	st, err := store.New(store.Config{
		Database:  db,
		Publisher: cache.WriteThrough{Cache: documents, Next: feed},
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	var repository gamification.Repository = st
	if opts.repository != nil {
		repository = opts.repository(st)
	}
	registry, err := gamification.NewRegistry(gamification.RegistryConfig{
		Repository: repository,
		Retry:      retry.NewPolicy(retry.Options{MaxAttempts: 1}),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	identities, err := users.NewService(users.ServiceConfig{
		Database: db,
		OnUserCreated: func(ctx context.Context, userID string) error {
			if err := st.EnsureUserStats(ctx, userID); err != nil {
				return err
			}
			_, err := st.EnsureProfile(ctx, userID)
			return err
		},
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("new users service: %v", err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("new session validator: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})

	agg, err := aggregator.New(aggregator.Config{Store: st, Clock: clock})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	bus := triggers.NewBus(triggers.BusConfig{
		Workers: 1,
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Clock:   clock,
	})
	bus.Subscribe(triggers.EventWodResultCreated, aggregator.HandlerStats, func(ctx context.Context, event triggers.Event) error {
		result, ok := event.Payload.(wod.Result)
		if !ok {
			t.Errorf("unexpected payload %T", event.Payload)
			return nil
		}
		_, err := agg.OnWodResultCreated(ctx, event.ID, result)
		return err
	})
	bus.Start()
	t.Cleanup(func() { _ = bus.Shutdown() })

	limiter := opts.limiter
	if limiter == nil {
		limiter = ratelimit.PerMinute(0, 0)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:  sessions,
		Users:     identities,
		Store:     st,
		Cache:     documents,
		Engines:   registry,
		Events:    bus,
		Limiter:   limiter,
		Version:   "test",
		Heartbeat: opts.heartbeat,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	return &harness{
		handler:    handler,
		store:      st,
		cache:      documents,
		feed:       feed,
		engines:    registry,
		bus:        bus,
		aggregator: agg,
		issuer:     issuer,
	}
}

func (h *harness) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := h.issuer.Issue(auth.Subject{Provider: "google", ID: subject, Email: subject + "@melowod.example"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

// drain waits for every published event to be handled.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	if err := h.bus.Shutdown(); err != nil {
		t.Fatalf("shutdown bus: %v", err)
	}
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
