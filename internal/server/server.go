// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer: it connects handlers, middleware, and routes.
// It decides:
//   - which record store and blob store back the API (config driven)
//   - which URL patterns map to which handler functions
//   - what middleware runs on which routes
//   - how the server and the housekeeper start and stop
//
// DEPENDENCY INJECTION FLOW:
//
//	config → Store (sqlite|postgres), blob.Store (fs|s3)
//	       → TokenService, PasswordService, Guard
//	       → AuthService, CatService, media.Pipeline, Housekeeper
//	       → AuthHandler, CatHandler, MediaHandler → routes
//
// This is the "composition root" pattern: all dependencies are wired in
// one place (New/build), rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/kittygram/internal/auth"
	"github.com/sakif/kittygram/internal/authz"
	"github.com/sakif/kittygram/internal/blob"
	"github.com/sakif/kittygram/internal/blob/fsstore"
	"github.com/sakif/kittygram/internal/blob/s3store"
	"github.com/sakif/kittygram/internal/config"
	"github.com/sakif/kittygram/internal/handler"
	"github.com/sakif/kittygram/internal/media"
	"github.com/sakif/kittygram/internal/metrics"
	"github.com/sakif/kittygram/internal/middleware"
	"github.com/sakif/kittygram/internal/repository"
	"github.com/sakif/kittygram/internal/repository/postgres"
	sqliteRepo "github.com/sakif/kittygram/internal/repository/sqlite"
	"github.com/sakif/kittygram/internal/service"
)

// shutdownTimeout is how long in-flight requests get after a stop signal.
const shutdownTimeout = 30 * time.Second

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the record store. Start closes it on the way out so
// SQLite can flush its WAL and Postgres connections are returned.
type Server struct {
	router      *chi.Mux
	cfg         *config.Config
	logger      *slog.Logger
	store       repository.Store
	housekeeper *service.Housekeeper
}

// OpenStore connects to the configured record store and brings its schema
// up to date.
//
// IMPORT ALIAS:
// repository/sqlite is imported as `sqliteRepo` to avoid confusion with
// the sqlite driver package.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DSN, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		if cfg.DSN != ":memory:" {
			// os.MkdirAll creates all parent directories if needed (like `mkdir -p`).
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("server: creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("server: unknown database driver %q", cfg.Driver)
}

// OpenBlobStore returns the configured photo store.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Media.Backend {
	case "s3":
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "fs":
		store, err := fsstore.New(cfg.Media.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("server: unknown media backend %q", cfg.Media.Backend)
}

// New opens the configured stores and wires the server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	blobs, err := OpenBlobStore(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening media store: %w", err)
	}

	s, err := Build(cfg, logger, store, blobs)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// Build wires a server around stores that are already open. Tests use it
// with an in-memory SQLite database and an afero blob store.
func Build(cfg *config.Config, logger *slog.Logger, store repository.Store, blobs blob.Store) (*Server, error) {
	m := metrics.New()

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}
	passwords := auth.NewPasswordService(cfg.Auth.BcryptCost)

	guard, err := authz.NewGuard(store.Cats(), authz.Options{
		AllowAnonymousReads: cfg.Auth.AllowAnonymousReads,
		CacheSize:           cfg.Auth.OwnerCacheSize,
		Timeout:             cfg.Database.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating guard: %w", err)
	}

	opts := []service.Option{
		service.WithMetrics(m),
		service.WithStoreTimeout(cfg.Database.Timeout),
	}
	authService := service.NewAuthService(store.Users(), store.Revocations(), tokens, passwords, logger, opts...)
	catService := service.NewCatService(store.Cats(), guard, cfg.Media.BaseURL, logger, opts...)
	pipeline := media.NewPipeline(store.Cats(), store.Media(), blobs, guard, media.Config{
		MaxBytes:     cfg.Media.MaxUploadBytes,
		PutTimeout:   cfg.Media.PutTimeout,
		StoreTimeout: cfg.Database.Timeout,
		MaxRetries:   cfg.Media.MaxRetries,
		RetryBase:    cfg.Media.RetryBase,
	}, m, logger)
	housekeeper := NewHousekeeper(cfg, logger, store, blobs, m)

	var github *auth.GitHubProvider
	if cfg.Auth.GitHub.Enabled() {
		github = auth.NewGitHubProvider(cfg.Auth.GitHub.ClientID, cfg.Auth.GitHub.ClientSecret, cfg.Auth.GitHub.CallbackURL)
	}

	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		logger:      logger,
		store:       store,
		housekeeper: housekeeper,
	}
	s.routes(routeDeps{
		metrics:  m,
		authn:    authService,
		authH:    handler.NewAuthHandler(authService, github, logger),
		catH:     handler.NewCatHandler(catService, logger),
		mediaH:   handler.NewMediaHandler(pipeline, catService, blobs, logger),
		github:   github != nil,
		basePath: cfg.Media.BaseURL,
	})
	return s, nil
}

// NewHousekeeper builds the orphan/revocation sweeper from config. The gc
// command uses it without starting a server.
func NewHousekeeper(cfg *config.Config, logger *slog.Logger, store repository.Store, blobs blob.Store, m *metrics.Metrics) *service.Housekeeper {
	return service.NewHousekeeper(store.Media(), store.Revocations(), blobs, service.HousekeeperConfig{
		OrphanGrace: cfg.Media.OrphanGrace,
		Interval:    cfg.Media.GCInterval,
		BatchSize:   cfg.Media.GCBatchSize,
		BlobTimeout: cfg.Media.PutTimeout,
	}, logger, service.WithMetrics(m), service.WithStoreTimeout(cfg.Database.Timeout))
}

type routeDeps struct {
	metrics  *metrics.Metrics
	authn    auth.Authenticator
	authH    *handler.AuthHandler
	catH     *handler.CatHandler
	mediaH   *handler.MediaHandler
	github   bool
	basePath string
}

// routes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                    → liveness
//	GET    /metrics                    → Prometheus scrape
//	POST   /api/users                  → register
//	GET    /api/users/me               → current user          (auth)
//	POST   /api/users/set_password     → change password       (auth)
//	POST   /api/auth/token/login       → issue token
//	POST   /api/auth/token/logout      → revoke token          (auth)
//	GET    /auth/github/login|callback → GitHub sign-in        (when configured)
//	GET    /api/cats                   → list                  (optional auth)
//	POST   /api/cats                   → create                (auth)
//	GET    /api/cats/{id}              → get                   (optional auth)
//	PUT    /api/cats/{id}              → replace               (auth)
//	PATCH  /api/cats/{id}              → update                (auth)
//	DELETE /api/cats/{id}              → delete                (auth)
//	PUT    /api/cats/{id}/image        → upload photo          (auth)
//	GET    /media/*                    → stored photo
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns unique ID to each request (for tracing)
// 2. RealIP: extracts real client IP from proxy headers
// 3. Logger: logs each request with timing info
// 4. Metrics: counts requests by route pattern
// 5. Recoverer: catches panics and returns 500 instead of crashing
func (s *Server) routes(d routeDeps) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(d.metrics))
	s.router.Use(chimiddleware.Recoverer)

	requireAuth := auth.RequireAuth(d.authn, handler.WriteError)
	optionalAuth := auth.OptionalAuth(d.authn, handler.WriteError)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	s.router.Handle("/metrics", d.metrics.Handler())

	if d.github {
		s.router.Get("/auth/github/login", d.authH.HandleGitHubLogin)
		s.router.Get("/auth/github/callback", d.authH.HandleGitHubCallback)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/users", d.authH.HandleRegister)
		r.Post("/auth/token/login", d.authH.HandleTokenLogin)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/users/me", d.authH.HandleMe)
			r.Post("/users/set_password", d.authH.HandleSetPassword)
			r.Post("/auth/token/logout", d.authH.HandleTokenLogout)

			r.Post("/cats", d.catH.HandleCreate)
			r.Put("/cats/{id}", d.catH.HandleReplace)
			r.Patch("/cats/{id}", d.catH.HandleUpdate)
			r.Delete("/cats/{id}", d.catH.HandleDelete)
			r.Put("/cats/{id}/image", d.mediaH.HandleUpload)
		})

		r.Group(func(r chi.Router) {
			r.Use(optionalAuth)
			r.Get("/cats", d.catH.HandleList)
			r.Get("/cats/{id}", d.catH.HandleGetByID)
		})
	})

	// An absolute base URL means photos are served from elsewhere, such as
	// a CDN in front of the bucket.
	if !strings.HasPrefix(d.basePath, "http://") && !strings.HasPrefix(d.basePath, "https://") {
		if prefix := strings.Trim(d.basePath, "/"); prefix != "" {
			s.router.Get("/"+prefix+"/*", d.mediaH.HandleServe)
		}
	}
}

// Handler exposes the router, for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Housekeeper returns the sweeper Start runs in the background.
func (s *Server) Housekeeper() *service.Housekeeper {
	return s.housekeeper
}

// Start serves HTTP and runs the housekeeper until ctx is cancelled, then
// shuts both down.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s timeout)
//  3. Close the record store (flushes WAL, returns connections)
//
// errgroup ties the two loops together: if the listener fails, the
// group's context is cancelled and the housekeeper stops too.
func (s *Server) Start(ctx context.Context) error {
	defer s.store.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTP.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.HTTP.Port),
			slog.String("database", s.cfg.Database.Driver),
			slog.String("media", s.cfg.Media.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.housekeeper.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
