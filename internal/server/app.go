// Package server wires the identity and session engine together and runs
// its gRPC endpoint alongside the ops HTTP endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/federation"
	"github.com/dmitrijs2005/gophauth/internal/server/gate"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/memory"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"github.com/dmitrijs2005/gophauth/internal/server/tokenstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	gs "github.com/dmitrijs2005/gophauth/internal/server/grpc"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config   *config.Config
	logger   logging.Logger
	registry *prometheus.Registry

	db      *sql.DB
	redis   *redis.Client
	manager repomanager.RepositoryManager

	Sessions   *services.SessionService
	Identities *services.IdentityService
	Recovery   *services.RecoveryService
	Store      tokenstore.Store
	Gate       *gate.Gate
}

// ParseLogLevel maps a config level name onto slog. Unknown names mean info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewApp opens storage, applies migrations and builds every service. Call
// Close when done.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	app := &App{config: c, logger: logger, registry: prometheus.NewRegistry()}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := app.openStorage(ctx); err != nil {
		app.Close()
		return nil, err
	}

	m := metrics.New(app.registry)
	issuer := auth.NewTokenIssuer(auth.IssuerConfig{
		AccessSecret:  []byte(c.AccessSecret),
		RefreshSecret: []byte(c.RefreshSecret),
		AccessExpiry:  c.AccessExpiry,
		RefreshExpiry: c.RefreshExpiry,
		Issuer:        c.Issuer,
		Audience:      c.Audience,
	}, nil)
	hasher := auth.NewBcryptHasher(c.BcryptCost)

	identityRepo := app.manager.Identities(app.db)
	app.Store = app.newTokenStore(issuer)

	app.Identities = services.NewIdentityService(identityRepo, logger, services.IdentityOptions{
		DefaultAvatarURL: c.DefaultAvatarURL,
	})
	app.Recovery = services.NewRecoveryService(identityRepo, hasher, app.Store, logger, services.RecoveryOptions{
		ResetTTL:        c.ResetTokenTTL,
		VerificationTTL: c.VerificationTokenTTL,
		Metrics:         m,
	})
	app.Sessions = services.NewSessionService(services.SessionDeps{
		Identities: identityRepo,
		Transactor: app.manager.Transactor(),
		Issuer:     issuer,
		Hasher:     hasher,
		Store:      app.Store,
		Reconciler: app.Identities,
		Recovery:   app.Recovery,
		Verifier:   federation.NewGoogleVerifier(c.GoogleUserInfoURL, nil),
		Logger:     logger,
		Metrics:    m,
	})
	app.Gate = gate.New(issuer, identityRepo, logger, m, nil)

	return app, nil
}

func (app *App) openStorage(ctx context.Context) error {
	if app.config.TokenStore == config.StoreMemory {
		app.logger.Warn(ctx, "using in-memory storage; nothing survives a restart")
		app.manager = memory.NewManager()
		return nil
	}

	db, err := repomanager.Open(ctx, app.config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	app.db = db

	um, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	if err := um.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	app.manager = um

	if app.config.TokenStore == config.StoreRedis {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     app.config.RedisAddr,
			Password: app.config.RedisPassword,
			DB:       app.config.RedisDB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis init error: %w", err)
		}
	}
	return nil
}

func (app *App) newTokenStore(issuer *auth.TokenIssuer) tokenstore.Store {
	opts := tokenstore.Options{RefreshExpiry: app.config.RefreshExpiry, Minter: issuer}
	if app.redis != nil {
		return tokenstore.NewRedisStore(app.redis, opts)
	}
	return tokenstore.NewSQLStore(app.manager.RefreshTokens(app.db), app.manager.Transactor(), opts)
}

// Manager exposes the repository manager for operator tooling.
func (app *App) Manager() repomanager.RepositoryManager {
	return app.manager
}

// DB is nil when the app runs on in-memory storage.
func (app *App) DB() *sql.DB {
	return app.db
}

// Close releases storage connections.
func (app *App) Close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		_ = app.db.Close()
	}
}

// Run serves until SIGINT/SIGTERM/SIGQUIT or until one server fails.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app.logger.Info(ctx, "Starting app...", "token_store", app.config.TokenStore)

	grpcServer := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger,
		[]grpc.UnaryServerInterceptor{gs.UnaryRequireAuth(app.Gate, gs.HealthCheckMethods...)},
	)
	opsServer := &http.Server{
		Addr:              app.config.EndpointAddrHTTP,
		Handler:           app.opsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcServer.Run(ctx)
	})

	g.Go(func() error {
		app.logger.Info(ctx, "Starting ops HTTP server", "address", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	app.logger.Info(context.Background(), "App stopped")
	return err
}

// ping reports whether storage answers.
func (app *App) ping(ctx context.Context) error {
	if app.db != nil {
		if err := app.db.PingContext(ctx); err != nil {
			return err
		}
	}
	if app.redis != nil {
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}
