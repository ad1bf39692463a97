// Command vaultd serves the auth endpoint, the identity gRPC service and the stream feed.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/vaultsync/internal/identity"
	"github.com/and161185/vaultsync/internal/lockout"
	"github.com/and161185/vaultsync/internal/migrate"
	"github.com/and161185/vaultsync/internal/realtime/pgfeed"
	"github.com/and161185/vaultsync/internal/repository/postgres"
	grpcserver "github.com/and161185/vaultsync/internal/server/grpc"
	httpserver "github.com/and161185/vaultsync/internal/server/http"
	"github.com/and161185/vaultsync/internal/service"
	"github.com/and161185/vaultsync/internal/settings"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := settings.LoadDotEnv(".env"); err != nil {
		panic(err)
	}
	cfg, err := settings.LoadServer()
	if err != nil {
		panic(err)
	}

	// Flags override the environment.
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address (auth endpoint, feed)")
	flag.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address (identity service)")
	flag.StringVar(&cfg.DSN, "dsn", cfg.DSN, "PostgreSQL DSN")
	flag.StringVar(&cfg.JWTKey, "jwt-key", cfg.JWTKey, "HS256 signing key (required)")
	flag.BoolVar(&cfg.Dev, "dev", cfg.Dev, "development logging and gRPC reflection")
	certFile := flag.String("tls-cert", "", "TLS certificate for gRPC (PEM); plaintext when empty")
	keyFile := flag.String("tls-key", "", "TLS private key for gRPC (PEM)")
	migrateDown := flag.Bool("migrate-down", false, "roll back the latest schema migration and exit")
	flag.Parse()

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
	)

	if cfg.JWTKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key or VAULTSYNC_JWT_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateDown {
		if err := migrate.Down(ctx, cfg.DSN); err != nil {
			logger.Fatal("migrate down", zap.Error(err))
		}
		logger.Info("rolled back one migration")
		return
	}

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer pool.Close()

	db := &postgres.DB{Pool: pool}
	users := postgres.NewUserRepo(db)
	resources := postgres.NewResourceRepo(db)

	guard := lockout.NewGuard(lockout.NewPG(pool), lockout.Options{
		MaxFailedAttempts: cfg.LockoutAttempts,
		LockoutDuration:   cfg.LockoutDuration,
		Logger:            logger.Named("lockout"),
	})
	defer guard.Stop()

	issuer := identity.NewIssuer([]byte(cfg.JWTKey), cfg.ExchangeTTL, cfg.SessionTTL)
	accounts := service.NewAccountService(users, issuer, guard, logger.Named("accounts"))
	feed := pgfeed.New(pgfeed.PoolAcquirer(pool), resources, logger.Named("feed"))

	// gRPC: identity + health
	opts := []grpc.ServerOption{
		grpcserver.UnaryChain(issuer, logger.Named("identity")),
	}
	if *certFile != "" {
		creds, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	gs := grpc.NewServer(opts...)
	grpcserver.Register(gs, grpcserver.New(issuer, accounts))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.Dev {
		reflection.Register(gs)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	hsrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.New(accounts, service.NewResourceService(resources), issuer, feed, logger.Named("http")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", *certFile != ""))
		errCh <- gs.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hsrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			gs.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}
