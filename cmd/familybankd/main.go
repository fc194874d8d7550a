package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/family-bank/internal/api"
	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/config"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/principal"
	"github.com/example/family-bank/internal/security"
	"github.com/example/family-bank/internal/withdrawals"
	"github.com/example/family-bank/pkg/audit"
)

// sweeper is the actor recorded on scheduled maturations.
var sweeper = principal.Principal{ID: "system:maturity-sweep", Role: principal.RoleAdmin}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("familybankd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting familybankd", "environment", cfg.Environment, "storage", cfg.Storage)

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid IP_ALLOWLIST: %w", err)
	}
	trusted, err := security.ParseCIDRAllowlist(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}
	locker := newLocker(rdb, logger)

	keys, err := loadKeys(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	auditor := audit.NewChainLogger(logger.With("component", "audit"))

	ledgerSvc := ledger.NewService(st.ledger, locker,
		ledger.WithLogger(logger),
		ledger.WithDefaults(ledger.Defaults{
			CheckingRate:       cfg.Rates.Checking,
			SavingsRate:        cfg.Rates.Savings,
			CollegeSavingsRate: cfg.Rates.CollegeSavings,
			SavingsLockupDays:  cfg.Rates.SavingsLockupDays,
			PenaltyRate:        cfg.Rates.Penalty,
			CDPenaltyRate:      cfg.Rates.CDPenalty,
		}),
	)
	instrumentSvc := instruments.NewService(st.instruments, ledgerSvc, locker,
		instruments.WithLogger(logger), instruments.WithAudit(auditor))
	withdrawalSvc := withdrawals.NewService(st.withdrawals, ledgerSvc, locker,
		withdrawals.WithLogger(logger), withdrawals.WithAudit(auditor))

	directory := &auth.Directory{Users: st.users, Accounts: ledgerSvc}
	if cfg.BootstrapAdminEmail != "" {
		err := directory.EnsureUser(ctx, auth.NewUser{
			Email:    cfg.BootstrapAdminEmail,
			Password: cfg.BootstrapAdminPassword,
			Name:     "Administrator",
			Role:     principal.RoleAdmin,
		})
		if err != nil {
			return fmt.Errorf("failed to bootstrap administrator: %w", err)
		}
	}

	deps := api.Dependencies{
		Logger:         logger,
		Issuer:         &auth.Issuer{Users: st.users, Keys: keys, Issuer: cfg.JWTIssuer, AccessTokenTTL: cfg.TokenTTL},
		JWTValidator:   &auth.JWTValidator{KeySet: keys, Issuer: cfg.JWTIssuer},
		Directory:      directory,
		Ledger:         ledgerSvc,
		Instruments:    instrumentSvc,
		Withdrawals:    withdrawalSvc,
		Recurring:      st.recurring,
		Auditor:        auditor,
		IPAllowlist:    allowlist,
		TrustedProxies: trusted,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}
	if rdb != nil {
		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "familybank",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefill,
		}
	} else {
		logger.Warn("no REDIS_ADDR; rate limiting disabled")
	}

	router, err := api.NewRouter(deps)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	tlsSettings := security.TLSConfig{
		CertFile:          cfg.TLSCertFile,
		KeyFile:           cfg.TLSKeyFile,
		CAFile:            cfg.TLSClientCAFile,
		RequireClientAuth: cfg.TLSClientCAFile != "",
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if tlsSettings.Enabled() {
		if srv.TLSConfig, err = security.LoadServerTLSConfig(tlsSettings); err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
	}

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		logger.Info("family bank api listening", "addr", cfg.HTTPAddr, "tls", tlsSettings.Enabled())
		if tlsSettings.Enabled() {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		g.Go(func() error {
			ln, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("failed to listen for grpc: %w", err)
			}
			healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			logger.Info("grpc health listening", "addr", cfg.GRPCAddr)
			return grpcSrv.Serve(ln)
		})
	}

	if cfg.MaturitySweepInterval > 0 {
		g.Go(func() error {
			sweepMaturities(gctx, instrumentSvc, cfg.MaturitySweepInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sweepMaturities settles every CD whose term has ended, once per
// interval, until ctx is done.
func sweepMaturities(ctx context.Context, svc *instruments.Service, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			matured, err := svc.MatureDue(ctx, sweeper)
			if len(matured) > 0 {
				logger.Info("cds matured", "count", len(matured))
			}
			if err != nil {
				logger.Error("maturity sweep failed", "error", err)
			}
		}
	}
}
