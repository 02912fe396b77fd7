package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arklim/twofactor-service/internal/core/port"
	"github.com/arklim/twofactor-service/internal/infra/config"
	"github.com/arklim/twofactor-service/internal/infra/database"
	kafkainfra "github.com/arklim/twofactor-service/internal/infra/kafka"
	"github.com/arklim/twofactor-service/internal/infra/lock"
	"github.com/arklim/twofactor-service/internal/infra/logger"
	"github.com/arklim/twofactor-service/internal/infra/mail"
	redisinfra "github.com/arklim/twofactor-service/internal/infra/redis"
	"github.com/arklim/twofactor-service/internal/infra/security"
	"github.com/arklim/twofactor-service/internal/infra/telemetry"
	postgresrepo "github.com/arklim/twofactor-service/internal/repository/postgres"
	redisrepo "github.com/arklim/twofactor-service/internal/repository/redis"
	"github.com/arklim/twofactor-service/internal/transport/http/middleware"
	"github.com/arklim/twofactor-service/internal/transport/http/routes"
	"github.com/arklim/twofactor-service/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	producer *kafkainfra.Producer
	tracer   *telemetry.TracerProvider
	sessions *usecase.PendingLoginService
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &Application{cfg: cfg, logger: log}
	if err := a.build(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *Application) build(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}

	metrics, err := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}

	if err := security.ConfigureArgon2(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	}); err != nil {
		return fmt.Errorf("configure argon2: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pool = pool

	if cfg.Postgres.AutoMigrate {
		if err := database.Migrate(ctx, pool, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	a.redis = redisClient

	verifier, err := newTokenVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	mailer, err := mail.New(cfg.Mail, log)
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}

	events := a.eventPublisher()
	repos := postgresrepo.NewRepositories(pool)
	rdb := redisClient.Redis()

	var locker port.Locker
	if cfg.TwoFactor.LockBackend == "memory" {
		locker = lock.NewMemoryLocker()
	} else {
		locker = redisrepo.NewLockRepository(rdb, redisrepo.LockConfig{
			KeyPrefix: cfg.Redis.LockPrefix,
			Lease:     cfg.TwoFactor.CleanupLockTimeout * 5,
		})
	}

	records := usecase.NewAuthRecordService(repos.AuthRecords, repos.LegacySecrets, repos.Tx, events, log).WithMetrics(metrics)
	recovery := usecase.NewRecoveryCodeService(repos.AuthRecords, repos.Tx, security.NewArgon2Hasher(), events, log)
	limiter := usecase.NewLoginRateLimiter(repos.LoginAttempts, log)
	emails := usecase.NewEmailCodeService(
		redisrepo.NewEmailThrottleRepository(rdb, cfg.Redis.EmailPrefix),
		mailer,
		usecase.EmailCodeOptions{
			Period:   cfg.TwoFactor.EmailPeriod,
			Cooldown: cfg.TwoFactor.EmailCooldown,
			SiteName: cfg.Mail.SiteName,
		},
		log,
	).WithMetrics(metrics)
	sessions := usecase.NewPendingLoginService(repos.PendingLogins, repos.LoginLog, repos.Tx, locker, usecase.PendingLoginOptions{
		TTL:         cfg.TwoFactor.SessionTTL,
		BatchSize:   cfg.TwoFactor.CleanupBatchSize,
		LockTimeout: cfg.TwoFactor.CleanupLockTimeout,
	}, log).WithMetrics(metrics)
	a.sessions = sessions

	twoFactor := usecase.NewTwoFactorService(usecase.TwoFactorDependencies{
		Users:    repos.Users,
		Records:  records,
		Recovery: recovery,
		Sessions: sessions,
		Limiter:  limiter,
		Emails:   emails,
		Logs:     repos.LoginLog,
		Events:   events,
	}, usecase.TwoFactorPolicy{
		Enabled:       cfg.TwoFactor.Enabled,
		RequiredRoles: cfg.TwoFactor.RequiredRoles,
		AppPeriod:     cfg.TwoFactor.AppPeriod,
	}, log).WithMetrics(metrics)

	setup := usecase.NewSetupService(
		repos.Users,
		records,
		recovery,
		emails,
		redisrepo.NewSetupSecretRepository(rdb, cfg.Redis.SetupSecretPrefix),
		repos.Tx,
		usecase.SetupOptions{
			Issuer:    cfg.TwoFactor.Issuer,
			AppPeriod: cfg.TwoFactor.AppPeriod,
			SecretTTL: cfg.TwoFactor.SetupSecretTTL,
		},
		log,
	)

	if cfg.TwoFactor.MigrateOnStart {
		report, err := records.MigrateLegacySecrets(ctx, cfg.TwoFactor.CleanupBatchSize)
		if err != nil {
			return fmt.Errorf("migrate legacy secrets: %w", err)
		}
		log.Info("legacy secret migration finished",
			zap.Int("scanned", report.Scanned),
			zap.Int64("migrated", report.Migrated),
			zap.Int("skipped", report.Skipped),
		)
	}

	windowTTL := cfg.RateLimit.WindowDuration * 2
	if windowTTL <= 0 {
		windowTTL = 2 * time.Minute
	}
	requestWindows := redisrepo.NewRequestWindowRepository(rdb, redisrepo.SlidingWindowConfig{
		KeyPrefix: cfg.Redis.KeyPrefix + ":requests",
		TTL:       windowTTL,
	})

	a.engine = routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: middleware.NewRateLimiter(requestWindows, log),
		Metrics:     httpMetrics,
		TwoFactor:   twoFactor,
		Setup:       setup,
		Verifier:    verifier,
		Database:    pool,
		Cache:       redisClient,
	})
	return nil
}

func (a *Application) eventPublisher() port.EventPublisher {
	if !a.cfg.Kafka.Enabled || len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Info("kafka disabled, using stub publisher")
		return kafkainfra.NewStubPublisher(a.logger)
	}
	producer, err := kafkainfra.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		a.logger.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
		return kafkainfra.NewStubPublisher(a.logger)
	}
	a.producer = producer
	return kafkainfra.NewEventPublisher(producer, a.cfg.App, a.logger)
}

// Run serves HTTP and sweeps expired pending logins until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer a.close(context.Background())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting two-factor API",
			zap.String("env", a.cfg.App.Env),
			zap.String("address", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.sweepPendingLogins(gctx)
		return nil
	})

	return g.Wait()
}

func (a *Application) sweepPendingLogins(ctx context.Context) {
	interval := a.cfg.TwoFactor.CleanupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.sessions.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("scheduled pending login cleanup failed", zap.Error(err))
			}
		}
	}
}

func (a *Application) close(ctx context.Context) {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("shutdown tracer", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newTokenVerifier(cfg config.AuthSettings) (*security.AccessTokenVerifier, error) {
	opts := security.VerifierOptions{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
	}
	if cfg.JWTPublicKeyPath != "" {
		key, err := security.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, err
		}
		opts.PublicKey = key
	}
	return security.NewAccessTokenVerifier(opts)
}
