package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/redisdurable"
	"github.com/sgrastar/authrim/internal/authcode"
	"github.com/sgrastar/authrim/internal/challenge"
	"github.com/sgrastar/authrim/internal/ciba"
	"github.com/sgrastar/authrim/internal/claims"
	"github.com/sgrastar/authrim/internal/config"
	"github.com/sgrastar/authrim/internal/devicecode"
	"github.com/sgrastar/authrim/internal/keymanager"
	"github.com/sgrastar/authrim/internal/opserver"
	"github.com/sgrastar/authrim/internal/rdbms"
	"github.com/sgrastar/authrim/internal/refresh"
	"github.com/sgrastar/authrim/internal/session"
	"github.com/sgrastar/authrim/internal/shard"
	"github.com/sgrastar/authrim/pkg/log"
)

type serveOptions struct {
	config string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] config.toml",
		Short:   "Launch the provider",
		Example: "authrim serve config.toml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			options.config = args[0]
			return runServe(options)
		},
	}
	return cmd
}

// newLogger builds the logrus-backed log.Logger every actor and HTTP
// handler logs through, mirroring dex's cmd/dex/logger.go level/format
// knobs adapted to this module's logrus adapter (pkg/log) instead of
// dex's slog-based logger.
func newLogger(level, format string) (log.Logger, error) {
	l := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.SetLevel(parsed)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log.NewLogrusLogger(l), nil
}

// connectRedis dials the configured Redis instance, or, when none is
// configured, starts an embedded miniredis server for single-process
// development use so redisdurable and the rate limiter always have a real
// Redis protocol endpoint to talk to.
func connectRedis(cfg config.StorageConfig, logger log.Logger) (redis.UniversalClient, func(), error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse storage.redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		return client, func() { _ = client.Close() }, nil
	}

	logger.Warn("storage.redis_url not set: starting an embedded miniredis instance for development use")
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded miniredis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() { _ = client.Close(); mr.Close() }, nil
}

// actorName computes the single-shard, single-tenant instance name for one
// of this process's durable actors, via the same deterministic routing
// function (internal/shard) every sharded identifier is resolved through.
// A standalone deployment owns exactly one shard per kind (shard 0,
// generation 0); a horizontally sharded deployment would instead resolve
// KeyMaterial per request through shard.InstanceName.
func actorName(tenant, kind string) string {
	return shard.InstanceName(shard.Key{Tenant: tenant, Kind: kind, KeyMaterial: "singleton", Generation: 0, ShardCount: 1})
}

func runServe(options serveOptions) error {
	cfg, err := config.Load(options.config)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", options.config, err)
	}

	logger, err := newLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Infof("config issuer: %s", cfg.Issuer)

	telemetry, err := newTelemetry()
	if err != nil {
		return fmt.Errorf("failed to register prometheus collectors: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, closeRedis, err := connectRedis(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer closeRedis()

	const tenant = "default"
	durable := func(kind string) actorstore.Durable {
		return redisdurable.New(redisClient, actorName(tenant, kind))
	}

	sessionActor := actorstore.New(actorName(tenant, "session"), durable("session"), logger, session.NewState)
	sessionStore := session.New(sessionActor, 0, time.Now)

	codesActor := actorstore.New(actorName(tenant, "authcode"), durable("authcode"), logger, authcode.NewState)
	codesStore := authcode.New(codesActor, time.Now, cfg.Tokens.AllowPlainPKCE)

	refreshActor := actorstore.New(actorName(tenant, "refresh"), durable("refresh"), logger, refresh.NewState)
	refreshRotator := refresh.New(refreshActor, time.Now, 0, 0)

	keysActor := actorstore.New(actorName(tenant, "keys"), durable("keys"), logger, keymanager.NewState)
	keyManager := keymanager.New(keysActor, keymanager.Config{
		RotationInterval: cfg.Keys.RotationInterval,
		RetentionPeriod:  cfg.Keys.RetentionPeriod,
	}, time.Now, logger)

	parActor := actorstore.New(actorName(tenant, "par"), durable("par"), logger, challenge.NewState[opserver.PARRequest])
	parStore := challenge.New[opserver.PARRequest](parActor, "par", time.Now)

	consentActor := actorstore.New(actorName(tenant, "consent"), durable("consent"), logger, challenge.NewState[opserver.ConsentGrant])
	consentStore := challenge.New[opserver.ConsentGrant](consentActor, "consent", time.Now)

	dpopActor := actorstore.New(actorName(tenant, "dpop"), durable("dpop"), logger, challenge.NewDPoPState)
	dpopStore := challenge.NewDPoPJTIStore(dpopActor, time.Now)

	revokedActor := actorstore.New(actorName(tenant, "revocation"), durable("revocation"), logger, challenge.NewRevocationState)
	revokedStore := challenge.NewTokenRevocationStore(revokedActor, time.Now)

	rateLimiter := challenge.NewRateLimiterCounter(redisClient, fmt.Sprintf("authrim:ratelimit:%s", tenant))

	deviceActor := actorstore.New(actorName(tenant, "devicecode"), durable("devicecode"), logger, devicecode.NewState)
	deviceStore := devicecode.New(deviceActor, time.Now)

	cibaActor := actorstore.New(actorName(tenant, "ciba"), durable("ciba"), logger, ciba.NewState)
	cibaStore := ciba.New(cibaActor, time.Now)

	shardConfigActor := actorstore.New(actorName(tenant, "shard-config-refresh"), durable("shard-config-refresh"), logger,
		shard.NewConfigState(cfg.Sharding.RefreshTokenShardCount))
	cachedShardConfig := shard.NewCachedConfig(shard.NewConfig(shardConfigActor), cfg.Sharding.ShardCacheTTL, time.Now)

	db, err := sqlx.Connect("postgres", cfg.Storage.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	applied, err := rdbms.Migrate(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Infof("applied %d pending migrations", applied)

	clients := rdbms.NewClientRegistry(db)
	audit := rdbms.NewAuditLog(db)
	profiles := rdbms.NewProfileStore(db)

	var authorizer *claims.Authorizer
	if len(cfg.Claims.Policies) > 0 {
		authorizer, err = claims.New(claims.Config{Policies: cfg.Claims.Policies})
		if err != nil {
			return fmt.Errorf("failed to compile claims policies: %w", err)
		}
	}

	srv, err := opserver.New(opserver.Deps{
		Logger: logger,

		IssuerURL: cfg.Issuer,

		Keys:     keyManager,
		Sessions: sessionStore,
		Codes:    codesStore,
		Refresh:  refreshRotator,

		PAR:         parStore,
		Consent:     consentStore,
		DPoPJTIs:    dpopStore,
		Revoked:     revokedStore,
		RateLimiter: rateLimiter,

		DeviceCodes: deviceStore,
		CIBA:        cibaStore,

		Clients:  clients,
		Audit:    audit,
		Profiles: profiles,

		Authorizer: authorizer,

		ShardConfig: cachedShardConfig,

		AccessTokenTTL:  cfg.Tokens.AccessTokenTTL,
		RefreshTokenTTL: cfg.Tokens.RefreshTokenTTL,
		IDTokenTTL:      cfg.Tokens.IDTokenTTL,

		PairwiseSalt: []byte(cfg.Security.PairwiseSalt),
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	startSweeps(ctx, sessionActor, sessionStore.Sweep)
	startSweeps(ctx, codesActor, codesStore.Sweep)
	startSweeps(ctx, refreshActor, refreshRotator.Sweep)
	startSweeps(ctx, parActor, parStore.Sweep)
	startSweeps(ctx, consentActor, consentStore.Sweep)
	startSweeps(ctx, deviceActor, deviceStore.Sweep)
	startSweeps(ctx, cibaActor, cibaStore.Sweep)
	dpopActor.StartAlarm(ctx, 15*time.Minute, func(ctx context.Context) error { return dpopStore.Sweep(ctx) })
	revokedActor.StartAlarm(ctx, 15*time.Minute, func(ctx context.Context) error { return revokedStore.Sweep(ctx) })
	keyManager.StartRotationAlarm(ctx, 30*time.Second)

	webServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: telemetry.instrument("op", srv),
	}
	telemetryServer := &http.Server{
		Addr:    cfg.HTTP.TelemetryAddr,
		Handler: telemetry.handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("listening (http) on %s", webServer.Addr)
		if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("op listener: %w", err)
		}
	}()
	go func() {
		logger.Infof("listening (telemetry) on %s", telemetryServer.Addr)
		if err := telemetryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("telemetry listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Errorf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = webServer.Shutdown(shutdownCtx)
	_ = telemetryServer.Shutdown(shutdownCtx)
	return nil
}

// startSweeps is a small helper binding an actor's periodic cleanup sweep
// (§4.1 "periodic alarm") to its StartAlarm, run hourly.
func startSweeps(ctx context.Context, a interface {
	StartAlarm(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error)
}, sweep func(ctx context.Context) error) {
	a.StartAlarm(ctx, time.Hour, sweep)
}
