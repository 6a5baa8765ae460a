package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/fulcrum-co/pulse-laravel-sub005/cooldown"
	"github.com/fulcrum-co/pulse-laravel-sub005/dispatch"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/awsclient"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/config"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/dbmigrate"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/internal/metrics"
	"github.com/fulcrum-co/pulse-laravel-sub005/multitenantengine"
	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/rules"
	"github.com/fulcrum-co/pulse-laravel-sub005/runner"
)

const cooldownKeyPrefix = "pulse:cooldown"

// buildDeps connects every backend cfg selects. The returned cleanup closes
// them in reverse order and is safe to call when buildDeps fails.
func buildDeps(ctx context.Context, cfg *config.Config) (Deps, func(), error) {
	var (
		deps    Deps
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (Deps, func(), error) {
		cleanup()
		return Deps{}, func() {}, err
	}

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := dbmigrate.Up(dbmigrate.SourceURL(cfg.MigrationsPath), cfg.DatabaseURL); err != nil {
				return fail(err)
			}
		}

		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("failed to open database: %w", err))
		}
		closers = append(closers, func() { db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return fail(fmt.Errorf("failed to ping database: %w", err))
		}
		deps.DB = db

		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("failed to create pgx pool: %w", err))
		}
		closers = append(closers, pool.Close)
		logger.Info("Connected to database")
	} else {
		logger.Warn("DATABASE_URL not set; organizations and rules live in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Registry = reg
	deps.Metrics = metrics.New(reg)

	outcomes, closeOutcomes, err := buildOutcomeStore(ctx, cfg, deps.DB)
	if err != nil {
		return fail(err)
	}
	if closeOutcomes != nil {
		closers = append(closers, closeOutcomes)
	}
	deps.Outcomes = outcomes

	dispatcher, err := buildDispatcher(ctx, cfg, pool, deps.Metrics)
	if err != nil {
		return fail(err)
	}
	deps.Dispatcher = dispatcher

	deps.Manager = multitenantengine.NewManager(deps.DB, multitenantengine.WithEngineHook(func(e *rules.Engine) {
		e.SetFiringHistory(outcomes)
		e.SetConfigValidator(dispatcher)
		if cfg.RulesCacheTTL > 0 {
			e.SetCache(rules.NewInMemoryRulesCache(cfg.RulesCacheTTL))
		}
	}))
	if err := deps.Manager.LoadAllOrgs(ctx); err != nil {
		return fail(fmt.Errorf("failed to load organizations: %w", err))
	}

	cooldowns, closeCooldowns, err := buildCooldownStore(ctx, cfg, pool)
	if err != nil {
		return fail(err)
	}
	if closeCooldowns != nil {
		closers = append(closers, closeCooldowns)
	}
	deps.Cooldowns = cooldowns

	deps.Runner, err = runner.New(cooldowns, outcomes, dispatcher,
		runner.WithConcurrency(cfg.RunnerConcurrency),
		runner.WithDispatchTimeout(cfg.DispatchTimeout),
		runner.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return fail(err)
	}

	return deps, cleanup, nil
}

func buildOutcomeStore(ctx context.Context, cfg *config.Config, db *sql.DB) (outcome.Store, func(), error) {
	switch cfg.OutcomeBackend {
	case "postgres":
		if db == nil {
			return nil, nil, fmt.Errorf("OUTCOME_BACKEND=postgres requires DATABASE_URL")
		}
		return outcome.NewPostgresStore(db), nil, nil
	case "sqlite":
		s, err := outcome.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite outcome store: %w", err)
		}
		logger.Info("Outcome store ready", "backend", "sqlite", "path", cfg.SQLitePath)
		return s, func() { s.Close() }, nil
	}
	return outcome.NewMemoryStore(), nil, nil
}

func buildCooldownStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (cooldown.Store, func(), error) {
	switch cfg.CooldownBackend {
	case "postgres":
		if pool == nil {
			return nil, nil, fmt.Errorf("COOLDOWN_BACKEND=postgres requires DATABASE_URL")
		}
		return cooldown.NewPostgresStore(pool), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("Cooldown store ready", "backend", "redis", "addr", cfg.RedisAddr)
		return cooldown.NewRedisStore(client, cooldownKeyPrefix), func() { client.Close() }, nil
	}
	return cooldown.NewMemoryStore(), nil, nil
}

func buildDispatcher(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, m *metrics.Metrics) (*dispatch.Dispatcher, error) {
	opts := []dispatch.Option{dispatch.WithMetrics(m)}
	if pool != nil {
		opts = append(opts, dispatch.WithProcessedStore(dispatch.NewPostgresProcessedStore(pool)))
	}
	if cfg.DispatchRatePerSecond > 0 {
		opts = append(opts, dispatch.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSecond), cfg.DispatchBurst)))
	}

	var (
		sender    dispatch.EmailSender = dispatch.LogEmailSender{}
		publisher dispatch.Publisher   = dispatch.LogPublisher{}
	)
	if needsAWS(cfg) {
		clients, err := awsclient.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.SESFromEmail != "" {
			sender = dispatch.NewSESEmailSender(clients.SES, cfg.SESFrom())
		}
		if cfg.ReviewQueueURL != "" || cfg.EnrollQueueURL != "" {
			publisher = dispatch.NewSQSPublisher(clients.SQS)
		}
		if cfg.BedrockModelID != "" {
			opts = append(opts, dispatch.WithAnnotator(
				dispatch.NewBedrockAnnotator(clients.Bedrock, cfg.BedrockModelID), cfg.AnnotationTimeout))
		}
	}

	roles, err := dispatch.ParseStaticRoles(cfg.NotifyRoleEmails)
	if err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_ROLE_EMAILS: %w", err)
	}
	notify, err := dispatch.NewNotifyHandler(sender, dispatch.DefaultTemplates(), roles)
	if err != nil {
		return nil, err
	}

	d := dispatch.New(opts...)
	for _, h := range []dispatch.Handler{
		notify,
		dispatch.NewReviewHandler(publisher, cfg.ReviewQueueURL),
		dispatch.NewEnrollHandler(publisher, cfg.EnrollQueueURL),
	} {
		if err := d.Register(h); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func needsAWS(cfg *config.Config) bool {
	return cfg.SESFromEmail != "" || cfg.ReviewQueueURL != "" || cfg.EnrollQueueURL != "" || cfg.BedrockModelID != ""
}
