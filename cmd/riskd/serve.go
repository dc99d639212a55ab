package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/xela07ax/riskgate/internal/aggregator"
	"github.com/xela07ax/riskgate/internal/audit"
	"github.com/xela07ax/riskgate/internal/console/handler"
	"github.com/xela07ax/riskgate/internal/console/server"
	"github.com/xela07ax/riskgate/internal/console/service"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/engine"
	"github.com/xela07ax/riskgate/internal/infra"
	"github.com/xela07ax/riskgate/internal/infra/auth"
	"github.com/xela07ax/riskgate/internal/repository/memory"
	"github.com/xela07ax/riskgate/internal/repository/postgres"
	"github.com/xela07ax/riskgate/internal/review"
	"github.com/xela07ax/riskgate/internal/rollout"
	"github.com/xela07ax/riskgate/internal/rules"
	"github.com/xela07ax/riskgate/internal/scoring"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// storage все, что сервису нужно от хранилища. Реализуют postgres.Store и memory.Store.
type storage interface {
	rules.RuleRepository
	scoring.Store
	rollout.Store
	aggregator.SnapshotStore
	audit.OutcomeStore
	review.Store
	service.RuleRepository
	service.OperatorProvider
}

var (
	_ storage = (*postgres.Store)(nil)
	_ storage = (*memory.Store)(nil)
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the decision API, gRPC endpoint, operator console and rollout controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Трейсинг
	shutdownTracing, err := infra.InitTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// 2. Хранилище и Redis
	st, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := openRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 3. Модели: клиент, защитный контур, реестр
	var client scoring.Client
	if cfg.Scorer.Simulated {
		logger.Warn("scorer.simulated is on, scores come from the built-in simulator")
		client = scoring.NewSimulatedClient(scoring.SimProfile{Latency: 5 * time.Millisecond, Jitter: 10 * time.Millisecond})
	} else {
		g := scoring.NewGRPCClient(cfg.Scorer.Target)
		defer g.Close()
		client = g
	}
	scoringMetrics := scoring.NewMetrics(reg)
	reliable := scoring.NewReliableClient(client, scoring.ReliabilityConfig{
		MaxRequests:   cfg.Scorer.CBMaxRequests,
		Interval:      cfg.Scorer.CBInterval,
		Timeout:       cfg.Scorer.CBTimeout,
		MaxFailures:   cfg.Scorer.CBMaxFailures,
		RateLimit:     cfg.Scorer.RateLimit,
		RateBurst:     cfg.Scorer.RateBurst,
		RetryAttempts: cfg.Scorer.RetryAttempts,
	}, scoringMetrics, logger)

	registry := scoring.NewRegistry(st, reliable, rdb, scoringMetrics, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load scorers: %w", err)
	}
	registry.StartListener(ctx)

	// 4. Правила
	ruleSet := rules.NewSet(st, logger)
	if err := ruleSet.Refresh(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if rdb != nil {
		go ruleSet.StartListener(ctx, rdb)
	}
	geo, err := rules.NewStaticGeoResolver(cfg.Geo.Table())
	if err != nil {
		return fmt.Errorf("geo table: %w", err)
	}
	velocity := rules.NewVelocityTracker(cfg.Engine.VelocityHorizon)
	go velocity.Run(ctx, cfg.Engine.VelocitySweep)

	// 5. Раскатки
	windows := aggregator.New(cfg.Rollout.WindowSize, st)
	router := rollout.NewRouter()
	ctrl := rollout.NewController(st, registry, windows, router, rdb, rollout.NewMetrics(reg), rollout.Config{
		TickInterval:  time.Second,
		Step:          cfg.Rollout.Step,
		InitialWeight: cfg.Rollout.InitialWeight,
		RuleFamily:    cfg.Engine.RuleFamily,
		Thresholds: domain.Thresholds{
			MaxErrorRate:    cfg.Rollout.MaxErrorRate,
			MaxP95LatencyMs: cfg.Rollout.MaxP95LatencyMs,
			MinSuccessRate:  cfg.Rollout.MinSuccessRate,
			IntervalSec:     int(cfg.Rollout.AnalysisInterval / time.Second),
			MaxViolations:   cfg.Rollout.MaxViolations,
			MinSamples:      cfg.Rollout.MinSamples,
		},
	}, logger)
	if err := ctrl.Recover(ctx); err != nil {
		return fmt.Errorf("recover rollouts: %w", err)
	}
	ctrl.StartListener(ctx)
	go ctrl.Run(ctx)

	// 6. Журнал, ревью, kill switch
	journal := audit.NewJournal(st, rdb, audit.Config{
		BufferSize:    cfg.Engine.JournalBufferSize,
		FlushInterval: cfg.Engine.JournalFlushInterval,
		RetryAttempts: cfg.Engine.JournalRetryAttempts,
		RetryDelay:    cfg.Engine.JournalRetryDelay,
	}, audit.NewMetrics(reg), logger)
	if err := journal.Warmup(ctx); err != nil {
		logger.Warn("reconciliation set not restored", zap.Error(err))
	}
	journal.Start()
	defer journal.Stop()

	reviews := review.NewService(st, rdb, logger)

	killSwitch := engine.NewKillSwitch(rdb, logger)
	if err := killSwitch.Init(ctx); err != nil {
		logger.Warn("kill switch state not loaded", zap.Error(err))
	}
	if rdb != nil {
		go killSwitch.StartListener(ctx)
	}

	// 7. Движок
	eng := engine.NewEngine(engine.Config{
		Deadline:         cfg.Engine.Deadline,
		CommitTimeout:    cfg.Engine.CommitTimeout,
		ScorerWeight:     cfg.Engine.ScorerWeight,
		ApproveThreshold: cfg.Engine.ApproveThreshold,
		ReviewThreshold:  cfg.Engine.ReviewThreshold,
		LevelMedium:      cfg.Engine.LevelMedium,
		LevelHigh:        cfg.Engine.LevelHigh,
		ModelFamily:      cfg.Engine.ModelFamily,
		RuleFamily:       cfg.Engine.RuleFamily,

		HandoffAttempts:   cfg.Engine.HandoffRetryAttempts,
		HandoffRetryDelay: cfg.Engine.HandoffRetryDelay,
	}, engine.Deps{
		Rules:      ruleSet,
		Routing:    router,
		Scorers:    registry,
		Recorder:   windows,
		Journal:    journal,
		Handoff:    reviews,
		Velocity:   velocity,
		Geo:        geo,
		KillSwitch: killSwitch,
	}, engine.NewMetrics(reg), logger)

	// 8. Ключи для JWT
	validator, issuer, err := loadKeys(cfg.Auth, logger)
	if err != nil {
		return err
	}

	// 9. Серверы
	var guard []func(http.Handler) http.Handler
	if cfg.Server.RequireAuth {
		guard = append(guard, auth.NewMiddleware(validator, logger), auth.RequireScope(domain.ScopeDecide))
	}
	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      engine.NewHandler(eng, st, journal, reviews, logger).Routes(guard...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	consoleSrv := &http.Server{
		Addr: cfg.Console.Addr,
		Handler: server.NewConsoleServer(logger, validator, server.Handlers{
			Auth:           handler.NewAuthHandler(service.NewAuthService(st, issuer)),
			Rules:          handler.NewRuleHandler(service.NewRuleService(st, ruleSet, rdb, logger)),
			Scorers:        handler.NewScorerHandler(registry, killSwitch, logger),
			Rollouts:       handler.NewRolloutHandler(ctrl, logger),
			Reviews:        handler.NewReviewHandler(reviews),
			Reconciliation: handler.NewReconciliationHandler(journal, logger),
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	var grpcOpts []grpc.ServerOption
	if cfg.Server.RequireAuth {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator)))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	engine.NewGRPCDecisionServer(eng).Register(grpcSrv)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
	}

	errCh := make(chan error, 4)
	for name, srv := range map[string]*http.Server{"decision-api": apiSrv, "console": consoleSrv, "metrics": metricsSrv} {
		go func() {
			logger.Info("http server started", zap.String("server", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	go func() {
		logger.Info("grpc server started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	// 10. Ждем сигнал или падение одного из серверов
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{apiSrv, consoleSrv, metricsSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	grpcSrv.GracefulStop()
	// отложенные хэнд-оффы до остановки журнала и хранилища
	eng.Wait()

	logger.Info("server exited properly")
	return runErr
}

func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (storage, func(), error) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, state lives in memory and is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pg, err := postgres.NewStore(pctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Ping(pctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pg, pg.Close, nil
}

// openRedis nil, если адрес не задан: сервис работает одним экземпляром.
func openRedis(ctx context.Context, cfg infra.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Warn("redis.addr is empty, cross-instance signals are disabled")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		logger.Warn("redis is unreachable at startup, listeners will keep retrying", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return rdb
}

// loadKeys валидатор и выпуск токенов. Без ключей в конфиге генерируется эфемерная пара.
func loadKeys(cfg infra.AuthConfig, logger *zap.Logger) (auth.TokenValidator, *auth.Issuer, error) {
	if len(cfg.PublicKey) == 0 || len(cfg.PrivateKey) == 0 {
		logger.Warn("auth keys are not configured, using an ephemeral key pair; tokens die with the process")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, fmt.Errorf("generate rsa key: %w", err)
		}
		return auth.NewBaseValidator(&key.PublicKey), auth.NewIssuer(key, cfg.TokenTTL), nil
	}
	pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("public key: %w", err)
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}
	return auth.NewBaseValidator(pub), auth.NewIssuer(priv, cfg.TokenTTL), nil
}
