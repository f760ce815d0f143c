package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chaincore/internal/alerts"
	"chaincore/internal/api"
	"chaincore/internal/bot"
	"chaincore/internal/config"
	"chaincore/internal/database"
	"chaincore/internal/dispatcher"
	"chaincore/internal/domain"
	"chaincore/internal/events"
	"chaincore/internal/logging"
	"chaincore/internal/metrics"
	"chaincore/internal/onec"
	"chaincore/internal/protocol"
	"chaincore/internal/repository"
	"chaincore/internal/scheduler"
	"chaincore/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, cache := initCache(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := events.NewEventBus()
	tgBot := initAlerts(cfg, bus, &logger)

	disp := dispatcher.New(db, db, dispatcher.OptionsFromConfig(cfg.Dispatcher), &logger)
	registry := worker.NewDefaultRegistry(worker.Deps{
		Catalog:            db,
		Directory:          db,
		Branches:           disp,
		Cache:              cache,
		Logger:             &logger,
		Status:             db,
		InventoryFreshness: time.Duration(cfg.Scheduler.InventoryFreshnessMinutes) * time.Minute,
	})

	sched := scheduler.New(db, db, cache, registry, bus, scheduler.OptionsFromConfig(cfg.Scheduler), &logger)
	proto := protocol.New(db, db, bus, time.Duration(cfg.Health.StaleAfterSeconds)*time.Second, &logger)
	ingestor := onec.NewIngestor(db, db, bus, &logger)

	if tgBot != nil && cfg.Alerts.Telegram.Commands {
		commands := bot.NewBot(bot.NewBotWrapper(tgBot), sched, proto, cfg.Alerts.Telegram.ChatIDs, &logger)
		go commands.Start(ctx)
	}

	go database.NewBackupService(db, cfg.Backup, &logger).Start(ctx)
	startMetrics(ctx, cfg, &logger)

	grpcServer, err := newGRPCServer(cfg, &logger)
	if err != nil {
		return err
	}

	httpServer := api.NewHTTPServer(&cfg.API, api.Services{
		Protocol:  proto,
		Scheduler: sched,
		Branches:  disp,
		OneC:      ingestor,
	}, &logger)

	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
		if grpcServer != nil {
			grpcServer.SetSchedulerServing(true)
		}
	} else {
		logger.Warn().Msg("scheduler is disabled; tasks run only on demand")
	}

	return serve(ctx, cfg, sched, grpcServer, httpServer, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "chain-core").Logger()

	return cfg, logger, closer, nil
}

// initCache prefers Redis and falls back to process memory, both at startup
// and whenever Redis fails later.
func initCache(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.Cache) {
	memory := repository.NewMemoryCache()
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, using in-memory cache")
		return nil, memory
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, starting on in-memory cache")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}
	return client, repository.NewFailoverCache(repository.NewRedisCache(client, "chaincore"), memory, logger)
}

func initAlerts(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) *tgbotapi.BotAPI {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return nil
	}
	botAPI, err := tgbotapi.NewBotAPI(tg.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram bot init failed, alerts disabled")
		return nil
	}
	alerts.NewTelegramNotifier(botAPI, tg.ChatIDs, logger).Subscribe(bus)
	logger.Info().Str("bot", botAPI.Self.UserName).Int("chats", len(tg.ChatIDs)).Msg("telegram alerts enabled")
	return botAPI
}

func newGRPCServer(cfg *config.Config, logger *zerolog.Logger) (*api.GRPCServer, error) {
	if !cfg.API.Enabled || !cfg.API.GRPC.Enabled {
		return nil, nil
	}
	srv, err := api.NewGRPCServer(&cfg.API, logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return nil, err
	}
	return srv, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	sched *scheduler.Scheduler,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("chain core started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.SetSchedulerServing(false)
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sync tasks still running at shutdown")
	}

	logger.Info().Msg("chain core stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
