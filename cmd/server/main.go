package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tapminer/internal/api"
	"tapminer/internal/cache"
	"tapminer/internal/config"
	"tapminer/internal/db"
	"tapminer/internal/logging"
	"tapminer/internal/mining"
	"tapminer/internal/monitoring"
	"tapminer/internal/telegram"
	"tapminer/internal/tgbot"
)

func main() {
	// .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", false)
		l.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("tapminer stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		store mining.Store
		pg    *db.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		pg, err = db.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
		log.Info().Msg("using postgres store")
	} else {
		store = mining.NewMemoryStore()
		log.Warn().Msg("DATABASE_URL is empty, state is kept in memory")
	}

	var (
		combo mining.ComboTracker
		rdb   *redis.Client
	)
	if cfg.JWTSecretFromBotToken {
		log.Warn().Msg("JWT_SECRET is empty, API tokens are signed with the bot token")
	}

	if cfg.ComboBackend == "redis" {
		var err error
		rdb, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		combo = mining.NewRedisCombo(rdb, cfg.Mining.ComboWindow)
		log.Info().Msg("using redis combo tracker")
	} else {
		combo = mining.NewMemoryCombo(cfg.Mining.ComboCacheSize, cfg.Mining.ComboWindow)
	}

	metrics := monitoring.NewMetrics()
	engine, err := mining.NewEngine(cfg.Mining, mining.Deps{
		Store:    store,
		Combo:    combo,
		Recorder: metrics,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	if cfg.RunBot {
		bot, err := tgbot.New(cfg.BotToken, engine, tgbot.Options{
			WebappURL:     cfg.WebappURL,
			PublicBaseURL: cfg.PublicBaseURL,
			Logger:        log,
		})
		if err != nil {
			return err
		}
		log.Info().Str("username", bot.Username()).Msg("bot polling started")
		go bot.StartPolling(ctx)
	}

	if !cfg.RunAPI {
		<-ctx.Done()
		return nil
	}

	srv := api.NewServer(api.Options{
		Engine:          engine,
		Verifier:        telegram.NewVerifier(cfg.BotToken, cfg.InitDataMaxAge),
		Tokens:          api.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL),
		Metrics:         metrics,
		Logger:          log,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerSec: cfg.RateLimitPerSec,
		RateLimitBurst:  cfg.RateLimitBurst,
		Health:          dependencyHealth(pg, rdb),
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("public_url", cfg.PublicBaseURL).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	srv.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

// dependencyHealth pings whichever backing stores are configured.
func dependencyHealth(pg *db.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pg != nil {
			if err := pg.Pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
