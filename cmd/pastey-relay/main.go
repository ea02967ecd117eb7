package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tombowditch/pastey-relay/internal/config"
	"github.com/tombowditch/pastey-relay/internal/logger"
	"github.com/tombowditch/pastey-relay/internal/metrics"
	"github.com/tombowditch/pastey-relay/internal/ratelimit"
	"github.com/tombowditch/pastey-relay/internal/relay"
	"github.com/tombowditch/pastey-relay/internal/server/httpserver"
	"github.com/tombowditch/pastey-relay/internal/server/tcpserver"
	"github.com/tombowditch/pastey-relay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("could not load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	// Initialize store (Redis client with ping check)
	s, err := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ResultTTL)
	if err != nil {
		slog.Error("could not connect to redis", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("connected to redis")

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Local {
		slog.Info("using in-process rate limiter")
		limiter = ratelimit.NewLocal()
	} else {
		// Initialize rate limiter with parsed host/port
		redisHost, redisPort := store.ParseRedisURI(cfg.Redis.Addr)
		if err := ratelimit.Setup(redisHost, redisPort, cfg.Redis.Password); err != nil {
			slog.Error("could not initialize rate limiter", "error", err)
			os.Exit(1)
		}
		limiter = ratelimit.NewRedis()
	}

	m := metrics.New()
	svc := relay.New(s, m, relay.PublisherOptions(cfg)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tcpserver.New(svc, limiter, m).Serve(ctx, cfg.TCPAddr)
	})
	g.Go(func() error {
		handler := httpserver.NewHandler(svc, httpserver.Options{
			Limiter:    limiter,
			Metrics:    m,
			TrustProxy: cfg.TrustProxy,
		})
		return httpserver.ListenAndServe(ctx, cfg.HTTPAddr, handler)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shut down")
}
