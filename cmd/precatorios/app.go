package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/precatorios/precatorios-client/internal/config"
	"github.com/precatorios/precatorios-client/pkg/cache"
	"github.com/precatorios/precatorios-client/pkg/client"
	"github.com/precatorios/precatorios-client/pkg/crawler"
	"github.com/precatorios/precatorios-client/pkg/entity"
	"github.com/precatorios/precatorios-client/pkg/logging"
	"github.com/precatorios/precatorios-client/pkg/metrics"
	"github.com/precatorios/precatorios-client/pkg/precatorio"
	"github.com/precatorios/precatorios-client/pkg/ratelimit"
)

// app is a crawl session and the infrastructure behind it.
type app struct {
	session *crawler.Session
	gate    *ratelimit.Gate
	cache   *cache.Manager
	redis   *redis.Client
}

// newApp wires a session from cfg. With redis_addr set, Redis must answer a
// ping before any crawl starts.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.NewLogger("cli")

	var extra []precatorio.EntityIdentifier
	if cfg.EntitiesFile != "" {
		table, err := entity.LoadFile(cfg.EntitiesFile)
		if err != nil {
			return nil, err
		}
		extra = table
	}
	resolver, err := entity.Default(extra...)
	if err != nil {
		return nil, err
	}
	logger.Debug().Int("entities", resolver.Len()).Msg("Entity table loaded")

	codec, err := client.CodecFor(cfg.WireFormat)
	if err != nil {
		return nil, err
	}

	gate := ratelimit.NewGate(cfg.Gate(), logging.NewLogger("gate"))
	upstream, err := client.New(client.Config{
		APIURL:    cfg.APIURL,
		UserAgent: cfg.UserAgent,
		Codec:     codec,
		Gate:      gate,
	})
	if err != nil {
		return nil, err
	}

	a := &app{gate: gate}
	cacheOpts := []cache.Option{cache.WithLogger(logging.NewLogger("cache"))}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.cache = cache.NewManager(a.redis)
		if err := a.cache.Ping(ctx); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		cacheOpts = append(cacheOpts, cache.WithRedis(a.cache))
	}

	sessionLogger := logging.NewLogger("crawler")
	a.session, err = crawler.New(cfg.Crawler(), crawler.Deps{
		Resolver: resolver,
		Fetcher:  upstream,
		Cache:    cache.New(cfg.Cache(), cacheOpts...),
		Observer: metrics.NewPrometheus(),
		Logger:   &sessionLogger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Debug().
		Str("api_url", upstream.URL()).
		Str("wire_format", codec.Name()).
		Int("max_concurrency", cfg.MaxConcurrency).
		Msg("Session ready")
	return a, nil
}

// Close releases the Redis connection, if any.
func (a *app) Close() error {
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
