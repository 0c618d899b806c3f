// Package app wires every long-lived component exactly once. Production and
// tests go through the same Build; tests substitute backends with options.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chitram/api/internal/admission"
	"chitram/api/internal/auth"
	"chitram/api/internal/cache"
	"chitram/api/internal/config"
	"chitram/api/internal/database"
	"chitram/api/internal/derivative"
	"chitram/api/internal/handlers"
	"chitram/api/internal/jobs"
	"chitram/api/internal/ratelimit"
	"chitram/api/internal/repository"
	"chitram/api/internal/service"
	"chitram/api/internal/storage"
)

type options struct {
	store    repository.Store
	backend  storage.Backend
	redis    redis.UniversalClient
	redisSet bool
}

type Option func(*options)

// WithStore substitutes the metadata store. The container takes ownership
// and closes it.
func WithStore(store repository.Store) Option {
	return func(o *options) { o.store = store }
}

func WithStorageBackend(backend storage.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithRedis substitutes the cache client, which the container then owns. A
// nil client runs the rate limiter permanently fail-open.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redis = client
		o.redisSet = true
	}
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type Container struct {
	Config     *config.AppConfig
	Log        zerolog.Logger
	Store      repository.Store
	Files      *storage.Service
	Redis      redis.UniversalClient
	Limiter    *ratelimit.Limiter
	Slots      *admission.Controller
	Generator  *derivative.Generator
	Scheduler  *jobs.Scheduler
	Uploads    *service.UploadService
	Images     *service.ImageService
	Identifier auth.Identifier

	mu       sync.Mutex
	closers  []closer
	started  bool
	closed   bool
	closeErr error
}

// Build constructs the container. When any step fails everything opened so
// far is closed before the error is returned.
func Build(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger, opts ...Option) (_ *Container, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			if cerr := c.Close(context.WithoutCancel(ctx)); cerr != nil {
				log.Error().Err(cerr).Msg("cleanup after failed build")
			}
		}
	}()

	if c.Store, err = c.openStore(ctx, o.store); err != nil {
		return nil, err
	}

	backend, err := c.openBackend(ctx, o.backend)
	if err != nil {
		return nil, err
	}
	c.Files = storage.NewService(backend, log)

	c.Redis = c.openRedis(ctx, o)
	c.Limiter = ratelimit.New(c.Redis, ratelimit.Options{
		Prefix:  cfg.Redis.KeyPrefix,
		Limit:   cfg.RateLimit.Limit,
		Window:  cfg.RateLimit.Window,
		Enabled: cfg.RateLimit.Enabled,
	}, log)

	c.Slots = admission.New(cfg.Upload.Concurrency, cfg.Upload.AdmissionTimeout, cfg.Upload.RetryAfter)

	c.Generator = derivative.New(c.Store, c.Files, derivative.Options{
		Sizes:     cfg.Derivatives.Sizes,
		Quality:   cfg.Derivatives.Quality,
		Workers:   cfg.Derivatives.Workers,
		QueueSize: cfg.Derivatives.QueueSize,
	}, log)
	c.onClose("derivatives", c.Generator.Stop)

	c.Scheduler = jobs.NewScheduler(c.Generator, cfg.Derivatives.SweepSchedule, cfg.Derivatives.StaleAfter, log)

	c.Uploads = service.NewUploadService(c.Store, c.Files, c.Slots, c.Generator, cfg, log)
	var images *cache.ImageCache
	if cfg.Cache.Enabled {
		images = cache.NewImageCache(c.Redis, cfg.Redis.KeyPrefix, cfg.Cache.TTL, log)
	}
	c.Images = service.NewImageService(c.Store, c.Files, images, cfg, log)
	c.Identifier = auth.New(cfg.Auth)

	log.Info().
		Str("database", cfg.Database.Driver).
		Str("storage", c.Files.Backend()).
		Int("upload_slots", cfg.Upload.Concurrency).
		Msg("container built")

	return c, nil
}

func (c *Container) openStore(ctx context.Context, provided repository.Store) (repository.Store, error) {
	store := provided
	if store == nil {
		switch c.Config.Database.Driver {
		case config.DatabaseMemory:
			store = repository.NewMemoryStore()
		case config.DatabasePostgres:
			pool, err := database.NewPostgresPool(ctx, c.Config.Postgres)
			if err != nil {
				return nil, fmt.Errorf("connect postgres: %w", err)
			}
			if err := database.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			store = repository.NewPostgresStore(pool)
		default:
			return nil, fmt.Errorf("unknown database driver %q", c.Config.Database.Driver)
		}
	}

	c.onClose("store", func(context.Context) error {
		store.Close()
		return nil
	})
	return store, nil
}

func (c *Container) openBackend(ctx context.Context, provided storage.Backend) (storage.Backend, error) {
	if provided != nil {
		return provided, nil
	}

	switch c.Config.Storage.Backend {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageLocal:
		backend, err := storage.NewLocal(c.Config.Storage.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		return backend, nil
	case config.StorageMinio:
		objectStore, err := storage.NewObjectStore(c.Config.Storage)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		return objectStore, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Config.Storage.Backend)
	}
}

func (c *Container) openRedis(ctx context.Context, o options) redis.UniversalClient {
	var client redis.UniversalClient
	if o.redisSet {
		client = o.redis
	} else {
		rc, err := cache.NewRedisClient(ctx, c.Config.Redis)
		if err != nil {
			c.Log.Warn().Err(err).Str("addr", c.Config.Redis.Addr).Msg("redis unavailable, rate limiting will fail open")
		}
		client = rc
	}
	if client == nil {
		return nil
	}

	c.onClose("redis", func(context.Context) error {
		return client.Close()
	})
	return client
}

func (c *Container) onClose(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Start launches background work: derivative workers and the stale sweep.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.Generator.Start(ctx)
	if err := c.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	c.onClose("scheduler", c.Scheduler.Stop)
	return nil
}

func (c *Container) Handlers() handlers.HandlerSet {
	return handlers.NewHandlerSet(c.Log, c.Config, handlers.Services{
		Uploads:    c.Uploads,
		Images:     c.Images,
		Limiter:    c.Limiter,
		Slots:      c.Slots,
		Store:      c.Store,
		Files:      c.Files,
		Cache:      c.Redis,
		Identifier: c.Identifier,
	})
}

// Close releases resources in reverse order of acquisition: the sweep and
// derivative workers drain first, then the cache and the database. Repeated
// calls return the first result.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.closeErr
	}
	c.closed = true

	var errs []error
	for _, cl := range slices.Backward(c.closers) {
		if err := cl.fn(ctx); err != nil {
			c.Log.Error().Err(err).Str("resource", cl.name).Msg("close failed")
			errs = append(errs, fmt.Errorf("close %s: %w", cl.name, err))
		}
	}
	c.closers = nil
	c.closeErr = errors.Join(errs...)
	return c.closeErr
}
