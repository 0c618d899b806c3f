package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chitram/api/internal/models"
)

// ImageCache keeps image records in Redis in front of the metadata store.
// Every Redis failure reads as a miss: callers fall through to the store. A
// nil *ImageCache is valid and caches nothing.
type ImageCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewImageCache returns nil when client is nil.
func NewImageCache(client redis.UniversalClient, prefix string, ttl time.Duration, log zerolog.Logger) *ImageCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ImageCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    log.With().Str("component", "image_cache").Logger(),
	}
}

func (c *ImageCache) key(id string) string {
	if c.prefix == "" {
		return "image:" + id
	}
	return c.prefix + ":image:" + id
}

func (c *ImageCache) Get(ctx context.Context, id string) (models.Image, bool) {
	if c == nil {
		return models.Image{}, false
	}

	key := c.key(id)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Image{}, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("image cache read failed")
		return models.Image{}, false
	}

	var image models.Image
	if err := json.Unmarshal(data, &image); err != nil || image.ID != id {
		c.log.Warn().Err(err).Str("key", key).Msg("dropping unreadable cached image")
		c.Invalidate(ctx, id)
		return models.Image{}, false
	}
	return image, true
}

func (c *ImageCache) Set(ctx context.Context, image models.Image) {
	if c == nil {
		return
	}

	data, err := json.Marshal(image)
	if err != nil {
		c.log.Warn().Err(err).Str("image_id", image.ID).Msg("encode cached image")
		return
	}
	if err := c.client.Set(ctx, c.key(image.ID), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("image_id", image.ID).Msg("image cache write failed")
	}
}

func (c *ImageCache) Invalidate(ctx context.Context, id string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		c.log.Warn().Err(err).Str("image_id", id).Msg("image cache invalidate failed")
	}
}
