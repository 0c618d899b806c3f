package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/cache"
	"chitram/api/internal/ids"
	"chitram/api/internal/models"
)

func newImageCache(t *testing.T) (*cache.ImageCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewImageCache(client, "test", 10*time.Minute, zerolog.Nop()), mr
}

func sampleImage() models.Image {
	owner := "user-7"
	width, height := 640, 480
	return models.Image{
		ID:              ids.New(),
		OwnerID:         &owner,
		StorageKey:      "2024/05/01/x.png",
		Filename:        "x.png",
		ContentType:     "image/png",
		SizeBytes:       2048,
		Width:           &width,
		Height:          &height,
		DeleteTokenHash: []byte{1, 2, 3},
		CreatedAt:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestImageCacheSetGet(t *testing.T) {
	c, mr := newImageCache(t)
	ctx := context.Background()
	image := sampleImage()

	_, ok := c.Get(ctx, image.ID)
	assert.False(t, ok)

	c.Set(ctx, image)
	got, ok := c.Get(ctx, image.ID)
	require.True(t, ok)
	assert.Equal(t, image, got)

	key := "test:image:" + image.ID
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 10*time.Minute, mr.TTL(key))
}

func TestImageCacheInvalidate(t *testing.T) {
	c, mr := newImageCache(t)
	ctx := context.Background()
	image := sampleImage()

	c.Set(ctx, image)
	c.Invalidate(ctx, image.ID)

	_, ok := c.Get(ctx, image.ID)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:image:"+image.ID))
}

func TestImageCacheDropsUnreadableEntries(t *testing.T) {
	c, mr := newImageCache(t)
	id := ids.New()
	require.NoError(t, mr.Set("test:image:"+id, "{not json"))

	_, ok := c.Get(context.Background(), id)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:image:"+id))
}

func TestImageCacheMissesWhenRedisDown(t *testing.T) {
	c, mr := newImageCache(t)
	ctx := context.Background()
	image := sampleImage()
	mr.Close()

	c.Set(ctx, image)
	c.Invalidate(ctx, image.ID)
	_, ok := c.Get(ctx, image.ID)
	assert.False(t, ok)
}

func TestNilImageCache(t *testing.T) {
	c := cache.NewImageCache(nil, "test", time.Minute, zerolog.Nop())
	require.Nil(t, c)

	ctx := context.Background()
	c.Set(ctx, sampleImage())
	c.Invalidate(ctx, "anything")
	_, ok := c.Get(ctx, "anything")
	assert.False(t, ok)
}
