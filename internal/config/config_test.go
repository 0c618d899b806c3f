package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Defaults()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, config.StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, config.DatabasePostgres, cfg.Database.Driver)
	assert.Equal(t, int64(5*1024*1024), cfg.Upload.MaxBytes)
	assert.Equal(t, []string{"image/jpeg", "image/png"}, cfg.Upload.AllowedTypes)
	assert.Equal(t, 10, cfg.Upload.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Upload.AdmissionTimeout)
	assert.Greater(t, cfg.HTTP.WriteTimeout, cfg.Upload.AdmissionTimeout)
	assert.Equal(t, 10, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, []int{300}, cfg.Derivatives.Sizes)
	assert.Equal(t, 85, cfg.Derivatives.Quality)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHITRAM_UPLOAD_CONCURRENCY", "3")
	t.Setenv("CHITRAM_RATELIMIT_WINDOW", "2m")
	t.Setenv("CHITRAM_STORAGE_BACKEND", "memory")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Upload.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, config.StorageMemory, cfg.Storage.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.AppConfig)
	}{
		{"unknown storage", func(c *config.AppConfig) { c.Storage.Backend = "tape" }},
		{"unknown database", func(c *config.AppConfig) { c.Database.Driver = "oracle" }},
		{"zero slots", func(c *config.AppConfig) { c.Upload.Concurrency = 0 }},
		{"zero admission timeout", func(c *config.AppConfig) { c.Upload.AdmissionTimeout = 0 }},
		{"write timeout equals admission timeout", func(c *config.AppConfig) {
			c.HTTP.WriteTimeout = 30 * time.Second
			c.Upload.AdmissionTimeout = 30 * time.Second
		}},
		{"write timeout below admission timeout", func(c *config.AppConfig) {
			c.HTTP.WriteTimeout = 10 * time.Second
		}},
		{"zero rate limit", func(c *config.AppConfig) { c.RateLimit.Limit = 0 }},
		{"short window", func(c *config.AppConfig) { c.RateLimit.Window = time.Millisecond }},
		{"no sizes", func(c *config.AppConfig) { c.Derivatives.Sizes = nil }},
		{"negative size", func(c *config.AppConfig) { c.Derivatives.Sizes = []int{-1} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("zero write timeout disables the deadline check", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.HTTP.WriteTimeout = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled limiter skips limit checks", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.Limit = 0
		assert.NoError(t, cfg.Validate())
	})
}
