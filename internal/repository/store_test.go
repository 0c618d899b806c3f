package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chitram/api/internal/ids"
	"chitram/api/internal/models"
	"chitram/api/internal/repository"
)

func newImage() models.Image {
	id := ids.New()
	return models.Image{
		ID:          id,
		StorageKey:  "2024/01/01/" + id + ".png",
		Filename:    "cat.png",
		ContentType: "image/png",
		SizeBytes:   1234,
		UploadIP:    "10.0.0.1",
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func createImage(t *testing.T, store repository.Store, image models.Image) {
	t.Helper()
	require.NoError(t, store.WithSession(context.Background(), func(s repository.Session) error {
		return s.CreateImage(context.Background(), image)
	}))
}

// runStoreSuite exercises the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, store repository.Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		image := newImage()
		owner := "user-1"
		image.OwnerID = &owner
		createImage(t, store, image)

		var got models.Image
		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			var err error
			got, err = s.GetImage(ctx, image.ID)
			return err
		}))
		assert.Equal(t, image.ID, got.ID)
		assert.Equal(t, image.StorageKey, got.StorageKey)
		assert.Equal(t, image.SizeBytes, got.SizeBytes)
		require.NotNil(t, got.OwnerID)
		assert.Equal(t, owner, *got.OwnerID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		err := store.WithSession(ctx, func(s repository.Session) error {
			_, err := s.GetImage(ctx, ids.New())
			return err
		})
		assert.ErrorIs(t, err, repository.ErrImageNotFound)
	})

	t.Run("FailedSessionRollsBack", func(t *testing.T) {
		image := newImage()
		boom := errors.New("boom")
		err := store.WithSession(ctx, func(s repository.Session) error {
			require.NoError(t, s.CreateImage(ctx, image))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = store.WithSession(ctx, func(s repository.Session) error {
			_, err := s.GetImage(ctx, image.ID)
			return err
		})
		assert.ErrorIs(t, err, repository.ErrImageNotFound)
	})

	t.Run("ClaimLifecycle", func(t *testing.T) {
		image := newImage()
		createImage(t, store, image)
		key := "thumbs/" + image.ID + "_300.jpg"

		claim := func(c repository.Claim) bool {
			var ok bool
			require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
				var err error
				ok, err = s.ClaimDerivative(ctx, image.ID, 300, key, c)
				return err
			}))
			return ok
		}

		assert.True(t, claim(repository.Claim{}), "first claim inserts")
		assert.False(t, claim(repository.Claim{}), "duplicate claim is skipped")

		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			return s.MarkDerivativeFailed(ctx, image.ID, 300, "decode", "bad header")
		}))
		assert.False(t, claim(repository.Claim{}), "failed records are not retried automatically")

		backfill := repository.Claim{
			Reclaim:     []models.DerivativeStatus{models.DerivativeFailed},
			StaleBefore: time.Now().Add(time.Hour),
		}
		assert.True(t, claim(backfill), "backfill reclaims failed")

		var d models.Derivative
		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			if err := s.MarkDerivativeReady(ctx, image.ID, 300, 300, 200); err != nil {
				return err
			}
			var err error
			d, err = s.GetDerivative(ctx, image.ID, 300)
			return err
		}))
		assert.Equal(t, models.DerivativeReady, d.Status)
		assert.Equal(t, 2, d.Attempts)
		assert.Equal(t, 300, d.Width)
		assert.Equal(t, 200, d.Height)
		assert.Empty(t, d.FailureStage)
		assert.False(t, claim(backfill), "ready records are never reclaimed by a failed backfill")
	})

	t.Run("ClaimForMissingImage", func(t *testing.T) {
		err := store.WithSession(ctx, func(s repository.Session) error {
			_, err := s.ClaimDerivative(ctx, ids.New(), 300, "thumbs/x_300.jpg", repository.Claim{})
			return err
		})
		assert.ErrorIs(t, err, repository.ErrImageNotFound)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		image := newImage()
		createImage(t, store, image)
		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			_, err := s.ClaimDerivative(ctx, image.ID, 64, "thumbs/"+image.ID+"_64.jpg", repository.Claim{})
			return err
		}))

		var pending []models.Derivative
		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			var err error
			pending, err = s.ListDerivativesByStatus(ctx, models.DerivativePending, time.Now().Add(time.Minute), 1000)
			return err
		}))

		found := false
		for _, d := range pending {
			if d.ImageID == image.ID && d.TargetSize == 64 {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("DeleteRemovesDerivatives", func(t *testing.T) {
		image := newImage()
		createImage(t, store, image)
		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			_, err := s.ClaimDerivative(ctx, image.ID, 300, "thumbs/"+image.ID+"_300.jpg", repository.Claim{})
			return err
		}))

		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			return s.DeleteImage(ctx, image.ID)
		}))

		require.NoError(t, store.WithSession(ctx, func(s repository.Session) error {
			_, err := s.GetImage(ctx, image.ID)
			assert.ErrorIs(t, err, repository.ErrImageNotFound)
			derivatives, err := s.ListDerivatives(ctx, image.ID)
			assert.Empty(t, derivatives)
			return err
		}))

		err := store.WithSession(ctx, func(s repository.Session) error {
			return s.DeleteImage(ctx, image.ID)
		})
		assert.ErrorIs(t, err, repository.ErrImageNotFound)
	})

	t.Run("MarkMissingDerivative", func(t *testing.T) {
		err := store.WithSession(ctx, func(s repository.Session) error {
			return s.MarkDerivativeReady(ctx, ids.New(), 300, 1, 1)
		})
		assert.ErrorIs(t, err, repository.ErrDerivativeNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	store := repository.NewMemoryStore()
	runStoreSuite(t, store)

	t.Run("ListImagesNewestFirst", func(t *testing.T) {
		fresh := repository.NewMemoryStore()
		older := newImage()
		older.CreatedAt = time.Now().Add(-time.Hour)
		newer := newImage()
		createImage(t, fresh, older)
		createImage(t, fresh, newer)

		require.NoError(t, fresh.WithSession(context.Background(), func(s repository.Session) error {
			images, err := s.ListImages(context.Background(), 10, 0)
			require.Len(t, images, 2)
			assert.Equal(t, newer.ID, images[0].ID)
			return err
		}))
	})

	t.Run("ClaimForSoftDeletedImage", func(t *testing.T) {
		fresh := repository.NewMemoryStore()
		image := newImage()
		deletedAt := time.Now().UTC()
		image.DeletedAt = &deletedAt
		createImage(t, fresh, image)

		err := fresh.WithSession(context.Background(), func(s repository.Session) error {
			_, err := s.ClaimDerivative(context.Background(), image.ID, 300, "thumbs/x_300.jpg", repository.Claim{})
			return err
		})
		assert.ErrorIs(t, err, repository.ErrImageNotFound)
	})

	t.Run("Closed", func(t *testing.T) {
		fresh := repository.NewMemoryStore()
		fresh.Close()
		assert.ErrorIs(t, fresh.Ping(context.Background()), repository.ErrStoreClosed)
		assert.ErrorIs(t, fresh.WithSession(context.Background(), func(repository.Session) error { return nil }), repository.ErrStoreClosed)
	})
}
