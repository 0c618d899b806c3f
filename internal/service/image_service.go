package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"chitram/api/internal/cache"
	"chitram/api/internal/config"
	"chitram/api/internal/ids"
	"chitram/api/internal/models"
	"chitram/api/internal/repository"
	"chitram/api/internal/security"
	"chitram/api/internal/storage"
)

type ImageDetails struct {
	Image       models.Image
	Derivatives []models.Derivative
}

type DeleteInput struct {
	OwnerID     string
	DeleteToken string
}

type ImageService struct {
	store       repository.Store
	files       *storage.Service
	cache       *cache.ImageCache
	sizes       []int
	tokenSecret string
	log         zerolog.Logger
}

// NewImageService builds the read and delete paths. images may be nil.
func NewImageService(store repository.Store, files *storage.Service, images *cache.ImageCache, cfg *config.AppConfig, log zerolog.Logger) *ImageService {
	return &ImageService{
		store:       store,
		files:       files,
		cache:       images,
		sizes:       cfg.Derivatives.Sizes,
		tokenSecret: cfg.Security.DeleteTokenSecret,
		log:         log.With().Str("component", "images").Logger(),
	}
}

// image reads the record through the cache. Derivative state is never cached.
func (s *ImageService) image(ctx context.Context, id string) (models.Image, error) {
	if !ids.Valid(id) {
		return models.Image{}, repository.ErrImageNotFound
	}
	if image, ok := s.cache.Get(ctx, id); ok {
		return image, nil
	}

	var image models.Image
	err := s.store.WithSession(ctx, func(sess repository.Session) error {
		var err error
		image, err = sess.GetImage(ctx, id)
		return err
	})
	if err != nil {
		return models.Image{}, fmt.Errorf("get image %s: %w", id, err)
	}
	s.cache.Set(ctx, image)
	return image, nil
}

func (s *ImageService) Get(ctx context.Context, id string) (ImageDetails, error) {
	image, err := s.image(ctx, id)
	if err != nil {
		return ImageDetails{}, err
	}

	var derivatives []models.Derivative
	err = s.store.WithSession(ctx, func(sess repository.Session) error {
		var err error
		derivatives, err = sess.ListDerivatives(ctx, id)
		return err
	})
	if err != nil {
		return ImageDetails{}, fmt.Errorf("list derivatives %s: %w", id, err)
	}
	return ImageDetails{Image: image, Derivatives: derivatives}, nil
}

func (s *ImageService) List(ctx context.Context, limit, offset int) ([]models.Image, error) {
	var images []models.Image
	err := s.store.WithSession(ctx, func(sess repository.Session) error {
		var err error
		images, err = sess.ListImages(ctx, limit, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// File returns the original bytes. A record whose bytes are gone is reported
// as not found.
func (s *ImageService) File(ctx context.Context, id string) (models.Image, []byte, error) {
	image, err := s.image(ctx, id)
	if err != nil {
		return models.Image{}, nil, err
	}

	data, err := s.files.Fetch(ctx, image.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn().Str("image_id", id).Str("key", image.StorageKey).Msg("image record without stored bytes")
		return models.Image{}, nil, fmt.Errorf("fetch image %s: %w", id, repository.ErrImageNotFound)
	}
	if err != nil {
		return models.Image{}, nil, fmt.Errorf("fetch image %s: %w", id, err)
	}
	return image, data, nil
}

// Thumbnail returns the rendered derivative at size, or the smallest
// configured size when size is 0.
func (s *ImageService) Thumbnail(ctx context.Context, id string, size int) (models.Derivative, []byte, error) {
	if size == 0 {
		size = slices.Min(s.sizes)
	}
	if !slices.Contains(s.sizes, size) {
		err := invalid(CodeInvalidSize, "thumbnail size %d is not offered", size)
		err.Details = map[string]any{"sizes": s.sizes}
		return models.Derivative{}, nil, err
	}
	if _, err := s.image(ctx, id); err != nil {
		return models.Derivative{}, nil, err
	}

	// derivatives are removed with their image, so a stale cache hit reads as
	// not ready
	var d models.Derivative
	err := s.store.WithSession(ctx, func(sess repository.Session) error {
		var err error
		d, err = sess.GetDerivative(ctx, id, size)
		return err
	})
	if errors.Is(err, repository.ErrDerivativeNotFound) {
		return models.Derivative{}, nil, ErrThumbnailNotReady
	}
	if err != nil {
		return models.Derivative{}, nil, fmt.Errorf("get thumbnail %s/%d: %w", id, size, err)
	}
	if d.Status != models.DerivativeReady {
		return d, nil, ErrThumbnailNotReady
	}

	data, err := s.files.Fetch(ctx, d.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return d, nil, ErrThumbnailNotReady
	}
	if err != nil {
		return d, nil, fmt.Errorf("fetch thumbnail %s/%d: %w", id, size, err)
	}
	return d, data, nil
}

// Delete removes an image for its owner, or for the holder of its delete token
// when it was uploaded anonymously. Stored bytes are removed best-effort; the
// records are removed even when storage fails.
func (s *ImageService) Delete(ctx context.Context, id string, input DeleteInput) error {
	details, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorizeDelete(details.Image, input); err != nil {
		return err
	}

	keys := []string{details.Image.StorageKey}
	for _, d := range details.Derivatives {
		keys = append(keys, d.StorageKey)
	}
	for _, key := range keys {
		// failures are logged by the storage service
		_ = s.files.Delete(ctx, key)
	}

	err = s.store.WithSession(ctx, func(sess repository.Session) error {
		return sess.DeleteImage(ctx, id)
	})
	s.cache.Invalidate(ctx, id)
	if err != nil {
		return fmt.Errorf("delete image %s: %w", id, err)
	}

	s.log.Info().Str("image_id", id).Int("derivatives", len(details.Derivatives)).Msg("image deleted")
	return nil
}

func (s *ImageService) authorizeDelete(image models.Image, input DeleteInput) error {
	if !image.Anonymous() {
		if input.OwnerID == "" {
			return ErrAuthRequired
		}
		if input.OwnerID != *image.OwnerID {
			return ErrForbidden
		}
		return nil
	}

	if input.DeleteToken == "" {
		return ErrDeleteTokenRequired
	}
	if !security.VerifyDeleteToken(s.tokenSecret, image.ID, input.DeleteToken, image.DeleteTokenHash) {
		return ErrForbidden
	}
	return nil
}
