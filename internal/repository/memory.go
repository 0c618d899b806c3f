package repository

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"chitram/api/internal/models"
)

type derivativeKey struct {
	imageID string
	size    int
}

// MemoryStore is an ephemeral Store for tests and single-process development.
// Sessions are serialized and see a private copy of the data that replaces the
// shared state only when fn succeeds. Sessions must not be nested.
type MemoryStore struct {
	mu          sync.Mutex
	images      map[string]models.Image
	derivatives map[derivativeKey]models.Derivative
	closed      bool
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images:      make(map[string]models.Image),
		derivatives: make(map[derivativeKey]models.Derivative),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) WithSession(ctx context.Context, fn func(Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	sess := &memorySession{
		images:      maps.Clone(s.images),
		derivatives: maps.Clone(s.derivatives),
		now:         s.now,
	}
	if err := fn(sess); err != nil {
		return err
	}

	s.images = sess.images
	s.derivatives = sess.derivatives
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type memorySession struct {
	images      map[string]models.Image
	derivatives map[derivativeKey]models.Derivative
	now         func() time.Time
}

func (s *memorySession) CreateImage(_ context.Context, image models.Image) error {
	if _, exists := s.images[image.ID]; exists {
		return errDuplicateImage
	}
	if image.CreatedAt.IsZero() {
		image.CreatedAt = s.now()
	}
	s.images[image.ID] = image
	return nil
}

func (s *memorySession) GetImage(_ context.Context, id string) (models.Image, error) {
	image, ok := s.images[id]
	if !ok || image.DeletedAt != nil {
		return models.Image{}, ErrImageNotFound
	}
	return image, nil
}

func (s *memorySession) ListImages(_ context.Context, limit, offset int) ([]models.Image, error) {
	images := make([]models.Image, 0, len(s.images))
	for _, image := range s.images {
		if image.DeletedAt == nil {
			images = append(images, image)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	if offset >= len(images) {
		return nil, nil
	}
	images = images[offset:]
	if limit < len(images) {
		images = images[:limit]
	}
	return images, nil
}

func (s *memorySession) DeleteImage(_ context.Context, id string) error {
	if _, ok := s.images[id]; !ok {
		return ErrImageNotFound
	}
	for key := range s.derivatives {
		if key.imageID == id {
			delete(s.derivatives, key)
		}
	}
	delete(s.images, id)
	return nil
}

func (s *memorySession) GetDerivative(_ context.Context, imageID string, size int) (models.Derivative, error) {
	d, ok := s.derivatives[derivativeKey{imageID, size}]
	if !ok {
		return models.Derivative{}, ErrDerivativeNotFound
	}
	return d, nil
}

func (s *memorySession) ListDerivatives(_ context.Context, imageID string) ([]models.Derivative, error) {
	var out []models.Derivative
	for key, d := range s.derivatives {
		if key.imageID == imageID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetSize < out[j].TargetSize })
	return out, nil
}

func (s *memorySession) ListDerivativesByStatus(_ context.Context, status models.DerivativeStatus, updatedBefore time.Time, limit int) ([]models.Derivative, error) {
	var out []models.Derivative
	for _, d := range s.derivatives {
		if d.Status == status && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memorySession) ClaimDerivative(_ context.Context, imageID string, size int, storageKey string, claim Claim) (bool, error) {
	if image, ok := s.images[imageID]; !ok || image.DeletedAt != nil {
		return false, ErrImageNotFound
	}

	key := derivativeKey{imageID, size}
	now := s.now()
	existing, ok := s.derivatives[key]
	if !ok {
		s.derivatives[key] = models.Derivative{
			ImageID:    imageID,
			TargetSize: size,
			StorageKey: storageKey,
			Status:     models.DerivativePending,
			Attempts:   1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return true, nil
	}
	if !claim.allows(existing) {
		return false, nil
	}

	existing.Status = models.DerivativePending
	existing.StorageKey = storageKey
	existing.Attempts++
	existing.FailureStage = ""
	existing.FailureReason = ""
	existing.UpdatedAt = now
	s.derivatives[key] = existing
	return true, nil
}

func (s *memorySession) MarkDerivativeReady(_ context.Context, imageID string, size int, width, height int) error {
	key := derivativeKey{imageID, size}
	d, ok := s.derivatives[key]
	if !ok {
		return ErrDerivativeNotFound
	}
	d.Status = models.DerivativeReady
	d.Width = width
	d.Height = height
	d.FailureStage = ""
	d.FailureReason = ""
	d.UpdatedAt = s.now()
	s.derivatives[key] = d
	return nil
}

func (s *memorySession) MarkDerivativeFailed(_ context.Context, imageID string, size int, stage, reason string) error {
	key := derivativeKey{imageID, size}
	d, ok := s.derivatives[key]
	if !ok {
		return ErrDerivativeNotFound
	}
	d.Status = models.DerivativeFailed
	d.FailureStage = stage
	d.FailureReason = reason
	d.UpdatedAt = s.now()
	s.derivatives[key] = d
	return nil
}
