package repository

import (
	"context"
	"errors"
	"time"

	"chitram/api/internal/models"
)

var (
	ErrImageNotFound      = errors.New("image not found")
	ErrDerivativeNotFound = errors.New("derivative not found")
	ErrStoreClosed        = errors.New("store closed")

	errDuplicateImage = errors.New("duplicate image id")
)

// Store hands out short-lived sessions against the metadata database. A Store
// is safe for concurrent use; a Session is owned by exactly one operation and
// must not escape fn.
//
// Every component that needs deferred database access receives the Store built
// by the application container. Nothing constructs its own.
type Store interface {
	// WithSession runs fn inside one transaction. A non-nil error from fn rolls
	// the transaction back; nil commits it.
	WithSession(ctx context.Context, fn func(Session) error) error
	Ping(ctx context.Context) error
	Close()
}

type Session interface {
	CreateImage(ctx context.Context, image models.Image) error
	GetImage(ctx context.Context, id string) (models.Image, error)
	ListImages(ctx context.Context, limit, offset int) ([]models.Image, error)
	// DeleteImage removes the image record together with its derivative records.
	DeleteImage(ctx context.Context, id string) error

	GetDerivative(ctx context.Context, imageID string, size int) (models.Derivative, error)
	ListDerivatives(ctx context.Context, imageID string) ([]models.Derivative, error)
	ListDerivativesByStatus(ctx context.Context, status models.DerivativeStatus, updatedBefore time.Time, limit int) ([]models.Derivative, error)
	// ClaimDerivative moves the (imageID, size) record to pending. It inserts a
	// new record when none exists, or resets one whose status is in
	// claim.Reclaim and whose last update is before claim.StaleBefore. It
	// reports false when another record already owns the slot.
	ClaimDerivative(ctx context.Context, imageID string, size int, storageKey string, claim Claim) (bool, error)
	MarkDerivativeReady(ctx context.Context, imageID string, size int, width, height int) error
	MarkDerivativeFailed(ctx context.Context, imageID string, size int, stage, reason string) error
}

type Claim struct {
	Reclaim     []models.DerivativeStatus
	StaleBefore time.Time
}

func (c Claim) allows(d models.Derivative) bool {
	for _, status := range c.Reclaim {
		if d.Status == status && d.UpdatedAt.Before(c.StaleBefore) {
			return true
		}
	}
	return false
}
