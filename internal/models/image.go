package models

import "time"

type Image struct {
	ID              string
	OwnerID         *string
	StorageKey      string
	Filename        string
	ContentType     string
	SizeBytes       int64
	Width           *int
	Height          *int
	UploadIP        string
	DeleteTokenHash []byte
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

func (i Image) Anonymous() bool {
	return i.OwnerID == nil
}

type DerivativeStatus string

const (
	DerivativePending DerivativeStatus = "pending"
	DerivativeReady   DerivativeStatus = "ready"
	DerivativeFailed  DerivativeStatus = "failed"
)

// Derivative is the existence record of one resized rendition of an image. A
// failed record is kept as an explicit marker until an operator backfill.
type Derivative struct {
	ImageID       string
	TargetSize    int
	StorageKey    string
	Width         int
	Height        int
	Status        DerivativeStatus
	FailureStage  string
	FailureReason string
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
