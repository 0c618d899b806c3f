package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"chitram/api/internal/admission"
	"chitram/api/internal/config"
	"chitram/api/internal/ids"
	"chitram/api/internal/media/sniffer"
	"chitram/api/internal/media/thumbnail"
	"chitram/api/internal/models"
	"chitram/api/internal/repository"
	"chitram/api/internal/security"
	"chitram/api/internal/storage"
)

const maxFilenameLength = 255

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type UploadInput struct {
	Body        io.Reader
	Filename    string
	ContentType string
	ClientIP    string
	OwnerID     string
}

type UploadResult struct {
	Image models.Image
	// DeleteToken is only set for anonymous uploads and is never stored in clear.
	DeleteToken string
}

// Scheduler accepts finished uploads for background derivative work.
type Scheduler interface {
	Enqueue(ctx context.Context, imageID string) error
}

type UploadService struct {
	store       repository.Store
	files       *storage.Service
	admission   *admission.Controller
	derivatives Scheduler
	cfg         config.UploadConfig
	tokenSecret string
	log         zerolog.Logger
	now         func() time.Time
}

func NewUploadService(
	store repository.Store,
	files *storage.Service,
	slots *admission.Controller,
	derivatives Scheduler,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *UploadService {
	return &UploadService{
		store:       store,
		files:       files,
		admission:   slots,
		derivatives: derivatives,
		cfg:         cfg.Upload,
		tokenSecret: cfg.Security.DeleteTokenSecret,
		log:         log.With().Str("component", "upload").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Upload stores one image while holding an admission slot. respond is called
// with the result while the slot is still held, so the response is written
// before capacity is handed to the next upload. Derivatives are scheduled
// only after the slot is released and never affect the returned error.
func (s *UploadService) Upload(ctx context.Context, input UploadInput, respond func(UploadResult)) error {
	var stored *UploadResult
	err := s.admission.Do(ctx, func(ctx context.Context) error {
		result, err := s.persist(ctx, input)
		if err != nil {
			return err
		}
		stored = &result
		if respond != nil {
			respond(result)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.derivatives != nil {
		// the client may already be gone; generation must not depend on it
		bg := context.WithoutCancel(ctx)
		if err := s.derivatives.Enqueue(bg, stored.Image.ID); err != nil {
			s.log.Warn().Err(err).Str("image_id", stored.Image.ID).Msg("enqueue derivatives failed")
		}
	}
	return nil
}

func (s *UploadService) persist(ctx context.Context, input UploadInput) (UploadResult, error) {
	if input.Body == nil {
		return UploadResult{}, invalid(CodeMissingFile, "no file provided")
	}

	data, err := io.ReadAll(io.LimitReader(input.Body, s.cfg.MaxBytes+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("read upload: %w", err)
	}

	detected, err := s.validate(data)
	if err != nil {
		return UploadResult{}, err
	}

	if declared := sniffer.MimeTypeFromHeader(input.ContentType); declared != "" && declared != detected.MIME {
		s.log.Debug().Str("declared", declared).Str("detected", detected.MIME).Msg("declared content type ignored")
	}

	now := s.now()
	imageID := ids.New()
	image := models.Image{
		ID:          imageID,
		StorageKey:  buildObjectKey(now, imageID, detected.Extension),
		Filename:    SanitizeFilename(input.Filename),
		ContentType: detected.MIME,
		SizeBytes:   int64(len(data)),
		UploadIP:    input.ClientIP,
		CreatedAt:   now,
	}
	if input.OwnerID != "" {
		owner := input.OwnerID
		image.OwnerID = &owner
	}
	if w, h, err := thumbnail.Dimensions(data); err == nil {
		image.Width, image.Height = &w, &h
	} else {
		s.log.Debug().Err(err).Str("image_id", imageID).Msg("could not read image dimensions")
	}

	var deleteToken string
	if image.Anonymous() {
		deleteToken = security.NewDeleteToken()
		image.DeleteTokenHash = security.HashDeleteToken(s.tokenSecret, imageID, deleteToken)
	}

	if err := s.files.Save(ctx, image.StorageKey, data, image.ContentType); err != nil {
		return UploadResult{}, fmt.Errorf("save original: %w", err)
	}

	err = s.store.WithSession(ctx, func(sess repository.Session) error {
		return sess.CreateImage(ctx, image)
	})
	if err != nil {
		// the bytes are unreachable without a record
		_ = s.files.Delete(context.WithoutCancel(ctx), image.StorageKey)
		return UploadResult{}, fmt.Errorf("save metadata: %w", err)
	}

	s.log.Info().
		Str("image_id", imageID).
		Str("content_type", image.ContentType).
		Int64("size", image.SizeBytes).
		Bool("anonymous", image.Anonymous()).
		Msg("image uploaded")

	return UploadResult{Image: image, DeleteToken: deleteToken}, nil
}

func (s *UploadService) validate(data []byte) (sniffer.Result, error) {
	if len(data) == 0 {
		return sniffer.Result{}, invalid(CodeEmptyFile, "file is empty")
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		err := invalid(CodeFileTooLarge, "file exceeds the maximum size of %s", humanize.IBytes(uint64(s.cfg.MaxBytes)))
		err.Details = map[string]any{"maxBytes": s.cfg.MaxBytes}
		return sniffer.Result{}, err
	}

	detected, err := sniffer.Detect(data)
	if errors.Is(err, sniffer.ErrUnknownType) {
		return sniffer.Result{}, s.unsupported("file is not a recognised image")
	}
	if err != nil {
		return sniffer.Result{}, fmt.Errorf("detect type: %w", err)
	}
	if !slices.Contains(s.cfg.AllowedTypes, detected.MIME) {
		return sniffer.Result{}, s.unsupported("%s is not an accepted image type", detected.MIME)
	}
	return detected, nil
}

func (s *UploadService) unsupported(format string, args ...any) *ValidationError {
	err := invalid(CodeUnsupportedType, format, args...)
	err.Details = map[string]any{"allowedTypes": s.cfg.AllowedTypes}
	return err
}

func buildObjectKey(now time.Time, imageID string, ext string) string {
	datePrefix := now.Format("2006/01/02")
	return path.Join(datePrefix, fmt.Sprintf("%s.%s", imageID, ext))
}

// SanitizeFilename reduces a client supplied name to a safe base name.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "upload"
	}
	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	return name
}
