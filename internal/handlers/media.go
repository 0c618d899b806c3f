package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chitram/api/internal/middleware"
	"chitram/api/internal/models"
	"chitram/api/internal/service"
)

const deleteTokenHeader = "X-Delete-Token"

// multipartOverhead is allowed on top of upload.maxbytes for boundaries and
// part headers.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"contentType"`
	SizeBytes    int64     `json:"size"`
	Width        *int      `json:"width,omitempty"`
	Height       *int      `json:"height,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	DeleteToken  string    `json:"deleteToken,omitempty"`
}

type derivativeResponse struct {
	Size          int    `json:"size"`
	Status        string `json:"status"`
	URL           string `json:"url,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	FailureStage  string `json:"failureStage,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

type imageResponse struct {
	ID          string               `json:"id"`
	URL         string               `json:"url"`
	Filename    string               `json:"filename"`
	ContentType string               `json:"contentType"`
	SizeBytes   int64                `json:"size"`
	Width       *int                 `json:"width,omitempty"`
	Height      *int                 `json:"height,omitempty"`
	OwnerID     *string              `json:"ownerId,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Thumbnails  []derivativeResponse `json:"thumbnails"`
}

// UploadImage streams the "file" part into the upload service. The part is
// only read once an admission slot is held.
func (h HandlerSet) UploadImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Upload.MaxBytes+multipartOverhead)

	part, err := filePart(c.Request)
	if err != nil {
		h.respondError(c, uploadReadError(err, h.cfg.Upload.MaxBytes))
		return
	}
	defer part.Close()

	identity := middleware.CurrentIdentity(c)
	err = h.uploads.Upload(c.Request.Context(), service.UploadInput{
		Body:        part,
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		ClientIP:    middleware.ClientIdentity(c.Request),
		OwnerID:     identity.OwnerID,
	}, func(result service.UploadResult) {
		c.JSON(http.StatusCreated, h.uploadResponse(result))
		c.Writer.Flush()
	})
	if err != nil {
		h.respondError(c, uploadReadError(err, h.cfg.Upload.MaxBytes))
	}
}

func filePart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// uploadReadError turns transport failures while reading the body into
// validation errors.
func uploadReadError(err error, maxBytes int64) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return &service.ValidationError{
			Code:    service.CodeFileTooLarge,
			Message: "request body too large",
			Details: map[string]any{"maxBytes": maxBytes},
		}
	case errors.Is(err, io.EOF), errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
		return &service.ValidationError{Code: service.CodeMissingFile, Message: `multipart field "file" is required`}
	default:
		return err
	}
}

func (h HandlerSet) uploadResponse(result service.UploadResult) uploadResponse {
	img := result.Image
	return uploadResponse{
		ID:           img.ID,
		URL:          h.imageURL(img.ID),
		ThumbnailURL: h.thumbnailURL(img.ID, h.defaultSize()),
		Filename:     img.Filename,
		ContentType:  img.ContentType,
		SizeBytes:    img.SizeBytes,
		Width:        img.Width,
		Height:       img.Height,
		CreatedAt:    img.CreatedAt,
		DeleteToken:  result.DeleteToken,
	}
}

func (h HandlerSet) defaultSize() int {
	return slices.Min(h.cfg.Derivatives.Sizes)
}

func (h HandlerSet) GetImage(c *gin.Context) {
	details, err := h.images.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	img := details.Image
	resp := imageResponse{
		ID:          img.ID,
		URL:         h.imageURL(img.ID),
		Filename:    img.Filename,
		ContentType: img.ContentType,
		SizeBytes:   img.SizeBytes,
		Width:       img.Width,
		Height:      img.Height,
		OwnerID:     img.OwnerID,
		CreatedAt:   img.CreatedAt,
		Thumbnails:  make([]derivativeResponse, 0, len(details.Derivatives)),
	}
	for _, d := range details.Derivatives {
		item := derivativeResponse{
			Size:          d.TargetSize,
			Status:        string(d.Status),
			FailureStage:  d.FailureStage,
			FailureReason: d.FailureReason,
		}
		if d.Status == models.DerivativeReady {
			item.URL = h.thumbnailURL(img.ID, d.TargetSize)
			item.Width, item.Height = d.Width, d.Height
		}
		resp.Thumbnails = append(resp.Thumbnails, item)
	}

	c.JSON(http.StatusOK, resp)
}

func (h HandlerSet) GetImageFile(c *gin.Context) {
	img, data, err := h.images.File(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", img.Filename))
	c.Data(http.StatusOK, img.ContentType, data)
}

func (h HandlerSet) GetThumbnail(c *gin.Context) {
	size := 0
	if raw := c.Query("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.respondError(c, &service.ValidationError{Code: service.CodeInvalidSize, Message: "size must be a positive integer"})
			return
		}
		size = parsed
	}

	d, data, err := h.images.Thumbnail(c.Request.Context(), c.Param("id"), size)
	if errors.Is(err, service.ErrThumbnailNotReady) {
		body := gin.H{"error": "thumbnail_not_ready", "message": "thumbnail is not available yet"}
		if d.Status != "" {
			body["status"] = d.Status
		}
		c.JSON(http.StatusNotFound, body)
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h HandlerSet) DeleteImage(c *gin.Context) {
	err := h.images.Delete(c.Request.Context(), c.Param("id"), service.DeleteInput{
		OwnerID:     middleware.CurrentIdentity(c).OwnerID,
		DeleteToken: c.GetHeader(deleteTokenHeader),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
