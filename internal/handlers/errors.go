package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chitram/api/internal/admission"
	"chitram/api/internal/repository"
	"chitram/api/internal/service"
	"chitram/api/internal/storage"
)

// statusClientClosed is logged when the client went away mid-request.
const statusClientClosed = 499

// respondError maps core errors onto HTTP. Nothing below the handlers knows
// about status codes.
func (h HandlerSet) respondError(c *gin.Context, err error) {
	var (
		capErr *admission.CapacityError
		verr   *service.ValidationError
	)

	switch {
	case errors.As(err, &capErr):
		c.Header("Retry-After", strconv.Itoa(capErr.RetryAfterSeconds()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "server_busy",
			"message":    "upload capacity exhausted, try again shortly",
			"retryAfter": capErr.RetryAfterSeconds(),
		})
	case errors.Is(err, storage.ErrUnavailable):
		h.log.Error().Err(err).Msg("storage unavailable")
		retry := retryAfterSeconds(h.cfg.Upload.RetryAfter.Seconds())
		c.Header("Retry-After", strconv.Itoa(retry))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "storage_unavailable",
			"message":    "storage is temporarily unavailable",
			"retryAfter": retry,
		})
	case errors.As(err, &verr):
		body := gin.H{"error": verr.Code, "message": verr.Message}
		if len(verr.Details) > 0 {
			body["details"] = verr.Details
		}
		c.JSON(validationStatus(verr.Code), body)
	case errors.Is(err, repository.ErrImageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "image not found"})
	case errors.Is(err, service.ErrThumbnailNotReady):
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail_not_ready", "message": "thumbnail is not available yet"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrDeleteTokenRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "delete_token_required", "message": "X-Delete-Token header is required"})
	case errors.Is(err, service.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, context.Canceled):
		h.log.Debug().Err(err).Msg("client closed request")
		c.AbortWithStatus(statusClientClosed)
	default:
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	}
}

func validationStatus(code string) int {
	switch code {
	case service.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case service.CodeUnsupportedType:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

func retryAfterSeconds(seconds float64) int {
	n := int(seconds)
	if float64(n) < seconds {
		n++
	}
	return max(1, n)
}
