package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (h HandlerSet) AdminListImages(c *gin.Context) {
	limit := 50
	offset := 0

	if perPage := c.Query("perPage"); perPage != "" {
		if v, err := strconv.Atoi(perPage); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if page := c.Query("page"); page != "" {
		if v, err := strconv.Atoi(page); err == nil && v > 1 {
			offset = (v - 1) * limit
		}
	}

	images, err := h.images.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(images))
	for _, img := range images {
		items = append(items, map[string]interface{}{
			"id":          img.ID,
			"ownerId":     img.OwnerID,
			"contentType": img.ContentType,
			"sizeBytes":   img.SizeBytes,
			"uploadIp":    img.UploadIP,
			"createdAt":   img.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
	})
}

func (h HandlerSet) AdminRateLimitStatus(c *gin.Context) {
	status, err := h.limiter.Status(c.Request.Context(), c.Param("identity"))
	if err != nil {
		h.log.Warn().Err(err).Msg("rate limit status unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":  c.Param("identity"),
		"count":     status.Count,
		"limit":     status.Limit,
		"remaining": status.Remaining,
		"resetIn":   status.ResetSeconds(),
		"degraded":  status.Degraded,
	})
}

func (h HandlerSet) AdminRateLimitReset(c *gin.Context) {
	if err := h.limiter.Reset(c.Request.Context(), c.Param("identity")); err != nil {
		h.log.Warn().Err(err).Msg("rate limit reset failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache_unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}
