package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type admissionStatus struct {
	Limit     int `json:"limit"`
	Active    int `json:"active"`
	Available int `json:"available"`
}

type healthResponse struct {
	Status      string          `json:"status"`
	Database    string          `json:"database"`
	Cache       string          `json:"cache"`
	Storage     string          `json:"storage"`
	Backend     string          `json:"storageBackend"`
	Admission   admissionStatus `json:"admission"`
	Environment string          `json:"environment"`
}

func (h HandlerSet) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK

	dbStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		dbStatus = "error"
		status = "unavailable"
		code = http.StatusServiceUnavailable
		h.log.Error().Err(err).Msg("database ping failed")
	}

	// the rate limiter fails open, so a dead cache only degrades
	cacheStatus := "disabled"
	if h.cache != nil {
		cacheStatus = "ok"
		if err := h.cache.Ping(ctx).Err(); err != nil {
			cacheStatus = "error"
			if status == "ok" {
				status = "degraded"
			}
			h.log.Warn().Err(err).Msg("redis ping failed")
		}
	}

	storageStatus := "ok"
	if _, err := h.files.Exists(ctx, ".healthz"); err != nil {
		storageStatus = "error"
		if status == "ok" {
			status = "degraded"
		}
		h.log.Error().Err(err).Msg("storage check failed")
	}

	c.JSON(code, healthResponse{
		Status:   status,
		Database: dbStatus,
		Cache:    cacheStatus,
		Storage:  storageStatus,
		Backend:  h.files.Backend(),
		Admission: admissionStatus{
			Limit:     h.slots.Limit(),
			Active:    h.slots.Active(),
			Available: h.slots.Available(),
		},
		Environment: h.cfg.Environment,
	})
}
