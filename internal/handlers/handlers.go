package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chitram/api/internal/admission"
	"chitram/api/internal/auth"
	"chitram/api/internal/config"
	"chitram/api/internal/middleware"
	"chitram/api/internal/ratelimit"
	"chitram/api/internal/repository"
	"chitram/api/internal/service"
	"chitram/api/internal/storage"
)

// Services are the long-lived collaborators built by the application
// container.
type Services struct {
	Uploads    *service.UploadService
	Images     *service.ImageService
	Limiter    *ratelimit.Limiter
	Slots      *admission.Controller
	Store      repository.Store
	Files      *storage.Service
	Cache      redis.UniversalClient
	Identifier auth.Identifier
}

type HandlerSet struct {
	log        zerolog.Logger
	cfg        *config.AppConfig
	uploads    *service.UploadService
	images     *service.ImageService
	limiter    *ratelimit.Limiter
	slots      *admission.Controller
	store      repository.Store
	files      *storage.Service
	cache      redis.UniversalClient
	identifier auth.Identifier
	baseURL    string
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, svc Services) HandlerSet {
	identifier := svc.Identifier
	if identifier == nil {
		identifier = auth.Anonymous{}
	}

	return HandlerSet{
		log:        log.With().Str("component", "http").Logger(),
		cfg:        cfg,
		uploads:    svc.Uploads,
		images:     svc.Images,
		limiter:    svc.Limiter,
		slots:      svc.Slots,
		store:      svc.Store,
		files:      svc.Files,
		cache:      svc.Cache,
		identifier: identifier,
		baseURL:    strings.TrimSuffix(cfg.Storage.PublicBaseURL, "/"),
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.Use(middleware.Identify(h.identifier))
	v1.GET("/healthz", h.Health)

	upload := v1.Group("")
	upload.Use(middleware.RateLimit(h.limiter))
	if h.cfg.Auth.Required {
		upload.Use(middleware.RequireIdentity())
	}
	upload.POST("/images/upload", h.UploadImage)
	upload.POST("/upload", h.UploadImage)

	images := v1.Group("/images")
	images.GET("/:id", h.GetImage)
	images.GET("/:id/file", h.GetImageFile)
	images.GET("/:id/thumbnail", h.GetThumbnail)
	images.DELETE("/:id", h.DeleteImage)

	admin := v1.Group("/admin")
	admin.Use(middleware.RequireAdmin(h.cfg.Auth.Admins))
	admin.GET("/images", h.AdminListImages)
	admin.GET("/ratelimit/:identity", h.AdminRateLimitStatus)
	admin.DELETE("/ratelimit/:identity", h.AdminRateLimitReset)
}

func (h HandlerSet) imageURL(id string) string {
	return h.baseURL + "/api/v1/images/" + id + "/file"
}

func (h HandlerSet) thumbnailURL(id string, size int) string {
	return h.baseURL + "/api/v1/images/" + id + "/thumbnail?size=" + strconv.Itoa(size)
}
