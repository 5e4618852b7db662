// Package status serves health, metrics and a read-only view of the running
// pipeline.
package status

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"kapestr/internal/enrichment"
	"kapestr/internal/logger"
	"kapestr/pkg/errors"
	"kapestr/pkg/health"
)

type PipelineStats interface {
	Stats() enrichment.Stats
}

type NameCache interface {
	Get(author string) (string, bool)
}

type Handler struct {
	pipeline PipelineStats
	cache    NameCache
	health   *health.CheckerRegistry
	logger   logger.Logger
}

func NewHandler(pipeline PipelineStats, cache NameCache, registry *health.CheckerRegistry, log logger.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		cache:    cache,
		health:   registry,
		logger:   log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/pipeline", h.GetPipeline)
		v1.GET("/profiles/:pubkey", h.GetProfile)
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	ErrorCode string                 `json:"error_code"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Health godoc
// @Summary      Service health
// @Description  Relay connectivity and, when configured, Redis. Degraded still answers 200.
// @Tags         status
// @Produce      json
// @Success      200  {object}  health.Health
// @Failure      503  {object}  health.Health
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	res := h.health.Check(c.Request.Context())
	statusCode := http.StatusOK
	if res.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, res)
}

// GetPipeline godoc
// @Summary      Pipeline counters
// @Description  State and counters of the enrichment pipeline
// @Tags         status
// @Produce      json
// @Success      200  {object}  enrichment.Stats
// @Router       /api/v1/pipeline [get]
func (h *Handler) GetPipeline(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Stats())
}

type ProfileResponse struct {
	PubKey      string `json:"pubkey"`
	DisplayName string `json:"display_name"`
}

// GetProfile godoc
// @Summary      Cached display name
// @Description  Display name currently cached for an author
// @Tags         profiles
// @Produce      json
// @Param        pubkey  path      string  true  "Author public key, 64 hex characters"
// @Success      200     {object}  ProfileResponse
// @Failure      400     {object}  ErrorResponse
// @Failure      404     {object}  ErrorResponse
// @Router       /api/v1/profiles/{pubkey} [get]
func (h *Handler) GetProfile(c *gin.Context) {
	pubkey := strings.ToLower(c.Param("pubkey"))
	if !validPubKey(pubkey) {
		h.HandleError(c, errors.ErrValidation.
			WithMessage("pubkey must be 64 hex characters").
			WithDetail("pubkey", c.Param("pubkey")))
		return
	}

	name, ok := h.cache.Get(pubkey)
	if !ok {
		h.HandleError(c, errors.ErrNotFound.
			WithMessage("no display name cached for author").
			WithDetail("pubkey", pubkey))
		return
	}

	c.JSON(http.StatusOK, ProfileResponse{PubKey: pubkey, DisplayName: name})
}

func validPubKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
