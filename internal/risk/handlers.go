package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
)

// ActorHeader names the operator behind an administrative request
const ActorHeader = "X-Actor"

// defaultStatisticsWindow applies when a statistics request names no window
const defaultStatisticsWindow = 7 * 24 * time.Hour

// Handler exposes the engine and the admin operations over HTTP
type Handler struct {
	engine *Engine
	admin  *Admin
	reader AnalysisReader
	logger *zap.Logger
}

// NewHandler creates a Handler
func NewHandler(engine *Engine, admin *Admin, reader AnalysisReader, log *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		admin:  admin,
		reader: reader,
		logger: log.With(zap.String("component", "risk_http")),
	}
}

// RegisterRoutes registers the antifraud routes
func RegisterRoutes(router gin.IRouter, h *Handler) {
	api := router.Group("/api/v1/antifraud")
	{
		api.POST("/analyze", h.handleAnalyze)
		api.POST("/geofence/validate", h.handleValidateGeofence)

		// Operator actions
		api.POST("/devices/:hash/block", h.handleBlockDevice)
		api.POST("/devices/:hash/trust", h.handleTrustDevice)
		api.POST("/devices/:hash/unblock", h.handleUnblockDevice)
		api.POST("/ips/:ip/block", h.handleBlockIP)
		api.POST("/ips/:ip/unblock", h.handleUnblockIP)
		api.PUT("/geofences", h.handlePutGeofence)
		api.GET("/geofences/:owner", h.handleListGeofences)

		// Audit trail
		api.GET("/analyses", h.handleListAnalyses)
		api.GET("/statistics", h.handleStatistics)
	}
}

func (h *Handler) handleAnalyze(c *gin.Context) {
	var req AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	result, err := h.engine.Analyze(c.Request.Context(), req)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type validateGeofenceRequest struct {
	SubjectID             string            `json:"subjectId"`
	FingerprintHash       string            `json:"fingerprintHash"`
	Geolocation           *GeolocationInput `json:"geolocation"`
	OverrideJustification string            `json:"overrideJustification"`
}

func (h *Handler) handleValidateGeofence(c *gin.Context) {
	var req validateGeofenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if req.Geolocation == nil {
		apperrors.HandleError(c, apperrors.ValidationError("geolocation is required"))
		return
	}

	validation, err := h.engine.Geofences().ValidateReading(c.Request.Context(),
		req.SubjectID, req.FingerprintHash, *req.Geolocation, req.OverrideJustification)
	if err != nil {
		var appErr *apperrors.AppError
		if validation != nil && errors.As(err, &appErr) {
			c.JSON(appErr.StatusCode, gin.H{
				"error":      appErr.Code,
				"message":    appErr.Message,
				"details":    appErr.Details,
				"validation": validation,
			})
			return
		}
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, validation)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context) string {
	var body reasonRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&body)
	return body.Reason
}

func (h *Handler) handleBlockDevice(c *gin.Context) {
	fp, err := h.admin.BlockDevice(c.Request.Context(), c.GetHeader(ActorHeader), c.Param("hash"), bindReason(c))
	h.respond(c, fp, err)
}

func (h *Handler) handleTrustDevice(c *gin.Context) {
	fp, err := h.admin.TrustDevice(c.Request.Context(), c.GetHeader(ActorHeader), c.Param("hash"))
	h.respond(c, fp, err)
}

func (h *Handler) handleUnblockDevice(c *gin.Context) {
	fp, err := h.admin.UnblockDevice(c.Request.Context(), c.GetHeader(ActorHeader), c.Param("hash"))
	h.respond(c, fp, err)
}

func (h *Handler) handleBlockIP(c *gin.Context) {
	rec, err := h.admin.BlockIP(c.Request.Context(), c.GetHeader(ActorHeader), c.Param("ip"), bindReason(c))
	h.respond(c, rec, err)
}

func (h *Handler) handleUnblockIP(c *gin.Context) {
	rec, err := h.admin.UnblockIP(c.Request.Context(), c.GetHeader(ActorHeader), c.Param("ip"))
	h.respond(c, rec, err)
}

func (h *Handler) handlePutGeofence(c *gin.Context) {
	var fence Geofence
	if err := c.ShouldBindJSON(&fence); err != nil {
		apperrors.HandleError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	saved, err := h.admin.PutGeofence(c.Request.Context(), c.GetHeader(ActorHeader), fence)
	h.respond(c, saved, err)
}

func (h *Handler) handleListGeofences(c *gin.Context) {
	fences, err := h.admin.ListGeofences(c.Request.Context(), c.Param("owner"))
	h.respond(c, fences, err)
}

func (h *Handler) handleListAnalyses(c *gin.Context) {
	subjectID := c.Query("subjectId")
	if subjectID == "" {
		apperrors.HandleError(c, apperrors.ValidationError("subjectId is required"))
		return
	}
	limit, err := intQuery(c, "limit", DefaultHistoryLimit)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	page, err := h.reader.ListAnalyses(c.Request.Context(), subjectID, limit, offset)
	h.respond(c, page, err)
}

// handleStatistics aggregates from ?since (RFC 3339) or over the last ?days
// days. days=0 covers the whole trail.
func (h *Handler) handleStatistics(c *gin.Context) {
	since := h.engine.now().Add(-defaultStatisticsWindow)
	switch {
	case c.Query("since") != "":
		t, err := time.Parse(time.RFC3339, c.Query("since"))
		if err != nil {
			apperrors.HandleError(c, apperrors.ValidationError("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	case c.Query("days") != "":
		days, err := intQuery(c, "days", 0)
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		if days < 0 {
			apperrors.HandleError(c, apperrors.ValidationError("days must not be negative"))
			return
		}
		since = time.Time{}
		if days > 0 {
			since = h.engine.now().AddDate(0, 0, -days)
		}
	}

	stats, err := h.reader.Statistics(c.Request.Context(), since)
	h.respond(c, stats, err)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.ValidationError(key + " must be an integer")
	}
	return n, nil
}

func (h *Handler) respond(c *gin.Context, body interface{}, err error) {
	if err != nil {
		h.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		apperrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}
