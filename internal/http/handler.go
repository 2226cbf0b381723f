package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-gate-service/internal/intake"
	"anpr-gate-service/internal/service"
)

type Handler struct {
	gateService *service.GateService
	log         zerolog.Logger
}

func NewHandler(gateService *service.GateService, log zerolog.Logger) *Handler {
	return &Handler{
		gateService: gateService,
		log:         log.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/detections", h.createDetection)
		public.GET("/detections/pending", h.listPendingDetections)
		public.GET("/sessions/active", h.listActiveSessions)
		public.GET("/sessions", h.listSessionHistory)
		public.GET("/sessions/:id", h.getSession)
		public.GET("/events", h.listEvents)
		public.GET("/stats", h.stats)
	}

	// Operator endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/alerts", h.listAlerts)
		protected.GET("/reviews", h.listReviews)
		protected.POST("/reviews/:id/decision", h.decideReview)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) createDetection(c *gin.Context) {
	var payload intake.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	result, err := h.gateService.RegisterCameraDetection(c.Request.Context(), payload)
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == service.StatusVerified || result.Status == service.StatusStandalone {
		status = http.StatusCreated
	}
	c.JSON(status, successResponse(result))
}

func (h *Handler) listPendingDetections(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.gateService.GetPendingDetections()))
}

func (h *Handler) listActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.gateService.GetActiveSessions()))
}

func (h *Handler) listSessionHistory(c *gin.Context) {
	plate := strings.TrimSpace(c.Query("plate"))
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate parameter is required"))
		return
	}

	sessions, err := h.gateService.GetSessionHistory(c.Request.Context(), plate, queryInt(c, "limit", 50))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(sessions))
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.gateService.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(sess))
}

func (h *Handler) listEvents(c *gin.Context) {
	var plateQuery *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}

	var from, to *string
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	events, err := h.gateService.FindVerifiedEvents(c.Request.Context(), plateQuery, from, to,
		queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.gateService.Stats()))
}

func (h *Handler) listAlerts(c *gin.Context) {
	alerts, err := h.gateService.GetUnresolvedAlerts(c.Query("severity"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(alerts))
}

func (h *Handler) listReviews(c *gin.Context) {
	pendingOnly := true
	if p := c.Query("pending"); p != "" {
		parsed, err := strconv.ParseBool(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("pending must be true or false"))
			return
		}
		pendingOnly = parsed
	}
	c.JSON(http.StatusOK, successResponse(h.gateService.GetReviews(pendingOnly)))
}

type reviewDecisionRequest struct {
	Decision       string `json:"decision" binding:"required"`
	CorrectedPlate string `json:"corrected_plate"`
}

func (h *Handler) decideReview(c *gin.Context) {
	var req reviewDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	flag, err := h.gateService.DecideReview(c.Param("id"), req.Decision, req.CorrectedPlate)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().
		Str("review_id", flag.ID).
		Str("operator", c.GetString(operatorKey)).
		Msg("review decision submitted")
	c.JSON(http.StatusOK, successResponse(flag))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

// queryInt reads a non-negative integer query parameter, falling back to def
// when it is absent or unparsable.
func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}
