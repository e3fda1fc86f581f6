package checkins

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/apperr"
	"github.com/iconic-events/backend/internal/middleware"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/pkg/response"
)

// ScanRequest is the body for POST /checkins/scan.
type ScanRequest struct {
	Token   string     `json:"token" binding:"required"`
	EventID *uuid.UUID `json:"event_id,omitempty"`
}

// ManualRequest is the body for POST /events/:id/checkins/manual.
type ManualRequest struct {
	Identifier string `json:"identifier" binding:"required"` // user id or email
}

// Handler handles check-in HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a check-ins handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	var wait *RetryAfterError
	if errors.As(err, &wait) {
		c.Header("Retry-After", strconv.Itoa(secondsCeil(wait.After)))
	}
	if !apperr.IsDomain(err) {
		h.logger.Error(op+" failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
	}
	response.Error(c, err)
}

func eventParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}

// Generate handles POST /events/:id/checkins/generate.
func (h *Handler) Generate(c *gin.Context) {
	eventID, ok := eventParam(c)
	if !ok {
		return
	}
	issued, err := h.svc.Generate(c.Request.Context(), middleware.Principal(c), eventID)
	if err != nil {
		h.fail(c, "generate checkin", err)
		return
	}
	response.Created(c, issued)
}

// Scan handles POST /checkins/scan.
func (h *Handler) Scan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.Scan(c.Request.Context(), middleware.Principal(c), req.Token, req.EventID)
	if err != nil {
		h.fail(c, "scan checkin", err)
		return
	}
	response.OK(c, res)
}

// Manual handles POST /events/:id/checkins/manual.
func (h *Handler) Manual(c *gin.Context) {
	eventID, ok := eventParam(c)
	if !ok {
		return
	}
	var req ManualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	part, err := h.svc.ManualOverride(c.Request.Context(), middleware.Principal(c), eventID, req.Identifier)
	if err != nil {
		h.fail(c, "manual checkin", err)
		return
	}
	response.OK(c, gin.H{"checked_in": true, "participation": part})
}

// List handles GET /events/:id/checkins.
func (h *Handler) List(c *gin.Context) {
	eventID, ok := eventParam(c)
	if !ok {
		return
	}
	list, err := h.svc.ListByEvent(c.Request.Context(), middleware.Principal(c), eventID)
	if err != nil {
		h.fail(c, "list checkins", err)
		return
	}
	response.OK(c, list)
}

// Status handles GET /events/:id/checkins/status[?user_id=].
func (h *Handler) Status(c *gin.Context) {
	eventID, ok := eventParam(c)
	if !ok {
		return
	}
	var userID *uuid.UUID
	if raw := c.Query("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid user_id")
			return
		}
		userID = &id
	}
	st, err := h.svc.Status(c.Request.Context(), middleware.Principal(c), eventID, userID)
	if err != nil {
		h.fail(c, "checkin status", err)
		return
	}
	response.OK(c, st)
}

// Delete handles DELETE /checkins/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid checkin id")
		return
	}
	if err := h.svc.Delete(c.Request.Context(), middleware.Principal(c), id); err != nil {
		h.fail(c, "delete checkin", err)
		return
	}
	response.NoContent(c)
}

// Register mounts the routes on an authenticated group. generateLimit and scanLimit may be nil.
func (h *Handler) Register(rg *gin.RouterGroup, generateLimit, scanLimit gin.HandlerFunc) {
	staff := middleware.RequireRole(models.RoleScanner, models.RoleAdmin)
	rg.POST("/events/:id/checkins/generate", chain(generateLimit, h.Generate)...)
	rg.POST("/checkins/scan", chain(scanLimit, h.Scan)...)
	rg.POST("/events/:id/checkins/manual", staff, h.Manual)
	rg.GET("/events/:id/checkins", staff, h.List)
	rg.GET("/events/:id/checkins/status", h.Status)
	rg.DELETE("/checkins/:id", middleware.RequireRole(models.RoleAdmin), h.Delete)
}

func chain(limit gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	if limit == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{limit, handler}
}
