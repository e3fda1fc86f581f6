package registrations

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/apperr"
	"github.com/iconic-events/backend/internal/middleware"
	"github.com/iconic-events/backend/internal/models"
	"github.com/iconic-events/backend/pkg/queue"
	"github.com/iconic-events/backend/pkg/response"
)

// JoinQueue hands joins to the background worker.
type JoinQueue interface {
	EnqueueJoin(ctx context.Context, payload queue.JoinPayload) (*queue.Job, error)
	GetStatus(ctx context.Context, jobID string) (*queue.Status, error)
}

// Handler handles registration HTTP endpoints.
type Handler struct {
	svc    *Service
	queue  JoinQueue
	logger *zap.Logger
}

// NewHandler creates a registrations handler. With a nil queue joins run synchronously.
func NewHandler(svc *Service, q JoinQueue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, queue: q, logger: logger}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	if !apperr.IsDomain(err) {
		h.logger.Error(op+" failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
	}
	response.Error(c, err)
}

func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// Join handles POST /events/:id/join. Returns 200 with the participation, or 202 with a job id when
// joins are queued.
func (h *Handler) Join(c *gin.Context) {
	eventID, ok := parseID(c, "id")
	if !ok {
		return
	}
	p := middleware.Principal(c)

	if h.queue != nil {
		job, err := h.queue.EnqueueJoin(c.Request.Context(), queue.JoinPayload{
			UserID:          p.UserID,
			EventID:         eventID,
			Role:            string(p.Role),
			Iconic:          p.Iconic,
			IconicExpiresAt: p.IconicExpiresAt,
		})
		if err != nil {
			h.fail(c, "enqueue join", err)
			return
		}
		c.Header("Location", "/registration-jobs/"+job.ID)
		response.Accepted(c, gin.H{"job_id": job.ID, "status": queue.StateQueued})
		return
	}

	part, err := h.svc.Join(c.Request.Context(), p, eventID)
	if err != nil {
		h.fail(c, "join", err)
		return
	}
	response.OK(c, part)
}

// JobStatus handles GET /registration-jobs/:id. Jobs of other users are reported as missing.
func (h *Handler) JobStatus(c *gin.Context) {
	if h.queue == nil {
		response.Error(c, apperr.ErrJobNotFound)
		return
	}
	st, err := h.queue.GetStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrStatusNotFound) {
		response.Error(c, apperr.ErrJobNotFound)
		return
	}
	if err != nil {
		h.fail(c, "job status", err)
		return
	}
	p := middleware.Principal(c)
	if st.OwnerID != p.UserID && p.Role != models.RoleAdmin {
		response.Error(c, apperr.ErrJobNotFound)
		return
	}
	response.OK(c, st)
}

// Mine handles GET /events/:id/participation.
func (h *Handler) Mine(c *gin.Context) {
	eventID, ok := parseID(c, "id")
	if !ok {
		return
	}
	part, err := h.svc.Mine(c.Request.Context(), middleware.Principal(c), eventID)
	if err != nil {
		h.fail(c, "get own participation", err)
		return
	}
	response.OK(c, part)
}

// ListParticipants handles GET /events/:id/participants.
func (h *Handler) ListParticipants(c *gin.Context) {
	eventID, ok := parseID(c, "id")
	if !ok {
		return
	}
	list, err := h.svc.ListConfirmed(c.Request.Context(), middleware.Principal(c), eventID)
	if err != nil {
		h.fail(c, "list participants", err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /participations/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	part, err := h.svc.Get(c.Request.Context(), middleware.Principal(c), id)
	if err != nil {
		h.fail(c, "get participation", err)
		return
	}
	response.OK(c, part)
}

// Cancel handles POST /participations/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	part, err := h.svc.Cancel(c.Request.Context(), middleware.Principal(c), id)
	if err != nil {
		h.fail(c, "cancel participation", err)
		return
	}
	response.OK(c, part)
}

// Purge handles DELETE /participations/:id.
func (h *Handler) Purge(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Purge(c.Request.Context(), middleware.Principal(c), id); err != nil {
		h.fail(c, "purge participation", err)
		return
	}
	response.NoContent(c)
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup, joinLimit gin.HandlerFunc) {
	join := []gin.HandlerFunc{h.Join}
	if joinLimit != nil {
		join = append([]gin.HandlerFunc{joinLimit}, join...)
	}
	rg.POST("/events/:id/join", join...)
	rg.GET("/events/:id/participation", h.Mine)
	rg.GET("/events/:id/participants", h.ListParticipants)
	rg.GET("/registration-jobs/:id", h.JobStatus)
	rg.GET("/participations/:id", h.Get)
	rg.POST("/participations/:id/cancel", h.Cancel)
	rg.DELETE("/participations/:id", middleware.RequireRole(models.RoleAdmin), h.Purge)
}
