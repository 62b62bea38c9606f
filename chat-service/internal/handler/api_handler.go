package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/teachflow/teachflow-live/chat-service/internal/archive"
	"github.com/teachflow/teachflow-live/chat-service/internal/service"
	"github.com/teachflow/teachflow-live/pkg/jwt"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/middleware"
	"github.com/teachflow/teachflow-live/pkg/response"
)

// APIHandler serves the REST side of the chat service.
type APIHandler struct {
	service  service.ChatService
	archiver *archive.Archiver
}

func NewAPIHandler(svc service.ChatService, archiver *archive.Archiver) *APIHandler {
	return &APIHandler{service: svc, archiver: archiver}
}

// ListLiveClasses handles GET /api/live-classes.
func (h *APIHandler) ListLiveClasses(c *gin.Context) {
	rooms, err := h.service.ListRooms(c.Request.Context())
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to list live classes")
		response.InternalError(c, "failed to list live classes")
		return
	}
	response.Success(c, rooms)
}

// ListArchives handles GET /api/live-classes/:id/archives.
func (h *APIHandler) ListArchives(c *gin.Context) {
	if h.archiver == nil {
		response.NotFound(c, "archiving is disabled")
		return
	}
	entries, err := h.archiver.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to list archives")
		response.InternalError(c, "failed to list archives")
		return
	}
	response.Success(c, entries)
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine, auth *middleware.AuthMiddleware) {
	api := r.Group("/api/live-classes", auth.RequireAuth())
	{
		api.GET("", h.ListLiveClasses)
		api.GET("/:id/archives", auth.RequireRole(jwt.RoleTeacher, jwt.RoleAdmin), h.ListArchives)
	}
}
