package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/teachflow/teachflow-live/auth-service/internal/domain"
	"github.com/teachflow/teachflow-live/auth-service/internal/repository"
	"github.com/teachflow/teachflow-live/auth-service/internal/service"
	"github.com/teachflow/teachflow-live/pkg/log"
	"github.com/teachflow/teachflow-live/pkg/middleware"
	"github.com/teachflow/teachflow-live/pkg/response"
)

// Handler handles HTTP requests for auth service.
type Handler struct {
	authService    service.AuthService
	authMiddleware *middleware.AuthMiddleware
}

func NewHandler(authService service.AuthService, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		authService:    authService,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.RefreshToken)
		auth.POST("/logout", h.authMiddleware.RequireAuth(), h.Logout)
		auth.GET("/me", h.authMiddleware.RequireAuth(), h.GetMe)
	}
}

// Register handles user registration.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req domain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid register request")
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.authService.Register(ctx, &req)
	switch {
	case err == nil:
		response.Created(c, result)
	case errors.Is(err, repository.ErrEmailExists):
		response.Conflict(c, "email already exists")
	case errors.Is(err, repository.ErrUsernameExists):
		response.Conflict(c, "username already exists")
	case errors.Is(err, service.ErrRoleNotAllowed):
		response.Forbidden(c, err.Error())
	default:
		l.Error().Err(err).Msg("register failed")
		response.InternalError(c, "failed to register user")
	}
}

// Login handles user login.
func (h *Handler) Login(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req domain.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid login request")
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.authService.Login(ctx, &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			response.Unauthorized(c, "invalid email or password")
			return
		}
		l.Error().Err(err).Msg("login failed")
		response.InternalError(c, "failed to login")
		return
	}

	response.Success(c, result)
}

// RefreshToken handles token refresh. Any failure answers 401 so clients
// end their session.
func (h *Handler) RefreshToken(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req domain.RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid refresh token request")
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.authService.RefreshToken(ctx, &req)
	if err != nil {
		l.Warn().Err(err).Msg("refresh token failed")
		response.Unauthorized(c, "invalid or expired refresh token")
		return
	}

	response.Success(c, result)
}

// Logout revokes the caller's tokens.
func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	if err := h.authService.Logout(ctx, userID); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("logout failed")
		response.InternalError(c, "failed to logout")
		return
	}
	response.Success(c, gin.H{"message": "logged out"})
}

// GetMe returns current user info.
func (h *Handler) GetMe(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	userID := middleware.GetUserID(c)

	user, err := h.authService.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("get user failed")
		response.InternalError(c, "failed to get user")
		return
	}

	response.Success(c, user)
}
