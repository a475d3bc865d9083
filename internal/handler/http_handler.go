package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/weiawesome/wes-io-relay/internal/directory"
	"github.com/weiawesome/wes-io-relay/internal/domain"
	"github.com/weiawesome/wes-io-relay/internal/service"
	"github.com/weiawesome/wes-io-relay/pkg/log"
	"github.com/weiawesome/wes-io-relay/pkg/middleware"
	"github.com/weiawesome/wes-io-relay/pkg/response"
)

// Handler handles the REST API.
type Handler struct {
	userService    service.UserService
	relayService   service.RelayService
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(userService service.UserService, relayService service.RelayService, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		userService:    userService,
		relayService:   relayService,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		// Public routes
		auth := api.Group("/auth")
		{
			auth.POST("/signup", h.Signup)
			auth.POST("/login", h.Login)
		}

		// Protected routes
		protected := api.Group("")
		protected.Use(h.authMiddleware.RequireAuth())
		{
			protected.GET("/messages/:username", h.History)
			protected.GET("/users", h.Contacts)
			protected.GET("/users/search", h.Search)
			protected.GET("/presence", h.Presence)
		}
	}
}

// Signup handles user registration.
func (h *Handler) Signup(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req domain.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid signup request")
		response.BadRequest(c, "display_name, username, password and confirm_password are required")
		return
	}

	result, err := h.userService.Signup(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrInvalidUsername):
			response.BadRequest(c, err.Error())
		case errors.Is(err, service.ErrPasswordMismatch):
			response.BadRequest(c, "passwords do not match")
		case errors.Is(err, directory.ErrUsernameExists):
			response.Conflict(c, "username already exists")
		default:
			response.InternalError(c, "failed to register user")
		}
		return
	}

	response.Created(c, result)
}

// Login handles user login.
func (h *Handler) Login(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req domain.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid login request")
		response.BadRequest(c, "username and password are required")
		return
	}

	result, err := h.userService.Login(ctx, &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			response.Unauthorized(c, "invalid username or password")
			return
		}
		response.InternalError(c, "failed to login")
		return
	}

	response.Success(c, result)
}

// History returns the caller's conversation with :username.
func (h *Handler) History(c *gin.Context) {
	ctx := c.Request.Context()
	other := strings.TrimSpace(c.Param("username"))
	if other == "" {
		response.BadRequest(c, "username is required")
		return
	}

	messages, err := h.userService.History(ctx, middleware.GetUsername(c), other)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRecipient, other).Msg("failed to load history")
		response.InternalError(c, "failed to load messages")
		return
	}

	response.Success(c, messages)
}

// Contacts returns the users the caller has exchanged messages with.
func (h *Handler) Contacts(c *gin.Context) {
	ctx := c.Request.Context()

	users, err := h.userService.Contacts(ctx, middleware.GetUsername(c))
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to load contacts")
		response.InternalError(c, "failed to load users")
		return
	}

	response.Success(c, users)
}

// Search finds users by username.
func (h *Handler) Search(c *gin.Context) {
	ctx := c.Request.Context()

	users, err := h.userService.Search(ctx, middleware.GetUsername(c), c.Query("q"))
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to search users")
		response.InternalError(c, "failed to search users")
		return
	}

	response.Success(c, users)
}

// Presence returns the users currently online.
func (h *Handler) Presence(c *gin.Context) {
	users := h.relayService.OnlineUsers()
	response.Success(c, gin.H{
		"online_users": lo.Map(users, func(u domain.Identity, _ int) string { return u.Username }),
		"users":        users,
	})
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
