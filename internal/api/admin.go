package api

import (
	"log/slog"
	"net/http"
	"time"

	"touchline/internal/auth"
	"touchline/internal/content"
	"touchline/internal/models"

	"github.com/gin-gonic/gin"
)

type UserRegistry interface {
	AddUser(req auth.AddUserRequest) (models.User, error)
	IssueToken(userID string) (string, time.Time, error)
}

type UserStore interface {
	UpsertUser(user models.User) error
	GetUser(id string) (models.User, error)
}

// AdminHandler manages accounts. It is only served on the admin address.
type AdminHandler struct {
	registry UserRegistry
	store    UserStore
	logger   *slog.Logger
}

func NewAdminHandler(registry UserRegistry, store UserStore) *AdminHandler {
	return &AdminHandler{
		registry: registry,
		store:    store,
		logger:   slog.Default().With("component", "admin"),
	}
}

func (h *AdminHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/admin/users", h.AddUser)
	r.POST("/admin/users/:id/token", h.IssueToken)
}

func (h *AdminHandler) AddUser(c *gin.Context) {
	var req auth.AddUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if err := content.ValidateUsername(req.Username); err != nil {
		badRequest(c, err.Error())
		return
	}
	switch req.Role {
	case "", models.UserRoleCandidate, models.UserRoleEmployer:
	default:
		badRequest(c, "role must be candidate or employer")
		return
	}
	req.DisplayName = content.DisplayName(req.DisplayName)

	user, err := h.registry.AddUser(req)
	if err != nil {
		c.JSON(statusOf(err), models.APIResponse{Message: err.Error()})
		return
	}
	if err := h.store.UpsertUser(user); err != nil {
		h.logger.Error("failed to store user", "username", user.UserName, "error", err)
		c.JSON(http.StatusInternalServerError, models.APIResponse{Message: "Failed to store user"})
		return
	}

	token, exp, err := h.registry.IssueToken(user.ID)
	if err != nil {
		h.logger.Error("failed to issue token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, models.APIResponse{Message: "Failed to issue token"})
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "username", user.UserName)
	c.JSON(http.StatusCreated, auth.AddUserResponse{User: user, Token: token, TokenExpiry: exp.Unix()})
}

// IssueToken hands out a fresh token for an existing user.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	user, err := h.store.GetUser(c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), models.APIResponse{Message: err.Error()})
		return
	}
	token, exp, err := h.registry.IssueToken(user.ID)
	if err != nil {
		h.logger.Error("failed to issue token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, models.APIResponse{Message: "Failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, auth.AddUserResponse{User: user, Token: token, TokenExpiry: exp.Unix()})
}
