// Package api serves the REST side of the chat: conversation previews,
// history pages, block state, media and push subscriptions.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"touchline/internal/auth"
	"touchline/internal/models"
	"touchline/internal/storage"
	"touchline/internal/thread"

	"github.com/gin-gonic/gin"
)

const userIDKey = "userID"

type Authenticator interface {
	GetUserID(token string) (string, error)
	Revoke(token string) error
}

// ChatService is the part of the hub the REST API shares with the socket.
type ChatService interface {
	Previews(userID string) ([]models.Preview, error)
	StartChat(userID, peerID string) (models.Chat, error)
	Chat(userID, chatID string) (models.Chat, error)
	History(userID, chatID string, limit int, before time.Time) ([]models.Message, error)
	DeleteChat(userID, chatID string) error
	SetBlocked(userID, chatID string, blocked bool) (models.Chat, error)
}

type Store interface {
	GetUser(id string) (models.User, error)
	ListUsers() ([]models.User, error)
	UpsertMediaMetadata(meta storage.MediaMetadata) error
	GetMediaMetadata(id string) (storage.MediaMetadata, error)
	UpsertPushSubscription(sub storage.PushSubscription) error
	DeletePushSubscription(userID, endpoint string) error
}

// Blobs is where uploaded media bytes live.
type Blobs interface {
	Put(r io.Reader) (hash string, size int64, err error)
	Get(hash string) (io.ReadCloser, error)
}

type API struct {
	auth   Authenticator
	chats  ChatService
	store  Store
	files  Blobs
	logger *slog.Logger
}

func New(authenticator Authenticator, chats ChatService, store Store, files Blobs) *API {
	return &API{
		auth:   authenticator,
		chats:  chats,
		store:  store,
		files:  files,
		logger: slog.Default().With("component", "api"),
	}
}

// RegisterRoutes mounts every endpoint under /api. All of them need a bearer token.
func (a *API) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/api", a.RequireAuth())

	g.GET("/me", a.Me)
	g.GET("/users", a.Users)
	g.POST("/logout", a.Logout)

	g.GET("/chats", a.ListChats)
	g.POST("/chats", a.StartChat)
	g.GET("/chats/:id", a.GetChat)
	g.DELETE("/chats/:id", a.DeleteChat)
	g.GET("/chats/:id/messages", a.Messages)
	g.POST("/chats/:id/block", a.Block)
	g.POST("/chats/:id/unblock", a.Unblock)

	g.POST("/media", a.UploadMedia)
	g.GET("/media/:id", a.GetMedia)

	g.POST("/push/subscriptions", a.Subscribe)
	g.DELETE("/push/subscriptions", a.Unsubscribe)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's id in the gin context.
func (a *API) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.auth.GetUserID(auth.BearerToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.APIResponse{Message: "Unauthorized"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// fail writes err as an APIResponse with the matching status code.
func (a *API) fail(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		a.logger.Error("request failed", "path", c.FullPath(), "user_id", currentUser(c), "error", err)
		msg = "Internal server error"
	case errors.Is(err, thread.ErrYouBlocked):
		msg = thread.ErrYouBlocked.Error()
	case errors.Is(err, thread.ErrBlockedByPeer):
		msg = thread.ErrBlockedByPeer.Error()
	}
	c.JSON(status, models.APIResponse{Message: msg})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, thread.ErrYouBlocked), errors.Is(err, thread.ErrBlockedByPeer), errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.APIResponse{Message: msg})
}

func (a *API) Me(c *gin.Context) {
	user, err := a.store.GetUser(currentUser(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Users lists everyone the caller can start a conversation with.
func (a *API) Users(c *gin.Context) {
	users, err := a.store.ListUsers()
	if err != nil {
		a.fail(c, err)
		return
	}
	me := currentUser(c)
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID != me {
			out = append(out, u)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) Logout(c *gin.Context) {
	if err := a.auth.Revoke(auth.BearerToken(c.Request)); err != nil {
		c.JSON(http.StatusUnauthorized, models.APIResponse{Message: "Unauthorized"})
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Logged out"})
}
