package api

import (
	"net/http"
	"strconv"
	"time"

	"touchline/internal/models"

	"github.com/gin-gonic/gin"
)

type startChatRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

func (a *API) ListChats(c *gin.Context) {
	previews, err := a.chats.Previews(currentUser(c))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, previews)
}

// StartChat returns the conversation with peerId, creating it on first use.
func (a *API) StartChat(c *gin.Context) {
	var req startChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "peerId is required")
		return
	}
	chat, err := a.chats.StartChat(currentUser(c), req.PeerID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (a *API) GetChat(c *gin.Context) {
	chat, err := a.chats.Chat(currentUser(c), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (a *API) DeleteChat(c *gin.Context) {
	if err := a.chats.DeleteChat(currentUser(c), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true})
}

// Messages serves a history page: ?limit=N&before=<RFC 3339 time>, oldest first.
func (a *API) Messages(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var before time.Time
	if s := c.Query("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			badRequest(c, "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	messages, err := a.chats.History(currentUser(c), c.Param("id"), limit, before)
	if err != nil {
		a.fail(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (a *API) Block(c *gin.Context) {
	a.setBlocked(c, true)
}

func (a *API) Unblock(c *gin.Context) {
	a.setBlocked(c, false)
}

func (a *API) setBlocked(c *gin.Context, blocked bool) {
	chat, err := a.chats.SetBlocked(currentUser(c), c.Param("id"), blocked)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}
