package api

import (
	"net/http"

	"touchline/internal/models"
	"touchline/internal/storage"

	"github.com/gin-gonic/gin"
)

// subscriptionRequest is the JSON form of a browser PushSubscription.
type subscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

func (a *API) Subscribe(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "endpoint and keys are required")
		return
	}
	err := a.store.UpsertPushSubscription(storage.PushSubscription{
		UserID:   currentUser(c),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) Unsubscribe(c *gin.Context) {
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "endpoint is required")
		return
	}
	if err := a.store.DeletePushSubscription(currentUser(c), req.Endpoint); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true})
}
