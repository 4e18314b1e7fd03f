package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/litreview-api/internal/models"
	appErrors "github.com/noah-isme/litreview-api/pkg/errors"
	"github.com/noah-isme/litreview-api/pkg/response"
)

type queueConfigService interface {
	Get(ctx context.Context, orgID string) (*models.QueueConfig, error)
}

// QueueConfigHandler exposes the caller organization's allocation policy.
type QueueConfigHandler struct {
	service queueConfigService
}

// NewQueueConfigHandler constructs the handler.
func NewQueueConfigHandler(service queueConfigService) *QueueConfigHandler {
	return &QueueConfigHandler{service: service}
}

// Get godoc
// @Summary Get the organization's queue policy
// @Tags Allocation
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /queue-config [get]
func (h *QueueConfigHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	cfg, err := h.service.Get(c.Request.Context(), actor.OrganizationID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, cfg)
}
