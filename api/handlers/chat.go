package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/tableforge/internal/models"
	"github.com/feichai0017/tableforge/internal/service/chat"
	"github.com/feichai0017/tableforge/pkg/logger"
)

type ChatHandler struct {
	service chat.Service
	logger  logger.Logger
}

type AskRequest struct {
	Question string `json:"question"`
}

type MessagesResponse struct {
	Source   string           `json:"source,omitempty"`
	Tables   []string         `json:"tables"`
	Messages []models.Message `json:"messages"`
}

func NewChatHandler(service chat.Service, log logger.Logger) *ChatHandler {
	return &ChatHandler{service: service, logger: log}
}

// Ask sends a question over the active data source.
func (h *ChatHandler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid request body", err, nil)
		return
	}

	reply, err := h.service.Ask(c.Request.Context(), req.Question)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, reply)
	case errors.Is(err, chat.ErrEmptyQuestion):
		handleError(c, h.logger, http.StatusBadRequest, "Question is required", err, nil)
	case errors.Is(err, chat.ErrNoDataSource), errors.Is(err, chat.ErrQueryInFlight):
		handleError(c, h.logger, http.StatusConflict, "Chat unavailable", err, nil)
	default:
		// the error turn is already in the transcript
		handleError(c, h.logger, http.StatusBadGateway, "Query failed", err, reply)
	}
}

// Messages returns the transcript of the active data source.
func (h *ChatHandler) Messages(c *gin.Context) {
	resp := MessagesResponse{Messages: h.service.Messages(), Tables: []string{}}
	if src, ok := h.service.Source(); ok {
		resp.Source = src.ID
		resp.Tables = src.Tables()
	}
	c.JSON(http.StatusOK, resp)
}
