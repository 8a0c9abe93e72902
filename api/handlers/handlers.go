package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/tableforge/internal/service/chat"
	"github.com/feichai0017/tableforge/internal/service/orchestrator"
	"github.com/feichai0017/tableforge/internal/store"
	"github.com/feichai0017/tableforge/pkg/logger"
)

type Handlers struct {
	Task *TaskHandler
	Chat *ChatHandler
}

func NewHandlers(
	orch orchestrator.Service,
	taskStore *store.Store,
	chatService chat.Service,
	maxUploadSize int64,
	log logger.Logger,
) *Handlers {
	log = log.Named("api")
	return &Handlers{
		Task: NewTaskHandler(orch, taskStore, maxUploadSize, log),
		Chat: NewChatHandler(chatService, log),
	}
}

// HealthCheck 健康检查
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
