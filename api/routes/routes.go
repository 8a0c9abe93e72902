package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/tableforge/api/handlers"
	"github.com/feichai0017/tableforge/api/middleware"
	"github.com/feichai0017/tableforge/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS())

	v1 := r.Group("/api/v1")

	v1.GET("/health", handlers.HealthCheck)
	v1.GET("/guard", h.Task.GetGuard)

	tasks := v1.Group("/tasks")
	{
		tasks.GET("", h.Task.ListTasks)
		tasks.POST("", h.Task.CreateTask)
		tasks.GET("/stream", h.Task.StreamTasks)
		tasks.POST("/resume", h.Task.ResumeTasks)
		tasks.GET("/:id", h.Task.GetTask)
		tasks.DELETE("/:id", h.Task.DeleteTask)
		tasks.POST("/:id/trigger", h.Task.TriggerTask)
	}

	chat := v1.Group("/chat")
	{
		chat.POST("", h.Chat.Ask)
		chat.GET("/messages", h.Chat.Messages)
	}
}
