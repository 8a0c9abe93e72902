package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/tableforge/pkg/logger"
)

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleError 统一错误处理. Server-side failures are logged at error level,
// client mistakes at info.
func handleError(c *gin.Context, log logger.Logger, status int, message string, err error, details interface{}) {
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	if status >= 500 {
		log.Error(message, fields...)
	} else {
		log.Info(message, fields...)
	}

	response := ErrorResponse{
		Message: message,
		Details: details,
	}
	if err != nil {
		response.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, response)
}
