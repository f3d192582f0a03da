package httpapi

import (
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, errorResponse{
		Success:   false,
		Error:     msg,
		ErrorCode: code,
	})
}
