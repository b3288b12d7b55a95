package v1

import (
	"net/http"

	"github.com/go-chatty/chatty-dm/internal/logger"
	httpHandler "github.com/go-chatty/chatty-dm/internal/pkg/chat/presentation/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewEngine builds the gin engine with recovery, request logging and a
// health probe at /.
func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(log))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "OK",
		})
	})
	return r
}

// RegisterRoutes mounts all version 1 API routes under /api/v1
func RegisterRoutes(r *gin.Engine, d httpHandler.Dependencies) {
	v1 := r.Group("/api/v1")
	httpHandler.RegisterRoutes(v1, d)
}
