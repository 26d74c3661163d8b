package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/avaldez/finsight/internal/config"
)

func NewRouter(h *Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, h)
	return r
}
