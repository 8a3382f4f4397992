package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const handlerTimeout = 5 * time.Second

// GinHandler /health：实时执行检查并附带监控器记录的连续失败信息
func (m *Monitor) GinHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), handlerTimeout)
		defer cancel()

		status, results := m.checker.Check(checkCtx)

		statusCode := http.StatusOK
		if status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		ctx.JSON(statusCode, gin.H{
			"status":    status,
			"checks":    results,
			"monitor":   m.States(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// GinLivenessHandler /health/live
func GinLivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "alive"})
	}
}

// GinReadinessHandler /health/ready：关键检查失败时返回 503，降级仍可接流量
func GinReadinessHandler(checker *Checker) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), handlerTimeout)
		defer cancel()

		status, results := checker.Check(checkCtx)
		statusCode := http.StatusOK
		if status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		ctx.JSON(statusCode, gin.H{"status": status, "checks": results})
	}
}

// RegisterRoutes 注册健康检查路由
func (m *Monitor) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", m.GinHandler())
	router.GET("/health/live", GinLivenessHandler())
	router.GET("/health/ready", GinReadinessHandler(m.checker))
}
