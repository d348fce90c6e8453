package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/otadbridge/otadbridge/api/handler"
	"github.com/otadbridge/otadbridge/internal/service"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// SetupRouter 设置路由
func SetupRouter(rigService *service.RigService, sweepService *service.SweepService) *gin.Engine {
	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)

	// 创建路由引擎
	r := gin.New()

	// 添加中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())

	// 创建处理器
	rigHandler := handler.NewRigHandler(rigService)
	controllerHandler := handler.NewControllerHandler(rigService)
	recordHandler := handler.NewRecordHandler()
	sweepHandler := handler.NewSweepHandler(sweepService)
	logsHandler := handler.NewLogsHandler()

	// 根路径
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "OTAD Bridge",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	// API v1 路由组
	v1 := r.Group("/api/v1")
	{
		// 健康检查
		v1.GET("/health", rigHandler.Health)

		// 转盘操作路由
		rig := v1.Group("/rig")
		{
			rig.GET("/devices/count", rigHandler.DeviceCount)
			rig.GET("/devices/:device/info", rigHandler.DeviceInfo)
			rig.GET("/devices/:device/commands", rigHandler.ListCommands)
			rig.GET("/devices/:device/properties", rigHandler.ListProperties)
			rig.PUT("/devices/:device/properties", rigHandler.SetProperties)
			rig.GET("/devices/:device/properties/:property", rigHandler.GetProperty)
			rig.PUT("/devices/:device/properties/:property", rigHandler.SetProperty)
			rig.POST("/devices/:device/command", rigHandler.SendCommand)
			rig.POST("/devices/:device/rotate", rigHandler.Rotate)
			rig.POST("/devices/:device/rotate_degrees", rigHandler.RotateDegrees)
			rig.GET("/stats", rigHandler.GetStats)
		}

		// 控制主机管理路由
		controllers := v1.Group("/controllers")
		{
			controllers.POST("", controllerHandler.CreateController)
			controllers.GET("", controllerHandler.ListControllers)
			controllers.GET("/:name", controllerHandler.GetController)
			controllers.PUT("/:name", controllerHandler.UpdateController)
			controllers.DELETE("/:name", controllerHandler.DeleteController)
			controllers.POST("/:name/probe", controllerHandler.ProbeController)
		}

		// 操作记录路由
		records := v1.Group("/records")
		{
			records.GET("", recordHandler.ListRecords)
			records.GET("/:id", recordHandler.GetRecord)
		}

		// 环拍路由
		sweeps := v1.Group("/sweeps")
		{
			sweeps.POST("", sweepHandler.RunSweep)
			sweeps.GET("", sweepHandler.ListSweeps)
			sweeps.GET("/:id", sweepHandler.GetSweep)
		}

		// 日志查询
		v1.GET("/logs/tail", logsHandler.TailLogs)
	}

	// 404处理
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 记录请求开始时间
		start := time.Now()

		// 处理请求
		c.Next()

		// 计算处理时间
		duration := time.Since(start)

		// 获取请求信息
		requestID := c.GetString("request_id")
		method := c.Request.Method
		path := c.Request.URL.Path
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		userAgent := c.Request.UserAgent()

		// 记录日志
		logger.Info("HTTP Request",
			"request_id", requestID,
			"method", method,
			"path", path,
			"status", statusCode,
			"duration", duration,
			"client_ip", clientIP,
			"user_agent", userAgent,
		)

		// 如果是错误状态码，记录错误日志
		if statusCode >= 400 {
			logger.Error("HTTP Error",
				"request_id", requestID,
				"method", method,
				"path", path,
				"status", statusCode,
				"duration", duration,
				"client_ip", clientIP,
			)
		}
	}
}

// generateRequestID 生成请求ID
func generateRequestID() string {
	// 简单的请求ID生成，实际项目中可以使用UUID
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
