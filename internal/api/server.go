// Package api exposes the operator REST surface: device inventory, task and
// command management, USP operations and firmware deployments.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dexter939/EvoAcsss-sub001/internal/cwmp"
	"github.com/dexter939/EvoAcsss-sub001/internal/database"
	"github.com/dexter939/EvoAcsss-sub001/internal/usp"
	"github.com/dexter939/EvoAcsss-sub001/pkg/kafka"
	"github.com/dexter939/EvoAcsss-sub001/pkg/metrics"
	"github.com/dexter939/EvoAcsss-sub001/pkg/version"
)

const serviceName = "acs-api"

// Server is the operator-facing REST API
type Server struct {
	port       int
	router     *gin.Engine
	server     *http.Server
	repos      *database.Repositories
	db         *database.Database
	connreq    *cwmp.ConnectionRequester
	dispatcher *usp.Dispatcher
	events     *kafka.Producer
	metrics    *metrics.AcsMetrics
}

// NewServer wires the API against the storage layer and the two protocol
// paths. events and m may be nil when the bus or metrics are disabled.
func NewServer(port int, db *database.Database, repos *database.Repositories, connreq *cwmp.ConnectionRequester, dispatcher *usp.Dispatcher, events *kafka.Producer, m *metrics.AcsMetrics) *Server {
	s := &Server{
		port:       port,
		repos:      repos,
		db:         db,
		connreq:    connreq,
		dispatcher: dispatcher,
		events:     events,
		metrics:    m,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)

	s.router = gin.New()
	s.router.Use(gin.Logger())
	s.router.Use(gin.Recovery())
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/status", s.getStatus)
	s.router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))

	v1 := s.router.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:id", s.getDevice)
			devices.GET("/:id/parameters", s.getDeviceParameters)
			devices.GET("/:id/clients", s.getConnectedClients)
			devices.GET("/:id/tasks", s.getDeviceTasks)
			devices.POST("/:id/tasks", s.createTask)
			devices.GET("/:id/commands", s.getDeviceCommands)
			devices.POST("/:id/commands", s.createCommand)
			devices.POST("/:id/subscriptions", s.createSubscription)
			devices.GET("/:id/subscriptions", s.listSubscriptions)
			devices.POST("/:id/deployments", s.createDeployment)

			uspOps := devices.Group("/:id/usp")
			{
				uspOps.POST("/get", s.uspGet)
				uspOps.POST("/set", s.uspSet)
				uspOps.POST("/add", s.uspAdd)
				uspOps.POST("/delete", s.uspDelete)
				uspOps.POST("/operate", s.uspOperate)
			}
		}

		v1.GET("/tasks/:id", s.getTask)
		v1.DELETE("/commands/:id", s.cancelCommand)
		v1.DELETE("/subscriptions/:id", s.deleteSubscription)
		v1.GET("/deployments/:id", s.getDeployment)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(
				serviceName,
				c.Request.Method,
				c.FullPath(),
				strconv.Itoa(c.Writer.Status()),
				time.Since(start),
			)
		}
	}
}

// Start serves the API until the listener fails or Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	log.Printf("🚀 API server starting on port %d", s.port)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Printf("🛑 Shutting down API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthCheck(c *gin.Context) {
	if err := s.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": version.GetShortVersion(),
	})
}

func (s *Server) getStatus(c *gin.Context) {
	deviceCount, err := s.repos.Device.Count()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "running",
		"service":    serviceName,
		"build":      version.GetBuildInfo(serviceName),
		"devices":    deviceCount,
		"database":   s.db.GetStats(),
		"started_at": startedAt.Format(time.RFC3339),
	})
}

var startedAt = time.Now()
