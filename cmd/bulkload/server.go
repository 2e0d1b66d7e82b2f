package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperr "bulkcopy/pkg/error"
	"bulkcopy/pkg/logger"
	"bulkcopy/pkg/pgstore"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StatsFunc 返回附加的运行状态，键为组件名
type StatsFunc func() map[string]interface{}

// Server HTTP 服务
type Server struct {
	service *PaymentService
	count   func(ctx context.Context) (int64, error)
	ping    func(ctx context.Context) error
	stats   StatsFunc

	server *http.Server
	log    *logrus.Entry
}

// NewServer 创建 HTTP 服务
func NewServer(service *PaymentService, count func(ctx context.Context) (int64, error), ping func(ctx context.Context) error, stats StatsFunc) *Server {
	return &Server{
		service: service,
		count:   count,
		ping:    ping,
		stats:   stats,
		log:     logger.WithComponent("http"),
	}
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.healthCheck)
	router.GET("/stats", s.getStats)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/load", s.loadPayments)
		v1.GET("/payments/count", s.countPayments)
	}
	return router
}

// Start 在后台开始监听
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	s.log.WithField("addr", addr).Info("HTTP 服务启动")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("HTTP 服务启动失败")
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("HTTP 服务关闭失败")
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Debug("请求完成")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"database":  "error: " + err.Error(),
			"timestamp": time.Now(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"database":  "ok",
		"timestamp": time.Now(),
	})
}

func (s *Server) getStats(c *gin.Context) {
	stats := map[string]interface{}{}
	if s.stats != nil {
		stats = s.stats()
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) loadPayments(c *gin.Context) {
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	result, err := s.service.Load(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrUnknownStrategy), errors.Is(err, ErrParallelism):
			status = http.StatusBadRequest
		case errors.Is(err, ErrRolledBack):
			status = http.StatusConflict
		default:
			switch pgstore.Classify(err) {
			case pgstore.LevelData:
				status = http.StatusUnprocessableEntity
			case pgstore.LevelConnection:
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, ErrorResponse{
			Error:   "load_failed",
			Code:    string(apperr.CodeOf(err)),
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) countPayments(c *gin.Context) {
	n, err := s.count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "count_failed",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}
