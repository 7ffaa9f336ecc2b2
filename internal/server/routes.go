package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/leaddesk/internal/agent"
	"github.com/zulandar/leaddesk/internal/dispatch"
	"github.com/zulandar/leaddesk/internal/models"
	"github.com/zulandar/leaddesk/internal/reasoning"
	"go.uber.org/zap"
)

// SecretHeader carries the internal trigger credential.
const SecretHeader = "X-Internal-Secret"

// registerRoutes sets up all routes on the Gin router.
func (s *Server) registerRoutes() {
	r := s.router

	webhooks := r.Group("/webhooks", s.requireSignature)
	webhooks.POST("/sms", s.handleInboundSMS)
	webhooks.POST("/status", s.handleStatus)

	internal := r.Group("/internal", s.requireSecret)
	internal.POST("/dispatch", s.handleDispatch)
	internal.POST("/followup/run", s.handleFollowUp)

	r.GET("/api/events", s.handleEvents)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.handleHealth)
}

// requireSecret rejects requests without the internal secret.
func (s *Server) requireSecret(c *gin.Context) {
	got := c.GetHeader(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.InternalSecret)) != 1 {
		s.log.Warn("internal request rejected", zap.String("path", c.FullPath()), zap.String("remote", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	if req.SuggestedNextState != "" {
		st, err := models.ParseState(string(req.SuggestedNextState))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.SuggestedNextState = st
	}

	res, err := s.opts.Dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrConversationNotFound):
			status = http.StatusNotFound
		case errors.Is(err, agent.ErrNoAgentForState):
			status = http.StatusConflict
		case reasoning.IsFailure(err):
			status = http.StatusBadGateway
		}
		s.log.Error("dispatch failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		c.JSON(status, gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleFollowUp(c *gin.Context) {
	if s.opts.FollowUp == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "follow-up runner is not configured"})
		return
	}
	sum, err := s.opts.FollowUp.Run(c.Request.Context())
	if err != nil {
		s.log.Error("follow-up run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": sum})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	sqlDB, err := s.opts.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
