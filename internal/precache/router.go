package precache

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxControlBody = 64 << 10

// Handler serves the control routes under server.controlPrefix and hands
// every other request to the cache controller.
func (s *Service) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		r := gin.New()
		r.Use(gin.Recovery())

		g := r.Group(s.cfg.Server.ControlPrefix)
		g.POST("/message", s.handleMessage)
		g.POST("/push", s.handlePush)
		g.POST("/notifications/click", s.handleNotificationClick)
		g.GET("/channel", s.hub.ServeWS)
		g.GET("/state", s.handleState)
		g.GET("/metrics", gin.WrapH(s.metrics.Handler()))

		r.NoRoute(gin.WrapH(s.controller))
		s.handler = r
	})
	return s.handler
}

// httpPort answers a message in the HTTP response.
type httpPort struct {
	c       *gin.Context
	replied bool
}

func (p *httpPort) PostMessage(v any) error {
	p.replied = true
	p.c.JSON(http.StatusOK, v)
	return nil
}

func (s *Service) handleMessage(c *gin.Context) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxControlBody)).Decode(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
		return
	}
	port := &httpPort{c: c}
	if err := s.hub.dispatch(c.Request.Context(), msg, port); err != nil {
		s.logger.Warn("handle message", zap.String("type", msg.Type), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !port.replied {
		c.Status(http.StatusNoContent)
	}
}

func (s *Service) handlePush(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxControlBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	note, err := s.notifier.Push(c.Request.Context(), payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, note)
}

func (s *Service) handleNotificationClick(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid click"})
		return
	}
	if err := s.notifier.Click(c.Request.Context(), msg.ID, msg.Action); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleState(c *gin.Context) {
	gens, _ := s.storage.Keys()
	c.JSON(http.StatusOK, gin.H{
		"state":       s.lifecycle.State(),
		"version":     s.lifecycle.Version(),
		"generations": gens,
		"clients":     s.clients.Len(),
	})
}
