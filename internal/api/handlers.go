package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"botdeck/internal/instance"
	"botdeck/internal/models"
)

func (s *Server) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": s.registry.Accounts()})
}

func (s *Server) createAccount(c *gin.Context) {
	var a models.Account
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.registry.CreateAccount(ctx, a); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, instance.ErrAccountExists) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": gin.H{"code": "create_failed", "message": err.Error()}})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": a.Redacted()})
}

func (s *Server) updateAccount(c *gin.Context) {
	var a models.Account
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}
	a.ID = c.Param("id")

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.registry.UpdateAccount(ctx, a); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, instance.ErrAccountNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": gin.H{"code": "update_failed", "message": err.Error()}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": a.Redacted()})
}

func (s *Server) deleteAccount(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.registry.DeleteAccount(ctx, c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "delete_failed", "message": err.Error()}})
		return
	}
	c.Status(http.StatusNoContent)
}

// dispatchCommand decodes the tagged command union once and hands it to the
// registry. An unknown account id is not an error at this boundary: the
// command is dropped and the request still succeeds.
func (s *Server) dispatchCommand(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": err.Error()}})
		return
	}

	cmd, err := models.DecodeCommand(c.Param("id"), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_command", "message": err.Error()}})
		return
	}

	s.registry.Dispatch(cmd)
	c.Status(http.StatusNoContent)
}

// closeViewer tears the account's viewer sub-process down when the
// observing window goes away.
func (s *Server) closeViewer(c *gin.Context) {
	s.viewers.Close(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbState := "connected"
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		dbState = "unreachable"
		healthy = false
	}

	redisState := "connected"
	if err := s.cache.Ping(ctx); err != nil {
		redisState = "unavailable"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":      overall,
		"database":    dbState,
		"redis":       redisState,
		"online":      s.registry.OnlineCount(),
		"subscribers": s.pub.SubscriberCount(),
	})
}
