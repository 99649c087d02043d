package memory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eleven-am/dispatch/internal/domain"
)

// RegisterRoutes exposes executor self-registration over HTTP.
func (r *ExecutorRegistry) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/executors")
	group.GET("", r.handleList)
	group.POST("", r.handleRegister)
	group.POST("/:id/heartbeat", r.handleHeartbeat)
	group.DELETE("/:id", r.handleDeregister)
}

func (r *ExecutorRegistry) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executors": r.List()})
}

func (r *ExecutorRegistry) handleRegister(c *gin.Context) {
	var desc domain.ExecutorDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.Register(desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	registered, _ := r.Get(desc.ExecutorID)
	c.JSON(http.StatusCreated, registered)
}

func (r *ExecutorRegistry) handleHeartbeat(c *gin.Context) {
	if err := r.Heartbeat(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *ExecutorRegistry) handleDeregister(c *gin.Context) {
	if !r.Deregister(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "executor not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
