package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eleven-am/dispatch/internal/domain"
)

// CallbackHandler receives results posted back by ASYNC executors.
type CallbackHandler struct {
	correlator *Correlator
}

func NewCallbackHandler(correlator *Correlator) *CallbackHandler {
	return &CallbackHandler{correlator: correlator}
}

func (h *CallbackHandler) RegisterRoutes(router gin.IRouter) {
	router.POST(PathResults, h.handleResult)
}

func (h *CallbackHandler) handleResult(c *gin.Context) {
	var result domain.ExecutionResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if result.ExecutionID == "" {
		result.ExecutionID = c.GetHeader(HeaderExecutionID)
	}
	if result.ExecutionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "executionId is required"})
		return
	}
	matched := h.correlator.Route(c.Request.Context(), &result)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "matched": matched})
}
