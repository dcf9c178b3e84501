package handlers

import (
	"net/http"

	"convopilot-server/internal/models"

	"github.com/gin-gonic/gin"
)

// QueueHandler exposes read-only queue state for operations tooling
type QueueHandler struct {
	queue QueueStatsInterface
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(queue QueueStatsInterface) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// Stats handles GET /api/queues/stats
// Reports pending depth and per-status counts for both queues.
func (h *QueueHandler) Stats(c *gin.Context) {
	stats := make(map[string]gin.H, 2)
	for _, queueName := range []string{models.QueueGeneration, models.QueueOutbound} {
		depth, err := h.queue.Depth(queueName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue depth"})
			return
		}

		items, err := h.queue.ListByQueue(queueName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list queue items"})
			return
		}
		byStatus := map[string]int{}
		for _, item := range items {
			byStatus[item.Status]++
		}

		stats[queueName] = gin.H{
			"pending_due": depth,
			"by_status":   byStatus,
			"total":       len(items),
		}
	}

	c.JSON(http.StatusOK, stats)
}
