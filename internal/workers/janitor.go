package workers

import (
	"context"
	"time"

	"convopilot-server/internal/config"
	"convopilot-server/internal/metrics"
	"convopilot-server/internal/models"
	"convopilot-server/internal/services"
	"convopilot-server/pkg/logger"

	"go.uber.org/zap"
)

// Janitor is the queue watchdog: it requeues items whose claim lease has
// expired (crashed workers) and purges terminal items past retention.
type Janitor struct {
	cfg   *config.Config
	queue services.Queue
}

func NewJanitor(cfg *config.Config, queue services.Queue) *Janitor {
	return &Janitor{cfg: cfg, queue: queue}
}

// Run sweeps on a ticker until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Queue.JanitorInterval)
	defer ticker.Stop()

	logger.Info("Janitor started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Janitor stopped")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one watchdog + cleanup pass.
func (j *Janitor) Sweep() {
	requeued, err := j.queue.RequeueExpired(j.cfg.Queue.LeaseTimeout)
	if err != nil {
		logger.Error("Lease sweep failed", zap.Error(err))
	} else if requeued > 0 {
		metrics.LeasesRequeued.Add(float64(requeued))
		logger.Warn("Requeued items with expired leases", zap.Int64("count", requeued))
	}

	deleted, err := j.queue.Cleanup(j.cfg.Queue.CompletedRetention, j.cfg.Queue.FailedRetention)
	if err != nil {
		logger.Error("Queue cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		logger.Debug("Purged terminal queue items", zap.Int64("count", deleted))
	}

	for _, queueName := range []string{models.QueueGeneration, models.QueueOutbound} {
		if depth, err := j.queue.Depth(queueName); err == nil {
			metrics.QueueDepth.WithLabelValues(queueName).Set(float64(depth))
		}
	}
}
