package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCheckpointer checkpoints the database every CheckpointInterval until ctx is done.
// Failures are logged and the next checkpoint happens as planned.
func (h *Handler) RunCheckpointer(ctx context.Context) error {
	t := time.NewTicker(h.opts.CheckpointInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			h.checkpoint()
		}
	}
}

func (h *Handler) checkpoint() bool {
	start := time.Now()
	err := h.db.Checkpoint()
	h.metrics.CheckpointDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		h.metrics.Checkpoints.WithLabelValues("error").Inc()
		h.logger.Error("checkpoint failed", zap.Error(err))
		return false
	}

	h.metrics.Checkpoints.WithLabelValues("ok").Inc()
	return true
}
