package main

import (
	"context"
	"time"

	"github.com/nadmax/estimo/internal/dashboard"
	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/metrics"
)

const metricsInterval = 10 * time.Second

func startMetricsCollector(ctx context.Context, store dashboard.StatsSource, log *logger.Logger) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	updateStoreMetrics(ctx, store, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStoreMetrics(ctx, store, log)
		}
	}
}

func updateStoreMetrics(ctx context.Context, store dashboard.StatsSource, log *logger.Logger) {
	stats, err := store.GetStoreStats(ctx)
	if err != nil {
		log.Warn("failed to get store stats for metrics", "error", err)
		return
	}

	metrics.UpdateStoreGauges(stats)
}
