package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/model"
)

const (
	keeperStreamName   = "KEEPERS"
	keeperStatsSubject = "keeper.stats"
)

// StatsSource provides a snapshot of keeper run-state counters.
type StatsSource interface {
	Stats() model.KeeperStats
}

// StatsReporter periodically publishes keeper counters together with host
// resource usage, so operators can watch unattended daemons.
type StatsReporter struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   StatsSource
	interval time.Duration
	stop     chan struct{}
}

// NewStatsReporter creates a new stats reporter.
func NewStatsReporter(js nats.JetStreamContext, source StatsSource, interval time.Duration, logger *zap.Logger) *StatsReporter {
	return &StatsReporter{
		logger:   logger.Named("stats-reporter"),
		js:       js,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start ensures the stats stream exists and starts the reporting loop.
func (r *StatsReporter) Start(ctx context.Context) error {
	_, err := r.js.StreamInfo(keeperStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = r.js.AddStream(&nats.StreamConfig{
			Name:     keeperStreamName,
			Subjects: []string{keeperStatsSubject + ".*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	go r.reportLoop(ctx)

	r.logger.Info("Stats reporter started", zap.Duration("interval", r.interval))
	return nil
}

// Stop stops the reporting loop.
func (r *StatsReporter) Stop() {
	close(r.stop)
}

func (r *StatsReporter) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *StatsReporter) report() {
	stats := r.source.Stats()
	stats.CollectedAt = time.Now()

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	} else if err != nil {
		r.logger.Debug("Failed to read CPU usage", zap.Error(err))
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsage = memInfo.UsedPercent
	} else {
		r.logger.Debug("Failed to read memory usage", zap.Error(err))
	}

	data, err := json.Marshal(stats)
	if err != nil {
		r.logger.Error("Failed to marshal keeper stats", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", keeperStatsSubject, stats.KeeperID)
	if _, err := r.js.Publish(subject, data); err != nil {
		r.logger.Error("Failed to publish keeper stats", zap.Error(err))
		return
	}

	r.logger.Debug("Keeper stats published",
		zap.Uint64("successes", stats.Successes),
		zap.Uint64("failures", stats.Failures),
		zap.Float64("cpu_usage", stats.CPUUsage))
}
