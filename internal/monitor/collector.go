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

	"github.com/t77yq/metric-harvester/internal/model"
)

const metricsSubject = "metrics.harvest"

// StatsProvider exposes the orchestrator gauges the collector publishes.
type StatsProvider interface {
	Stats() []model.SourceStats
}

// CountsProvider exposes live job totals.
type CountsProvider interface {
	Counts() map[model.JobStatus]int
}

// StateProvider exposes per-source circuit states.
type StateProvider interface {
	Snapshot() map[string]string
}

// Snapshot is the published metrics document.
type Snapshot struct {
	Timestamp   time.Time               `json:"timestamp"`
	CPUUsage    float64                 `json:"cpu_usage"`
	MemoryUsage float64                 `json:"memory_usage"`
	Jobs        map[model.JobStatus]int `json:"jobs"`
	Sources     []model.SourceStats     `json:"sources"`
	Circuits    map[string]string       `json:"circuits"`
}

// Collector periodically publishes orchestrator and host metrics.
type Collector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration

	dispatcher StatsProvider
	tracker    CountsProvider
	breaker    StateProvider

	stop chan struct{}
}

// NewCollector creates a metrics collector.
func NewCollector(
	js nats.JetStreamContext,
	interval time.Duration,
	dispatcher StatsProvider,
	trk CountsProvider,
	brk StateProvider,
	logger *zap.Logger,
) *Collector {
	return &Collector{
		logger:     logger.Named("metrics-collector"),
		js:         js,
		interval:   interval,
		dispatcher: dispatcher,
		tracker:    trk,
		breaker:    brk,
		stop:       make(chan struct{}),
	}
}

// Start starts the collection loop.
func (c *Collector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector",
		zap.Duration("interval", c.interval))

	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     "METRICS",
		Subjects: []string{"metrics.*"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create metrics stream: %w", err)
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.logger.Info("Stopping metrics collector")
	close(c.stop)
}

// collectLoop runs the metrics collection loop.
func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect gathers one snapshot and publishes it.
func (c *Collector) collect() {
	snap := Snapshot{
		Timestamp: time.Now(),
		Jobs:      c.tracker.Counts(),
		Sources:   c.dispatcher.Stats(),
		Circuits:  c.breaker.Snapshot(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		snap.CPUUsage = cpuPercent[0]
	} else if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsage = memInfo.UsedPercent
	} else {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}

	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
		return
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snap.CPUUsage),
		zap.Float64("memory_usage", snap.MemoryUsage),
		zap.Int("sources", len(snap.Sources)))
}
