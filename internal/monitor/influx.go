package monitor

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// InfluxConfig configures the time-series sink.
type InfluxConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval_seconds"`
}

// InfluxSink writes metric samples to InfluxDB 2.x. Writes are
// non-blocking and batched; async write errors are logged, never
// surfaced to the sampling loop.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   zerolog.Logger
}

// NewInfluxSink connects to InfluxDB and verifies it with a ping.
func NewInfluxSink(cfg InfluxConfig, logger zerolog.Logger) (*InfluxSink, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: influxdb sink disabled", domain.ErrStoreNotConfigured)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger.With().Str("component", "influx").Logger(),
	}
	go s.handleWriteErrors(s.writeAPI.Errors())
	return s, nil
}

func (s *InfluxSink) handleWriteErrors(errCh <-chan error) {
	for err := range errCh {
		s.logger.Warn().Err(err).Msg("InfluxDB async write failed")
	}
}

// WriteSample implements Sink.
func (s *InfluxSink) WriteSample(dm DeviceMetrics) {
	point := write.NewPoint(
		"device_metrics",
		map[string]string{
			"device": dm.DeviceName,
		},
		map[string]interface{}{
			"response_time_ms":   float64(dm.ResponseTime.Milliseconds()),
			"error_rate":         dm.ErrorRate,
			"health_score":       dm.HealthScore,
			"total_operations":   int64(dm.TotalOperations),
			"failed_operations":  int64(dm.FailedOperations),
			"consecutive_errors": dm.ConsecutiveErrors,
			"cpu_usage":          dm.CPUUsage,
			"memory_usage":       dm.MemoryUsage,
			"queue_depth":        dm.QueueDepth,
		},
		dm.LastUpdated,
	)
	s.writeAPI.WritePoint(point)
}

// HealthCheck pings the InfluxDB server.
func (s *InfluxSink) HealthCheck(ctx context.Context) error {
	healthy, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb server not healthy")
	}
	return nil
}

// Close flushes buffered points and shuts the client down.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}
