package reporter

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsCollector gathers process metrics for each status report, merged
// with whatever the instrument software writes to its own metrics file.
type MetricsCollector struct {
	metricsFile string
	startedAt   time.Time
	logger      *logrus.Logger
}

// NewMetricsCollector creates a metrics collector.
func NewMetricsCollector(metricsFile string, logger *logrus.Logger) *MetricsCollector {
	return &MetricsCollector{
		metricsFile: metricsFile,
		startedAt:   time.Now(),
		logger:      logger,
	}
}

// Collect returns the current metrics snapshot. Instrument-file values win
// over the agent's own keys on collision.
func (m *MetricsCollector) Collect() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	metrics := map[string]interface{}{
		"uptime_seconds": int(time.Since(m.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_mb":        float64(mem.HeapAlloc) / (1024 * 1024),
	}

	for k, v := range m.readInstrumentMetrics() {
		metrics[k] = v
	}
	return metrics
}

func (m *MetricsCollector) readInstrumentMetrics() map[string]interface{} {
	if m.metricsFile == "" {
		return nil
	}

	raw, err := os.ReadFile(m.metricsFile)
	if err != nil {
		return nil
	}

	var extra map[string]interface{}
	if err := json.Unmarshal(raw, &extra); err != nil {
		m.logger.WithError(err).WithField("file", m.metricsFile).Debug("Ignoring malformed instrument metrics")
		return nil
	}
	return extra
}
