package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/monitor/config"
	"example.com/backstage/services/monitor/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Reporter is the agent running next to the physical instrument. Every
// interval it derives the device's state from the progress file and pushes
// a status report to the server. A failed push is logged and retried on the
// next tick with freshly read data.
type Reporter struct {
	cfg      config.ReporterConfig
	api      *APIClient
	progress *ProgressReader
	metrics  *MetricsCollector
	logger   *logrus.Logger

	mqttClient mqtt.Client

	mu           sync.RWMutex
	manualStatus string
}

// New creates a reporter agent.
func New(cfg config.ReporterConfig, logger *logrus.Logger) *Reporter {
	return &Reporter{
		cfg:      cfg,
		api:      NewAPIClient(cfg.ServerURL),
		progress: NewProgressReader(cfg.ProgressFile, cfg.ResultsDir, logger),
		metrics:  NewMetricsCollector(cfg.MetricsFile, logger),
		logger:   logger,
	}
}

// SetManualStatus overrides the derived status with "maintenance" or
// "error"; an empty string returns control to progress-based derivation.
func (r *Reporter) SetManualStatus(status string) {
	r.mu.Lock()
	r.manualStatus = status
	r.mu.Unlock()
	r.logger.WithField("status", status).Info("Manual status override set")
}

// EnableMQTT mirrors every report onto devices/{code}/status.
func (r *Reporter) EnableMQTT(cfg config.MQTTConfig) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("reporter-%s-%d", r.cfg.DeviceCode, time.Now().UnixNano()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	r.mqttClient = client
	r.logger.Info("MQTT mirroring enabled")
	return nil
}

// Run registers the device and reports until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.ensureRegistered(ctx); err != nil {
		return err
	}

	interval := r.cfg.ReportInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"device_code": r.cfg.DeviceCode,
		"interval":    interval.String(),
	}).Info("Reporter started")

	r.reportOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			if r.mqttClient != nil {
				r.mqttClient.Disconnect(250)
			}
			r.logger.Info("Reporter stopped")
			return nil
		case <-ticker.C:
			r.reportOnce(ctx)
		}
	}
}

func (r *Reporter) ensureRegistered(ctx context.Context) error {
	name := r.cfg.DeviceName
	if name == "" {
		name = r.cfg.DeviceCode
	}
	return r.api.Register(ctx, &core.RegisterDeviceInput{
		DeviceCode:    r.cfg.DeviceCode,
		Name:          name,
		Model:         r.cfg.Model,
		Location:      r.cfg.Location,
		ClientBaseURL: r.cfg.ClientBaseURL,
	})
}

func (r *Reporter) reportOnce(ctx context.Context) {
	report := r.buildReport()

	result, err := r.api.ReportStatus(ctx, r.cfg.DeviceCode, report)
	if err != nil {
		r.logger.WithError(err).Error("Status report failed")
	} else {
		r.logger.WithFields(logrus.Fields{
			"status":      report.Status,
			"progress":    *report.TaskProgress,
			"queue_count": result.QueueCount,
		}).Info("Status reported")
	}

	r.mirrorToMQTT(report)
}

// buildReport assembles one report from the current progress file state.
func (r *Reporter) buildReport() *core.StatusReport {
	progress := r.progress.ReadProgress()
	folder := r.progress.LatestResultFolder()

	return &core.StatusReport{
		Status:        r.deriveStatus(progress),
		TaskID:        taskID(folder, time.Now()),
		TaskName:      taskName(folder),
		TaskProgress:  &progress,
		Metrics:       r.metrics.Collect(),
		ClientBaseURL: r.cfg.ClientBaseURL,
	}
}

// deriveStatus maps progress to a status unless a manual override is set:
// below 100 the instrument is mid-inspection, at 100 it is waiting for the
// next sample.
func (r *Reporter) deriveStatus(progress int) string {
	r.mu.RLock()
	manual := r.manualStatus
	r.mu.RUnlock()

	if manual != "" {
		return manual
	}
	if progress < 100 {
		return core.DeviceStatusBusy
	}
	return core.DeviceStatusIdle
}

func taskID(folder string, now time.Time) string {
	id := "TASK_" + now.Format("20060102_150405")
	if folder != "" {
		id += "_" + folder
	}
	return id
}

func taskName(folder string) string {
	if folder != "" {
		return folder
	}
	return "AI microscope inspection"
}

func (r *Reporter) mirrorToMQTT(report *core.StatusReport) {
	if r.mqttClient == nil || !r.mqttClient.IsConnected() {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	topic := "devices/" + r.cfg.DeviceCode + "/status"
	if token := r.mqttClient.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		r.logger.WithError(token.Error()).Warn("MQTT mirror publish failed")
	}
}
