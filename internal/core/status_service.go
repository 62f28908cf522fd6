package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeviceCache caches device snapshots keyed by device code. GetDevice
// returns (nil, nil) on a cache miss.
type DeviceCache interface {
	GetDevice(ctx context.Context, code string) (*Device, error)
	SetDevice(ctx context.Context, device *Device) error
	InvalidateDevice(ctx context.Context, code string) error
}

// NopCache discards all cache operations.
type NopCache struct{}

func (NopCache) GetDevice(context.Context, string) (*Device, error) { return nil, nil }
func (NopCache) SetDevice(context.Context, *Device) error           { return nil }
func (NopCache) InvalidateDevice(context.Context, string) error     { return nil }

// StatusService ingests status reports pushed by device clients.
type StatusService struct {
	repo        Repository
	cache       DeviceCache
	broadcaster Broadcaster
	logger      *logrus.Logger
}

// NewStatusService creates a status ingest service.
func NewStatusService(repo Repository, cache DeviceCache, broadcaster Broadcaster, logger *logrus.Logger) *StatusService {
	return &StatusService{repo: repo, cache: cache, broadcaster: broadcaster, logger: logger}
}

// ReportResult is returned to the reporting device client.
type ReportResult struct {
	DeviceID   uint  `json:"device_id"`
	QueueCount int64 `json:"queue_count"`
}

// Report applies one status push from a device client: heartbeat, task
// bookkeeping, and the completion side effects (history row + queue advance)
// when progress crosses to 100.
func (s *StatusService) Report(ctx context.Context, deviceCode string, report *StatusReport) (*ReportResult, error) {
	var (
		device     *Device
		queueCount int64
		completed  *QueueRecord
		queueAfter []*QueueRecord
	)

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		device, err = tx.GetDeviceByCode(ctx, deviceCode)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}

		now := time.Now()
		prevProgress := device.TaskProgress
		finished := applyStatusReport(device, report, now)

		if finished {
			history := &DeviceStatusHistory{
				DeviceID:      device.ID,
				Status:        device.Status,
				TaskID:        device.TaskID,
				TaskName:      device.TaskName,
				TaskProgress:  device.TaskProgress,
				DeviceMetrics: device.Metrics,
				ReportedAt:    now,
			}
			if device.TaskElapsedSeconds != nil {
				history.TaskDurationSeconds = *device.TaskElapsedSeconds
			}
			if err := tx.CreateStatusHistory(ctx, history); err != nil {
				return err
			}

			completed, err = completeFirstTx(ctx, tx, device.ID)
			if err != nil {
				return err
			}
			s.logger.WithFields(logrus.Fields{
				"device_code":   deviceCode,
				"task_id":       device.TaskID,
				"prev_progress": intOrNil(prevProgress),
			}).Info("Task completed, queue advanced")
		}

		if err := tx.SaveDevice(ctx, device); err != nil {
			return err
		}

		queueCount, err = tx.CountWaiting(ctx, device.ID)
		if err != nil {
			return err
		}
		if completed != nil {
			queueAfter, err = tx.ListWaitingQueue(ctx, device.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetDevice(ctx, device); err != nil {
		s.logger.WithError(err).WithField("device_code", deviceCode).Warn("Failed to refresh device cache")
	}

	if completed != nil {
		s.broadcaster.Broadcast(Event{
			Type: EventQueueUpdate,
			Data: map[string]interface{}{
				"device_id": device.ID,
				"action":    "complete",
				"queue":     queueAfter,
			},
		})
	}
	s.broadcaster.Broadcast(Event{
		Type: EventDeviceStatusUpdate,
		Data: map[string]interface{}{
			"device":      device,
			"queue_count": queueCount,
		},
	})

	return &ReportResult{DeviceID: device.ID, QueueCount: queueCount}, nil
}

// applyStatusReport folds one report into the device row. Returns true when
// the report itself carries progress 100 while the stored value was not
// already 100, which is the signal for the completion side effects.
func applyStatusReport(device *Device, report *StatusReport, now time.Time) bool {
	// Completion is judged against the progress stored before any mutation.
	// The tracking copy below resets on a task change and must not be used
	// for that; a report with no progress field can never complete.
	storedProgress := device.TaskProgress
	prevProgress := storedProgress

	if isNewTask(device, report) {
		started := now
		zero := 0
		device.TaskStartedAt = &started
		device.TaskElapsedSeconds = &zero
		prevProgress = nil
	}

	device.Status = report.Status
	if report.TaskID != "" {
		device.TaskID = report.TaskID
	}
	if report.TaskName != "" {
		device.TaskName = report.TaskName
	}
	if report.TaskProgress != nil {
		p := *report.TaskProgress
		device.TaskProgress = &p
	}
	if report.ClientBaseURL != "" {
		device.ClientBaseURL = report.ClientBaseURL
	}
	if report.Metrics != nil {
		if raw, err := json.Marshal(SanitizeMetrics(report.Metrics)); err == nil {
			device.Metrics = datatypes.JSON(raw)
		}
	}

	device.LastHeartbeat = &now

	// Elapsed-time bookkeeping. Once a task has sat at 100 the counter is
	// frozen; capture devices that keep reporting 100 must not re-accumulate.
	if device.Status == DeviceStatusBusy && device.TaskStartedAt == nil {
		started := now
		zero := 0
		device.TaskStartedAt = &started
		device.TaskElapsedSeconds = &zero
	} else if device.TaskStartedAt != nil {
		atHundred := prevProgress != nil && *prevProgress == 100 &&
			device.TaskProgress != nil && *device.TaskProgress == 100
		if !atHundred || device.TaskElapsedSeconds == nil {
			elapsed := int(now.Sub(*device.TaskStartedAt).Seconds())
			if elapsed < 0 {
				elapsed = 0
			}
			device.TaskElapsedSeconds = &elapsed
		}
	}

	return report.TaskProgress != nil && *report.TaskProgress == 100 &&
		(storedProgress == nil || *storedProgress != 100)
}

// isNewTask decides whether a report begins a different physical task than
// the one currently tracked. Three signals count:
//
//  a) the task id changed and progress went backwards (or there was no
//     progress before, or the old task already sat at 100 while busy);
//  b) progress dropped below 100 after sitting at 100;
//  c) the device flipped from a non-busy status to busy, except for
//     continuous-capture devices, which report busy permanently.
func isNewTask(device *Device, report *StatusReport) bool {
	prev := device.TaskProgress

	if report.TaskID != "" && report.TaskID != device.TaskID {
		switch {
		case prev == nil:
			return true
		case report.TaskProgress != nil && *report.TaskProgress < *prev:
			return true
		case *prev == 100 && report.Status == DeviceStatusBusy:
			return true
		}
	}

	if prev != nil && *prev == 100 && report.TaskProgress != nil && *report.TaskProgress < 100 {
		return true
	}

	if device.Status != DeviceStatusBusy && report.Status == DeviceStatusBusy && !device.CaptureMode {
		return true
	}

	return false
}

var tempPathMarkers = []string{"/tmp/", "/var/tmp", "\\Temp\\", "AppData\\Local\\Temp"}

// SanitizeMetrics drops string values that embed temp or scratch filesystem
// paths so device-local file locations never reach storage. Nested maps are
// walked recursively.
func SanitizeMetrics(metrics map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metrics))
	for k, v := range metrics {
		switch val := v.(type) {
		case string:
			if containsTempPath(val) {
				continue
			}
			out[k] = val
		case map[string]interface{}:
			out[k] = SanitizeMetrics(val)
		default:
			out[k] = v
		}
	}
	return out
}

func containsTempPath(s string) bool {
	for _, marker := range tempPathMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func intOrNil(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
