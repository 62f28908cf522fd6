package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HistoryService serves status-history queries, aggregate statistics, and
// the retention cleanup loop.
type HistoryService struct {
	repo          Repository
	logger        *logrus.Logger
	retentionDays int
}

// NewHistoryService creates a history service.
func NewHistoryService(repo Repository, logger *logrus.Logger, retentionDays int) *HistoryService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &HistoryService{repo: repo, logger: logger, retentionDays: retentionDays}
}

// HistoryPage is one page of status-history rows.
type HistoryPage struct {
	Items  []*DeviceStatusHistory `json:"items"`
	Total  int64                  `json:"total"`
	Offset int                    `json:"offset"`
	Limit  int                    `json:"limit"`
}

// Query returns filtered, paginated history rows, newest first.
func (s *HistoryService) Query(ctx context.Context, filter HistoryFilter) (*HistoryPage, error) {
	items, total, err := s.repo.ListStatusHistory(ctx, filter)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	return &HistoryPage{Items: items, Total: total, Offset: filter.Offset, Limit: limit}, nil
}

// Latest returns the most recent history row for a device, or nil if the
// device has never completed a task.
func (s *HistoryService) Latest(ctx context.Context, deviceID uint) (*DeviceStatusHistory, error) {
	h, err := s.repo.LatestStatusHistory(ctx, deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

// RealtimeStats is the fleet-wide snapshot shown on the dashboard.
type RealtimeStats struct {
	TotalDevices     int64 `json:"total_devices"`
	OnlineDevices    int64 `json:"online_devices"`
	IdleDevices      int64 `json:"idle_devices"`
	BusyDevices      int64 `json:"busy_devices"`
	OfflineDevices   int64 `json:"offline_devices"`
	TodayCompletions int64 `json:"today_completions"`
}

// Realtime computes current fleet counters plus today's completion count.
func (s *HistoryService) Realtime(ctx context.Context) (*RealtimeStats, error) {
	stats := &RealtimeStats{}
	var err error

	if stats.TotalDevices, err = s.repo.CountDevices(ctx); err != nil {
		return nil, err
	}
	if stats.OnlineDevices, err = s.repo.CountDevicesExceptStatus(ctx, DeviceStatusOffline); err != nil {
		return nil, err
	}
	if stats.IdleDevices, err = s.repo.CountDevicesByStatus(ctx, DeviceStatusIdle); err != nil {
		return nil, err
	}
	if stats.BusyDevices, err = s.repo.CountDevicesByStatus(ctx, DeviceStatusBusy); err != nil {
		return nil, err
	}
	if stats.OfflineDevices, err = s.repo.CountDevicesByStatus(ctx, DeviceStatusOffline); err != nil {
		return nil, err
	}

	start, end := todayBounds(time.Now())
	if stats.TodayCompletions, err = s.repo.CountHistoryBetween(ctx, 0, start, end); err != nil {
		return nil, err
	}
	return stats, nil
}

// DeviceTodayStats is a single device's completion count for the current day.
type DeviceTodayStats struct {
	DeviceID         uint  `json:"device_id"`
	TodayCompletions int64 `json:"today_completions"`
}

// DeviceToday computes one device's completion count for today.
func (s *HistoryService) DeviceToday(ctx context.Context, deviceID uint) (*DeviceTodayStats, error) {
	if _, err := s.repo.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	start, end := todayBounds(time.Now())
	count, err := s.repo.CountHistoryBetween(ctx, deviceID, start, end)
	if err != nil {
		return nil, err
	}
	return &DeviceTodayStats{DeviceID: deviceID, TodayCompletions: count}, nil
}

func todayBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.Add(24*time.Hour - time.Nanosecond)
}

// RunCleanup deletes expired rows once per day at 02:00 local time until ctx
// is cancelled.
func (s *HistoryService) RunCleanup(ctx context.Context) {
	s.logger.WithField("retention_days", s.retentionDays).Info("Data cleanup loop started")
	for {
		next := nextCleanupTime(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Data cleanup loop stopped")
			return
		case <-timer.C:
			s.cleanupOnce(ctx)
		}
	}
}

func nextCleanupTime(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func (s *HistoryService) cleanupOnce(ctx context.Context) {
	historyCutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deletedHistory, err := s.repo.DeleteHistoryBefore(ctx, historyCutoff)
	if err != nil {
		s.logger.WithError(err).Error("History cleanup failed")
	}

	logCutoff, _ := todayBounds(time.Now())
	deletedLogs, err := s.repo.DeleteChangeLogsBefore(ctx, logCutoff)
	if err != nil {
		s.logger.WithError(err).Error("Change log cleanup failed")
	}

	s.logger.WithFields(logrus.Fields{
		"deleted_history": deletedHistory,
		"deleted_logs":    deletedLogs,
	}).Info("Data cleanup completed")
}
