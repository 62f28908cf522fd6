package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TimeoutConfig holds the waiting-queue countdown durations.
type TimeoutConfig struct {
	IdleTimeout   time.Duration
	RemindAfter   time.Duration
	ExtendBy      time.Duration
	CheckInterval time.Duration
}

// TimeoutAction is what a single monitor pass should do for one device.
type TimeoutAction int

const (
	// TimeoutNoop leaves the device untouched this tick.
	TimeoutNoop TimeoutAction = iota
	// TimeoutClear wipes stale countdown state after eligibility is lost.
	TimeoutClear
	// TimeoutArm starts (or restarts) the countdown for the queue head.
	TimeoutArm
	// TimeoutRemind marks the one-shot reminder as sent.
	TimeoutRemind
	// TimeoutShift demotes the expired head behind the next inspector.
	TimeoutShift
)

// EvaluateTimeout decides what a monitor pass should do for one device given
// its current waiting queue. It reads state only, so the transition rules can
// be exercised directly in tests.
//
// A countdown runs only while the device is idle with at least two waiters.
// The instant eligibility is lost any leftover state must be cleared. While
// eligible, the countdown must always track the current position-1 record;
// any mismatch or missing timing field re-arms from scratch.
func EvaluateTimeout(device *Device, waiting []*QueueRecord, now time.Time, cfg TimeoutConfig) TimeoutAction {
	eligible := device.Status == DeviceStatusIdle && len(waiting) >= 2
	if !eligible {
		if hasTimeoutState(device) {
			return TimeoutClear
		}
		return TimeoutNoop
	}

	head := waiting[0]
	if device.QueueTimeoutActiveID == nil || *device.QueueTimeoutActiveID != head.ID ||
		device.QueueTimeoutStartedAt == nil || device.QueueTimeoutDeadlineAt == nil {
		return TimeoutArm
	}

	if !now.Before(*device.QueueTimeoutDeadlineAt) {
		return TimeoutShift
	}

	if device.QueueTimeoutRemindedAt == nil &&
		now.Sub(*device.QueueTimeoutStartedAt) >= cfg.RemindAfter {
		return TimeoutRemind
	}

	return TimeoutNoop
}

func hasTimeoutState(d *Device) bool {
	return d.QueueTimeoutActiveID != nil || d.QueueTimeoutStartedAt != nil ||
		d.QueueTimeoutDeadlineAt != nil || d.QueueTimeoutRemindedAt != nil ||
		d.QueueTimeoutExtendedCount != 0
}

func clearTimeoutState(d *Device) {
	d.QueueTimeoutActiveID = nil
	d.QueueTimeoutStartedAt = nil
	d.QueueTimeoutDeadlineAt = nil
	d.QueueTimeoutRemindedAt = nil
	d.QueueTimeoutExtendedCount = 0
}

func armTimeout(d *Device, head *QueueRecord, now time.Time, cfg TimeoutConfig) {
	id := head.ID
	deadline := now.Add(cfg.IdleTimeout)
	d.QueueTimeoutActiveID = &id
	d.QueueTimeoutStartedAt = &now
	d.QueueTimeoutDeadlineAt = &deadline
	d.QueueTimeoutRemindedAt = nil
	d.QueueTimeoutExtendedCount = 0
}

// TimeoutMonitor runs the periodic countdown pass over every device.
type TimeoutMonitor struct {
	repo        Repository
	broadcaster Broadcaster
	logger      *logrus.Logger
	cfg         TimeoutConfig
}

// NewTimeoutMonitor creates a timeout monitor.
func NewTimeoutMonitor(repo Repository, broadcaster Broadcaster, logger *logrus.Logger, cfg TimeoutConfig) *TimeoutMonitor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.RemindAfter <= 0 {
		cfg.RemindAfter = 60 * time.Second
	}
	if cfg.ExtendBy <= 0 {
		cfg.ExtendBy = 300 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	return &TimeoutMonitor{repo: repo, broadcaster: broadcaster, logger: logger, cfg: cfg}
}

// Run ticks until ctx is cancelled. A failed device pass is logged and
// skipped; the loop itself never stops on errors.
func (m *TimeoutMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.cfg.CheckInterval.String()).Info("Queue timeout monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue timeout monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *TimeoutMonitor) tick(ctx context.Context) {
	devices, err := m.repo.ListDevices(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Timeout tick: failed to list devices")
		return
	}
	now := time.Now()
	for _, d := range devices {
		if err := m.checkDevice(ctx, d.ID, now); err != nil {
			m.logger.WithError(err).WithField("device_id", d.ID).Error("Timeout pass failed")
		}
	}
}

// checkDevice runs one transactional pass for a device and broadcasts the
// resulting events after commit.
func (m *TimeoutMonitor) checkDevice(ctx context.Context, deviceID uint, now time.Time) error {
	var events []Event

	err := m.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		waiting, err := tx.ListWaitingQueue(ctx, deviceID)
		if err != nil {
			return err
		}

		switch EvaluateTimeout(device, waiting, now, m.cfg) {
		case TimeoutNoop:
			return nil

		case TimeoutClear:
			clearTimeoutState(device)
			if err := tx.SaveDevice(ctx, device); err != nil {
				return err
			}
			events = append(events, NewTimeoutEvent(device))

		case TimeoutArm:
			armTimeout(device, waiting[0], now, m.cfg)
			if err := tx.SaveDevice(ctx, device); err != nil {
				return err
			}
			events = append(events, NewTimeoutEvent(device))

		case TimeoutRemind:
			reminded := now
			device.QueueTimeoutRemindedAt = &reminded
			if err := tx.SaveDevice(ctx, device); err != nil {
				return err
			}
			events = append(events,
				Event{
					Type: EventQueueTimeoutReminder,
					Data: map[string]interface{}{
						"device_id":      deviceID,
						"queue_id":       waiting[0].ID,
						"inspector_name": waiting[0].InspectorName,
						"next_inspector": waiting[1].InspectorName,
						"deadline_at":    device.QueueTimeoutDeadlineAt,
						"reminded_at":    reminded,
					},
				},
				NewTimeoutEvent(device),
			)

		case TimeoutShift:
			demoted, promoted, err := SwapFirstTwo(ctx, tx, deviceID, "system", "")
			if err != nil {
				return err
			}
			if promoted == nil {
				// Queue shrank between reads inside the same tx snapshot;
				// treat as eligibility lost.
				clearTimeoutState(device)
				if err := tx.SaveDevice(ctx, device); err != nil {
					return err
				}
				events = append(events, NewTimeoutEvent(device))
				return nil
			}

			armTimeout(device, promoted, now, m.cfg)
			if err := tx.SaveDevice(ctx, device); err != nil {
				return err
			}

			fresh, err := tx.ListWaitingQueue(ctx, deviceID)
			if err != nil {
				return err
			}
			events = append(events,
				Event{
					Type: EventQueueUpdate,
					Data: map[string]interface{}{
						"device_id": deviceID,
						"action":    "timeout_shift",
						"queue":     fresh,
					},
				},
				Event{
					Type: EventQueueTimeoutShift,
					Data: map[string]interface{}{
						"device_id":          deviceID,
						"demoted_inspector":  demoted.InspectorName,
						"promoted_inspector": promoted.InspectorName,
						"deadline_at":        device.QueueTimeoutDeadlineAt,
					},
				},
				NewTimeoutEvent(device),
			)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		m.broadcaster.Broadcast(ev)
	}
	return nil
}

// Extend pushes the active deadline back by ExtendBy in response to a manual
// request. Only valid while the countdown is actually running.
func (m *TimeoutMonitor) Extend(ctx context.Context, deviceID uint, changedBy, changedByID string) (*Device, error) {
	var updated *Device

	err := m.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		waiting, err := tx.ListWaitingQueue(ctx, deviceID)
		if err != nil {
			return err
		}

		if device.Status != DeviceStatusIdle || len(waiting) < 2 {
			return BusinessError{
				Code:    "extend_not_allowed",
				Message: "device must be idle with at least two waiters",
				Err:     ErrExtendNotAllowed,
			}
		}
		now := time.Now()
		if device.QueueTimeoutDeadlineAt == nil || !now.Before(*device.QueueTimeoutDeadlineAt) {
			return BusinessError{
				Code:    "extend_expired",
				Message: "timeout deadline missing or already passed",
				Err:     ErrExtendExpired,
			}
		}

		deadline := device.QueueTimeoutDeadlineAt.Add(m.cfg.ExtendBy)
		device.QueueTimeoutDeadlineAt = &deadline
		device.QueueTimeoutExtendedCount++
		if err := tx.SaveDevice(ctx, device); err != nil {
			return err
		}

		if err := tx.CreateChangeLog(ctx, &QueueChangeLog{
			QueueID:     waiting[0].ID,
			DeviceID:    deviceID,
			OldPosition: 1,
			NewPosition: 1,
			ChangedBy:   changedBy,
			ChangedByID: changedByID,
			ChangeType:  ChangeTypeTimeoutExtend,
			Remark:      "deadline extended",
		}); err != nil {
			return err
		}

		updated = device
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"device_id":      deviceID,
		"extended_count": updated.QueueTimeoutExtendedCount,
	}).Info("Queue timeout extended")
	m.broadcaster.Broadcast(NewTimeoutEvent(updated))
	return updated, nil
}
