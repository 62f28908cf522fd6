package core

import (
	"testing"
	"time"
)

func testTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		IdleTimeout:   300 * time.Second,
		RemindAfter:   60 * time.Second,
		ExtendBy:      300 * time.Second,
		CheckInterval: 10 * time.Second,
	}
}

func waitingQueue(ids ...uint) []*QueueRecord {
	records := make([]*QueueRecord, 0, len(ids))
	for i, id := range ids {
		records = append(records, &QueueRecord{
			ID:            id,
			Position:      i + 1,
			Status:        QueueStatusWaiting,
			InspectorName: "inspector",
		})
	}
	return records
}

func armedDevice(activeID uint, startedAt, deadlineAt time.Time) *Device {
	return &Device{
		Status:                 DeviceStatusIdle,
		QueueTimeoutActiveID:   &activeID,
		QueueTimeoutStartedAt:  &startedAt,
		QueueTimeoutDeadlineAt: &deadlineAt,
	}
}

func TestEvaluateTimeoutArmsOnlyWhenEligible(t *testing.T) {
	now := time.Now()
	cfg := testTimeoutConfig()

	// Idle with two waiters and no state: arm.
	d := &Device{Status: DeviceStatusIdle}
	if got := EvaluateTimeout(d, waitingQueue(1, 2), now, cfg); got != TimeoutArm {
		t.Fatalf("expected TimeoutArm, got %v", got)
	}

	// Single waiter never arms.
	if got := EvaluateTimeout(d, waitingQueue(1), now, cfg); got != TimeoutNoop {
		t.Fatalf("expected TimeoutNoop for one waiter, got %v", got)
	}

	// Busy device never arms even with a full queue.
	busy := &Device{Status: DeviceStatusBusy}
	if got := EvaluateTimeout(busy, waitingQueue(1, 2, 3), now, cfg); got != TimeoutNoop {
		t.Fatalf("expected TimeoutNoop for busy device, got %v", got)
	}
}

func TestEvaluateTimeoutClearsWhenEligibilityLost(t *testing.T) {
	now := time.Now()
	cfg := testTimeoutConfig()
	d := armedDevice(1, now.Add(-30*time.Second), now.Add(270*time.Second))

	// Queue dropped from 2 to 1: clear.
	if got := EvaluateTimeout(d, waitingQueue(1), now, cfg); got != TimeoutClear {
		t.Fatalf("expected TimeoutClear when queue shrinks, got %v", got)
	}

	// Device went busy: clear.
	d.Status = DeviceStatusBusy
	if got := EvaluateTimeout(d, waitingQueue(1, 2), now, cfg); got != TimeoutClear {
		t.Fatalf("expected TimeoutClear when device busy, got %v", got)
	}

	// Nothing to clear once state is empty.
	empty := &Device{Status: DeviceStatusBusy}
	if got := EvaluateTimeout(empty, waitingQueue(1, 2), now, cfg); got != TimeoutNoop {
		t.Fatalf("expected TimeoutNoop with empty state, got %v", got)
	}
}

func TestEvaluateTimeoutRearmsWhenHeadChanges(t *testing.T) {
	now := time.Now()
	cfg := testTimeoutConfig()
	d := armedDevice(1, now.Add(-30*time.Second), now.Add(270*time.Second))

	// Tracked record 1 is no longer the head: re-arm for record 5.
	if got := EvaluateTimeout(d, waitingQueue(5, 2), now, cfg); got != TimeoutArm {
		t.Fatalf("expected TimeoutArm for new head, got %v", got)
	}

	// Matching head keeps ticking.
	if got := EvaluateTimeout(d, waitingQueue(1, 2), now, cfg); got != TimeoutNoop {
		t.Fatalf("expected TimeoutNoop for tracked head, got %v", got)
	}
}

func TestEvaluateTimeoutRemindsOnce(t *testing.T) {
	now := time.Now()
	cfg := testTimeoutConfig()

	// 61 seconds in, no reminder yet: remind.
	d := armedDevice(1, now.Add(-61*time.Second), now.Add(239*time.Second))
	if got := EvaluateTimeout(d, waitingQueue(1, 2), now, cfg); got != TimeoutRemind {
		t.Fatalf("expected TimeoutRemind, got %v", got)
	}

	// Reminder already sent: nothing further until expiry.
	reminded := now.Add(-1 * time.Second)
	d.QueueTimeoutRemindedAt = &reminded
	if got := EvaluateTimeout(d, waitingQueue(1, 2), now, cfg); got != TimeoutNoop {
		t.Fatalf("expected TimeoutNoop after reminder, got %v", got)
	}

	// Too early for a reminder.
	early := armedDevice(1, now.Add(-10*time.Second), now.Add(290*time.Second))
	if got := EvaluateTimeout(early, waitingQueue(1, 2), now, cfg); got != TimeoutNoop {
		t.Fatalf("expected TimeoutNoop before remind threshold, got %v", got)
	}
}

func TestEvaluateTimeoutShiftsOnExpiry(t *testing.T) {
	now := time.Now()
	cfg := testTimeoutConfig()

	d := armedDevice(1, now.Add(-301*time.Second), now.Add(-1*time.Second))
	if got := EvaluateTimeout(d, waitingQueue(1, 2), now, cfg); got != TimeoutShift {
		t.Fatalf("expected TimeoutShift past deadline, got %v", got)
	}

	// Exactly at the deadline counts as expired.
	exact := armedDevice(1, now.Add(-300*time.Second), now)
	if got := EvaluateTimeout(exact, waitingQueue(1, 2), now, cfg); got != TimeoutShift {
		t.Fatalf("expected TimeoutShift at deadline, got %v", got)
	}

	// Shift takes precedence over a pending reminder.
	overdue := armedDevice(1, now.Add(-400*time.Second), now.Add(-100*time.Second))
	if got := EvaluateTimeout(overdue, waitingQueue(1, 2), now, cfg); got != TimeoutShift {
		t.Fatalf("expected TimeoutShift over remind, got %v", got)
	}
}

func TestArmTimeoutResetsState(t *testing.T) {
	now := time.Now()
	cfg := testTimeoutConfig()

	reminded := now.Add(-10 * time.Second)
	d := armedDevice(1, now.Add(-200*time.Second), now.Add(100*time.Second))
	d.QueueTimeoutRemindedAt = &reminded
	d.QueueTimeoutExtendedCount = 3

	head := &QueueRecord{ID: 7, Position: 1}
	armTimeout(d, head, now, cfg)

	if d.QueueTimeoutActiveID == nil || *d.QueueTimeoutActiveID != 7 {
		t.Fatalf("expected active id 7, got %v", d.QueueTimeoutActiveID)
	}
	if !d.QueueTimeoutDeadlineAt.Equal(now.Add(cfg.IdleTimeout)) {
		t.Fatalf("unexpected deadline %v", d.QueueTimeoutDeadlineAt)
	}
	if d.QueueTimeoutRemindedAt != nil {
		t.Fatal("expected reminder cleared on re-arm")
	}
	if d.QueueTimeoutExtendedCount != 0 {
		t.Fatalf("expected extended count reset, got %d", d.QueueTimeoutExtendedCount)
	}
}

func TestClearTimeoutState(t *testing.T) {
	now := time.Now()
	d := armedDevice(1, now, now.Add(300*time.Second))
	d.QueueTimeoutExtendedCount = 2

	clearTimeoutState(d)
	if hasTimeoutState(d) {
		t.Fatal("expected all timeout state cleared")
	}
}
