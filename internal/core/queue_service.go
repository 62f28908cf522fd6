package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QueueService manages each device's ordered waiting list of inspectors.
// Positions of WAITING records per device stay a dense 1..N range across
// every mutation.
type QueueService struct {
	repo        Repository
	broadcaster Broadcaster
	logger      *logrus.Logger
}

// NewQueueService creates a queue service.
func NewQueueService(repo Repository, broadcaster Broadcaster, logger *logrus.Logger) *QueueService {
	return &QueueService{repo: repo, broadcaster: broadcaster, logger: logger}
}

// QueueSnapshot is the view returned to list callers: the current waiting
// order plus today's audit trail.
type QueueSnapshot struct {
	DeviceID uint              `json:"device_id"`
	Queue    []*QueueRecord    `json:"queue"`
	Logs     []*QueueChangeLog `json:"change_logs"`
}

// Join appends copies consecutive records for inspectorName at the tail of
// the device's waiting queue.
func (s *QueueService) Join(ctx context.Context, deviceID uint, inspectorName string, copies int, createdByID string) ([]*QueueRecord, error) {
	if copies < 1 {
		copies = 1
	}

	var created []*QueueRecord
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		if _, err := tx.GetDevice(ctx, deviceID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}

		maxPos, err := tx.MaxWaitingPosition(ctx, deviceID)
		if err != nil {
			return err
		}

		records := make([]*QueueRecord, 0, copies)
		for i := 0; i < copies; i++ {
			records = append(records, &QueueRecord{
				DeviceID:      deviceID,
				InspectorName: inspectorName,
				Position:      maxPos + 1 + i,
				Status:        QueueStatusWaiting,
				CreatedByID:   createdByID,
			})
		}
		if err := tx.CreateQueueRecords(ctx, records); err != nil {
			return err
		}
		created = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"inspector": inspectorName,
		"copies":    copies,
	}).Info("Inspectors joined queue")

	s.broadcastQueue(ctx, deviceID, "join")
	return created, nil
}

// Reorder moves a waiting record to newPosition. The caller passes the
// version it last read; a mismatch means someone edited the record in the
// meantime and the caller must refetch before retrying.
func (s *QueueService) Reorder(ctx context.Context, queueID uint, newPosition, expectedVersion int, changedBy, changedByID string) (*QueueRecord, error) {
	var updated *QueueRecord
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		fetched, err := tx.GetQueueRecord(ctx, queueID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQueueRecordNotFound
			}
			return err
		}
		if fetched.Status != QueueStatusWaiting {
			return ErrQueueRecordNotFound
		}

		waiting, err := tx.ListWaitingQueue(ctx, fetched.DeviceID)
		if err != nil {
			return err
		}

		// Work on the list's copy of the record so the renumber pass below
		// writes a consistent row.
		var rec *QueueRecord
		for _, w := range waiting {
			if w.ID == queueID {
				rec = w
				break
			}
		}
		if rec == nil {
			return ErrQueueRecordNotFound
		}
		if rec.Version != expectedVersion {
			return ErrConcurrencyConflict
		}

		target := newPosition
		if target < 1 {
			target = 1
		}
		if target > len(waiting) {
			target = len(waiting)
		}
		oldPosition := rec.Position
		if target == oldPosition {
			updated = rec
			return nil
		}

		// Claim the version before touching positions so a concurrent
		// reorder with the same stale version loses cleanly.
		claimed, err := tx.ClaimQueueVersion(ctx, rec.ID, expectedVersion)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrConcurrencyConflict
		}
		// Keep the in-memory copy in step with the claimed row so the
		// renumber save below does not write the old version back.
		rec.Version = expectedVersion + 1

		reordered := moveRecord(waiting, rec.ID, target)
		if err := renumberWaiting(ctx, tx, reordered); err != nil {
			return err
		}

		if err := tx.CreateChangeLog(ctx, &QueueChangeLog{
			QueueID:     rec.ID,
			DeviceID:    rec.DeviceID,
			OldPosition: oldPosition,
			NewPosition: target,
			ChangedBy:   changedBy,
			ChangedByID: changedByID,
			ChangeType:  ChangeTypePositionChange,
		}); err != nil {
			return err
		}

		fresh, err := tx.GetQueueRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		updated = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcastQueue(ctx, updated.DeviceID, "reorder")
	return updated, nil
}

// CompleteFirst marks the position-1 record completed and renumbers the rest.
// Returns nil when the queue is empty.
func (s *QueueService) CompleteFirst(ctx context.Context, deviceID uint) (*QueueRecord, error) {
	var completed *QueueRecord
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		completed, err = completeFirstTx(ctx, tx, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if completed != nil {
		s.broadcastQueue(ctx, deviceID, "complete")
	}
	return completed, nil
}

// completeFirstTx is the transactional body of CompleteFirst, shared with
// the status ingest path which already holds its own transaction.
func completeFirstTx(ctx context.Context, tx Repository, deviceID uint) (*QueueRecord, error) {
	waiting, err := tx.ListWaitingQueue(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	head := waiting[0]
	now := time.Now()
	head.Status = QueueStatusCompleted
	head.CompletedAt = &now
	if err := tx.SaveQueueRecord(ctx, head); err != nil {
		return nil, err
	}
	if err := renumberWaiting(ctx, tx, waiting[1:]); err != nil {
		return nil, err
	}
	return head, nil
}

// Leave removes a record and its change logs, then renumbers the remainder.
func (s *QueueService) Leave(ctx context.Context, queueID uint, actorID string) error {
	var deviceID uint
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		rec, err := tx.GetQueueRecord(ctx, queueID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQueueRecordNotFound
			}
			return err
		}
		deviceID = rec.DeviceID

		if err := tx.DeleteQueueRecordWithLogs(ctx, rec.ID); err != nil {
			return err
		}
		waiting, err := tx.ListWaitingQueue(ctx, deviceID)
		if err != nil {
			return err
		}
		return renumberWaiting(ctx, tx, waiting)
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"queue_id": queueID,
		"actor_id": actorID,
	}).Info("Inspector left queue")
	s.broadcastQueue(ctx, deviceID, "leave")
	return nil
}

// Count returns the WAITING count for a device.
func (s *QueueService) Count(ctx context.Context, deviceID uint) (int64, error) {
	return s.repo.CountWaiting(ctx, deviceID)
}

// SwapFirstTwo exchanges positions 1 and 2 and logs a timeout_shift entry.
// Only the timeout monitor calls this; it passes the transaction it already
// opened for the device pass.
func SwapFirstTwo(ctx context.Context, tx Repository, deviceID uint, changedBy, changedByID string) (first, second *QueueRecord, err error) {
	waiting, err := tx.ListWaitingQueue(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	if len(waiting) < 2 {
		return nil, nil, nil
	}

	first, second = waiting[0], waiting[1]
	first.Position, second.Position = 2, 1
	if err := tx.SaveQueueRecord(ctx, first); err != nil {
		return nil, nil, err
	}
	if err := tx.SaveQueueRecord(ctx, second); err != nil {
		return nil, nil, err
	}

	err = tx.CreateChangeLog(ctx, &QueueChangeLog{
		QueueID:     first.ID,
		DeviceID:    deviceID,
		OldPosition: 1,
		NewPosition: 2,
		ChangedBy:   changedBy,
		ChangedByID: changedByID,
		ChangeType:  ChangeTypeTimeoutShift,
		Remark:      "timed out waiting for device",
	})
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

// ListWithLogs returns the current waiting order plus today's change logs.
func (s *QueueService) ListWithLogs(ctx context.Context, deviceID uint) (*QueueSnapshot, error) {
	if _, err := s.repo.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	waiting, err := s.repo.ListWaitingQueue(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	logs, err := s.repo.ListChangeLogsSince(ctx, deviceID, midnight, 50)
	if err != nil {
		return nil, err
	}

	return &QueueSnapshot{DeviceID: deviceID, Queue: waiting, Logs: logs}, nil
}

// moveRecord returns the list with the record moved so it lands at
// position target (1-based) once renumbered.
func moveRecord(waiting []*QueueRecord, id uint, target int) []*QueueRecord {
	var moved *QueueRecord
	rest := make([]*QueueRecord, 0, len(waiting))
	for _, rec := range waiting {
		if rec.ID == id {
			moved = rec
			continue
		}
		rest = append(rest, rec)
	}
	if moved == nil {
		return waiting
	}

	idx := target - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(rest) {
		idx = len(rest)
	}

	out := make([]*QueueRecord, 0, len(waiting))
	out = append(out, rest[:idx]...)
	out = append(out, moved)
	out = append(out, rest[idx:]...)
	return out
}

// renumberWaiting assigns dense positions 1..N following list order. The
// caller passes records already sorted by (position, submitted_at, id), so
// running this twice in a row changes nothing. Records whose position is
// already correct are not rewritten.
func renumberWaiting(ctx context.Context, tx Repository, waiting []*QueueRecord) error {
	for i, rec := range waiting {
		want := i + 1
		if rec.Position == want {
			continue
		}
		rec.Position = want
		if err := tx.SaveQueueRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// broadcastQueue pushes the fresh waiting list to connected viewers.
// Failures here never surface to the caller.
func (s *QueueService) broadcastQueue(ctx context.Context, deviceID uint, action string) {
	waiting, err := s.repo.ListWaitingQueue(ctx, deviceID)
	if err != nil {
		s.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to load queue for broadcast")
		return
	}
	s.broadcaster.Broadcast(Event{
		Type: EventQueueUpdate,
		Data: map[string]interface{}{
			"device_id": deviceID,
			"action":    action,
			"queue":     waiting,
		},
	})
}
