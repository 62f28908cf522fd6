package core

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// HistoryFilter narrows a status-history query. Zero values mean "no filter".
type HistoryFilter struct {
	DeviceID  uint
	Status    string
	TaskID    string
	StartDate *time.Time
	EndDate   *time.Time
	Offset    int
	Limit     int
}

// Repository defines the interface for data access operations.
type Repository interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	SaveDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id uint) (*Device, error)
	GetDeviceByCode(ctx context.Context, code string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	ListOnlineDevices(ctx context.Context) ([]*Device, error)
	DeleteDeviceCascade(ctx context.Context, id uint) error

	// Queue operations
	CreateQueueRecords(ctx context.Context, records []*QueueRecord) error
	GetQueueRecord(ctx context.Context, id uint) (*QueueRecord, error)
	ListWaitingQueue(ctx context.Context, deviceID uint) ([]*QueueRecord, error)
	SaveQueueRecord(ctx context.Context, record *QueueRecord) error
	DeleteQueueRecordWithLogs(ctx context.Context, id uint) error
	CountWaiting(ctx context.Context, deviceID uint) (int64, error)
	MaxWaitingPosition(ctx context.Context, deviceID uint) (int, error)
	ClaimQueueVersion(ctx context.Context, id uint, expectedVersion int) (bool, error)

	// Change log operations
	CreateChangeLog(ctx context.Context, log *QueueChangeLog) error
	ListChangeLogsSince(ctx context.Context, deviceID uint, since time.Time, limit int) ([]*QueueChangeLog, error)
	DeleteChangeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Status history operations
	CreateStatusHistory(ctx context.Context, history *DeviceStatusHistory) error
	ListStatusHistory(ctx context.Context, filter HistoryFilter) ([]*DeviceStatusHistory, int64, error)
	LatestStatusHistory(ctx context.Context, deviceID uint) (*DeviceStatusHistory, error)
	CountHistoryBetween(ctx context.Context, deviceID uint, start, end time.Time) (int64, error)
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Aggregate counters
	CountDevices(ctx context.Context) (int64, error)
	CountDevicesByStatus(ctx context.Context, status string) (int64, error)
	CountDevicesExceptStatus(ctx context.Context, status string) (int64, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository wraps a *gorm.DB in the Repository interface.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// WithTransaction runs fn against a repository bound to one transaction.
// Every read-modify-write path in the queue and timeout code goes through
// here so concurrent requests cannot interleave.
func (r *repository) WithTransaction(ctx context.Context, fn func(c context.Context, r Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

// --- Device operations ---

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *repository) SaveDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *repository) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).First(&d, id).Error
	return &d, err
}

func (r *repository) GetDeviceByCode(ctx context.Context, code string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("device_code = ?", code).First(&d).Error
	return &d, err
}

func (r *repository) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, r.db.WithContext(ctx).Order("id").Find(&devices).Error
}

func (r *repository) ListOnlineDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	err := r.db.WithContext(ctx).Where("status <> ?", DeviceStatusOffline).Order("id").Find(&devices).Error
	return devices, err
}

func (r *repository) DeleteDeviceCascade(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", id).Delete(&QueueChangeLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&QueueRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&DeviceStatusHistory{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Device{}, id).Error
	})
}

// --- Queue operations ---

func (r *repository) CreateQueueRecords(ctx context.Context, records []*QueueRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(records).Error
}

func (r *repository) GetQueueRecord(ctx context.Context, id uint) (*QueueRecord, error) {
	var rec QueueRecord
	err := r.db.WithContext(ctx).First(&rec, id).Error
	return &rec, err
}

func (r *repository) ListWaitingQueue(ctx context.Context, deviceID uint) ([]*QueueRecord, error) {
	var records []*QueueRecord
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, QueueStatusWaiting).
		Order("position, submitted_at, id").
		Find(&records).Error
	return records, err
}

func (r *repository) SaveQueueRecord(ctx context.Context, rec *QueueRecord) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *repository) DeleteQueueRecordWithLogs(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Where("queue_id = ?", id).Delete(&QueueChangeLog{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Delete(&QueueRecord{}, id).Error
}

func (r *repository) CountWaiting(ctx context.Context, deviceID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("device_id = ? AND status = ?", deviceID, QueueStatusWaiting).
		Count(&count).Error
	return count, err
}

func (r *repository) MaxWaitingPosition(ctx context.Context, deviceID uint) (int, error) {
	var max *int
	err := r.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("device_id = ? AND status = ?", deviceID, QueueStatusWaiting).
		Select("MAX(position)").
		Scan(&max).Error
	if err != nil || max == nil {
		return 0, err
	}
	return *max, nil
}

// ClaimQueueVersion atomically bumps the record's version if and only if the
// stored value matches expectedVersion. A false return means the record was
// changed (or deleted) since the caller read it.
func (r *repository) ClaimQueueVersion(ctx context.Context, id uint, expectedVersion int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&QueueRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		UpdateColumn("version", gorm.Expr("version + 1"))
	return res.RowsAffected == 1, res.Error
}

// --- Change log operations ---

func (r *repository) CreateChangeLog(ctx context.Context, log *QueueChangeLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *repository) ListChangeLogsSince(ctx context.Context, deviceID uint, since time.Time, limit int) ([]*QueueChangeLog, error) {
	var logs []*QueueChangeLog
	q := r.db.WithContext(ctx).
		Where("device_id = ? AND change_time >= ?", deviceID, since).
		Order("change_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return logs, q.Find(&logs).Error
}

func (r *repository) DeleteChangeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("change_time < ?", cutoff).Delete(&QueueChangeLog{})
	return res.RowsAffected, res.Error
}

// --- Status history operations ---

func (r *repository) CreateStatusHistory(ctx context.Context, h *DeviceStatusHistory) error {
	return r.db.WithContext(ctx).Create(h).Error
}

func (r *repository) ListStatusHistory(ctx context.Context, filter HistoryFilter) ([]*DeviceStatusHistory, int64, error) {
	q := r.db.WithContext(ctx).Model(&DeviceStatusHistory{})
	if filter.DeviceID > 0 {
		q = q.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.TaskID != "" {
		q = q.Where("task_id = ?", filter.TaskID)
	}
	if filter.StartDate != nil {
		q = q.Where("reported_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		q = q.Where("reported_at <= ?", *filter.EndDate)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	var history []*DeviceStatusHistory
	err := q.Order("reported_at DESC").Offset(filter.Offset).Limit(limit).Find(&history).Error
	return history, total, err
}

func (r *repository) LatestStatusHistory(ctx context.Context, deviceID uint) (*DeviceStatusHistory, error) {
	var h DeviceStatusHistory
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("reported_at DESC").
		First(&h).Error
	return &h, err
}

func (r *repository) CountHistoryBetween(ctx context.Context, deviceID uint, start, end time.Time) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&DeviceStatusHistory{}).
		Where("reported_at >= ? AND reported_at <= ?", start, end)
	if deviceID > 0 {
		q = q.Where("device_id = ?", deviceID)
	}
	return count, q.Count(&count).Error
}

func (r *repository) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("reported_at < ?", cutoff).Delete(&DeviceStatusHistory{})
	return res.RowsAffected, res.Error
}

// --- Aggregate counters ---

func (r *repository) CountDevices(ctx context.Context) (int64, error) {
	var count int64
	return count, r.db.WithContext(ctx).Model(&Device{}).Count(&count).Error
}

func (r *repository) CountDevicesByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	return count, r.db.WithContext(ctx).Model(&Device{}).Where("status = ?", status).Count(&count).Error
}

func (r *repository) CountDevicesExceptStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	return count, r.db.WithContext(ctx).Model(&Device{}).Where("status <> ?", status).Count(&count).Error
}
