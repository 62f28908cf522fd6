package core

import (
	"time"

	"gorm.io/datatypes"
)

// Device statuses.
const (
	DeviceStatusOffline     = "offline"
	DeviceStatusIdle        = "idle"
	DeviceStatusBusy        = "busy"
	DeviceStatusMaintenance = "maintenance"
	DeviceStatusError       = "error"
)

// Queue record statuses.
const (
	QueueStatusWaiting   = "waiting"
	QueueStatusCompleted = "completed"
)

// Queue change log types.
const (
	ChangeTypePositionChange = "position_change"
	ChangeTypeTimeoutShift   = "timeout_shift"
	ChangeTypeTimeoutExtend  = "timeout_extend"
)

// Device represents a physical inspection instrument and its live state.
// The queue_timeout_* columns track the countdown for the head of the
// device's waiting queue; they are empty whenever the device is offline.
type Device struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	DeviceCode  string `json:"device_code" gorm:"uniqueIndex;size:50;not null"`
	Name        string `json:"name" gorm:"size:100;not null"`
	Model       string `json:"model,omitempty" gorm:"size:100"`
	Location    string `json:"location,omitempty" gorm:"size:100"`
	Description string `json:"description,omitempty" gorm:"type:text"`
	Status      string `json:"status" gorm:"size:20;default:offline;index"`

	// CaptureMode marks continuous-capture instruments that report busy at
	// 100% without a task boundary.
	CaptureMode bool `json:"capture_mode" gorm:"default:false"`

	LastHeartbeat      *time.Time     `json:"last_heartbeat"`
	TaskID             string         `json:"task_id,omitempty" gorm:"size:100"`
	TaskName           string         `json:"task_name,omitempty" gorm:"size:200"`
	TaskProgress       *int           `json:"task_progress"`
	TaskStartedAt      *time.Time     `json:"task_started_at"`
	TaskElapsedSeconds *int           `json:"task_elapsed_seconds"`
	Metrics            datatypes.JSON `json:"metrics,omitempty" gorm:"type:jsonb"`
	ClientBaseURL      string         `json:"client_base_url,omitempty" gorm:"size:200"`

	QueueTimeoutActiveID      *uint      `json:"queue_timeout_active_id"`
	QueueTimeoutStartedAt     *time.Time `json:"queue_timeout_started_at"`
	QueueTimeoutDeadlineAt    *time.Time `json:"queue_timeout_deadline_at"`
	QueueTimeoutRemindedAt    *time.Time `json:"queue_timeout_reminded_at"`
	QueueTimeoutExtendedCount int        `json:"queue_timeout_extended_count" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueRecord is one inspector slot in a device's waiting queue. Positions of
// WAITING records per device form a dense 1..N range; Version is the
// optimistic-concurrency counter checked on every position edit.
type QueueRecord struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	DeviceID      uint       `json:"device_id" gorm:"index;not null"`
	InspectorName string     `json:"inspector_name" gorm:"size:50;not null"`
	Position      int        `json:"position" gorm:"not null"`
	Status        string     `json:"status" gorm:"size:20;default:waiting;index"`
	SubmittedAt   time.Time  `json:"submitted_at" gorm:"autoCreateTime"`
	CompletedAt   *time.Time `json:"completed_at"`
	Version       int        `json:"version" gorm:"not null;default:0"`
	CreatedByID   string     `json:"created_by_id,omitempty" gorm:"size:64"`
}

// QueueChangeLog is an append-only audit row for a queue record mutation.
type QueueChangeLog struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	QueueID     uint      `json:"queue_id" gorm:"index;not null"`
	DeviceID    uint      `json:"device_id" gorm:"index;not null"`
	OldPosition int       `json:"old_position"`
	NewPosition int       `json:"new_position"`
	ChangedBy   string    `json:"changed_by" gorm:"size:50"`
	ChangedByID string    `json:"changed_by_id,omitempty" gorm:"size:64"`
	ChangeType  string    `json:"change_type" gorm:"size:30;default:position_change"`
	Remark      string    `json:"remark,omitempty" gorm:"size:200"`
	ChangeTime  time.Time `json:"change_time" gorm:"autoCreateTime;index"`
}

// DeviceStatusHistory is an immutable snapshot written when a task reaches
// 100% progress.
type DeviceStatusHistory struct {
	ID                  uint           `json:"id" gorm:"primaryKey"`
	DeviceID            uint           `json:"device_id" gorm:"index;not null"`
	Status              string         `json:"status" gorm:"size:20;not null"`
	TaskID              string         `json:"task_id,omitempty" gorm:"size:100"`
	TaskName            string         `json:"task_name,omitempty" gorm:"size:200"`
	TaskProgress        *int           `json:"task_progress"`
	TaskDurationSeconds int            `json:"task_duration_seconds"`
	DeviceMetrics       datatypes.JSON `json:"device_metrics,omitempty" gorm:"type:jsonb"`
	ReportedAt          time.Time      `json:"reported_at" gorm:"autoCreateTime;index"`
}

// TableName overrides for GORM
func (Device) TableName() string              { return "devices" }
func (QueueRecord) TableName() string         { return "queue_records" }
func (QueueChangeLog) TableName() string      { return "queue_change_logs" }
func (DeviceStatusHistory) TableName() string { return "device_status_history" }

// AllModels lists every persisted model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Device{},
		&QueueRecord{},
		&QueueChangeLog{},
		&DeviceStatusHistory{},
	}
}

// StatusReport is the payload pushed by a device client.
type StatusReport struct {
	Status        string                 `json:"status" binding:"required"`
	TaskID        string                 `json:"task_id"`
	TaskName      string                 `json:"task_name"`
	TaskProgress  *int                   `json:"task_progress"`
	Metrics       map[string]interface{} `json:"metrics"`
	ClientBaseURL string                 `json:"client_base_url"`
}
