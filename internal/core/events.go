package core

// Event types pushed to connected viewers.
const (
	EventDeviceStatusUpdate   = "device_status_update"
	EventDeviceListUpdate     = "device_list_update"
	EventDeviceOffline        = "device_offline"
	EventQueueUpdate          = "queue_update"
	EventQueueTimeoutUpdate   = "queue_timeout_update"
	EventQueueTimeoutReminder = "queue_timeout_reminder"
	EventQueueTimeoutShift    = "queue_timeout_shift"
)

// Event is a single broadcast message: a type tag plus an arbitrary payload.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Broadcaster fans an event out to every connected viewer. Implementations
// must never block the caller and must swallow per-viewer delivery failures.
type Broadcaster interface {
	Broadcast(event Event)
}

// NopBroadcaster discards all events.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(Event) {}

// MultiBroadcaster forwards each event to every sink in order.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(event Event) {
	for _, b := range m {
		b.Broadcast(event)
	}
}

// TimeoutStatePayload is the data carried by queue_timeout_update events.
type TimeoutStatePayload struct {
	DeviceID      uint        `json:"device_id"`
	ActiveID      *uint       `json:"queue_timeout_active_id"`
	StartedAt     interface{} `json:"queue_timeout_started_at"`
	DeadlineAt    interface{} `json:"queue_timeout_deadline_at"`
	RemindedAt    interface{} `json:"queue_timeout_reminded_at"`
	ExtendedCount int         `json:"queue_timeout_extended_count"`
}

// NewTimeoutEvent builds a queue_timeout_update event from a device's
// current timeout columns.
func NewTimeoutEvent(device *Device) Event {
	return Event{
		Type: EventQueueTimeoutUpdate,
		Data: TimeoutStatePayload{
			DeviceID:      device.ID,
			ActiveID:      device.QueueTimeoutActiveID,
			StartedAt:     device.QueueTimeoutStartedAt,
			DeadlineAt:    device.QueueTimeoutDeadlineAt,
			RemindedAt:    device.QueueTimeoutRemindedAt,
			ExtendedCount: device.QueueTimeoutExtendedCount,
		},
	}
}
