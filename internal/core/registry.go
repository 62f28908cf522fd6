package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceConfig bundles the dependencies shared by every service.
type ServiceConfig struct {
	Repo        Repository
	Cache       DeviceCache
	Broadcaster Broadcaster
	Logger      *logrus.Logger

	Timeout           TimeoutConfig
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	RetentionDays     int
}

// ServiceRegistry holds the wired services and background monitors.
type ServiceRegistry struct {
	Devices   *DeviceService
	Queues    *QueueService
	Status    *StatusService
	History   *HistoryService
	Timeouts  *TimeoutMonitor
	Heartbeat *HeartbeatMonitor
}

// NewServiceRegistry wires all services from one shared config.
func NewServiceRegistry(cfg ServiceConfig) *ServiceRegistry {
	if cfg.Cache == nil {
		cfg.Cache = NopCache{}
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NopBroadcaster{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &ServiceRegistry{
		Devices:   NewDeviceService(cfg.Repo, cfg.Cache, cfg.Broadcaster, cfg.Logger),
		Queues:    NewQueueService(cfg.Repo, cfg.Broadcaster, cfg.Logger),
		Status:    NewStatusService(cfg.Repo, cfg.Cache, cfg.Broadcaster, cfg.Logger),
		History:   NewHistoryService(cfg.Repo, cfg.Logger, cfg.RetentionDays),
		Timeouts:  NewTimeoutMonitor(cfg.Repo, cfg.Broadcaster, cfg.Logger, cfg.Timeout),
		Heartbeat: NewHeartbeatMonitor(cfg.Repo, cfg.Cache, cfg.Broadcaster, cfg.Logger, cfg.HeartbeatTimeout, cfg.HeartbeatInterval),
	}
}
