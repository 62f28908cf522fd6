package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeviceService manages the device registry.
type DeviceService struct {
	repo        Repository
	cache       DeviceCache
	broadcaster Broadcaster
	logger      *logrus.Logger
}

// NewDeviceService creates a device registry service.
func NewDeviceService(repo Repository, cache DeviceCache, broadcaster Broadcaster, logger *logrus.Logger) *DeviceService {
	return &DeviceService{repo: repo, cache: cache, broadcaster: broadcaster, logger: logger}
}

// RegisterDeviceInput carries the fields accepted on device creation.
type RegisterDeviceInput struct {
	DeviceCode    string `json:"device_code" binding:"required"`
	Name          string `json:"name" binding:"required"`
	Model         string `json:"model"`
	Location      string `json:"location"`
	Description   string `json:"description"`
	CaptureMode   bool   `json:"capture_mode"`
	ClientBaseURL string `json:"client_base_url"`
}

// UpdateDeviceInput carries the fields accepted on device update. Nil
// pointers leave the stored value untouched.
type UpdateDeviceInput struct {
	Name          *string `json:"name"`
	Model         *string `json:"model"`
	Location      *string `json:"location"`
	Description   *string `json:"description"`
	CaptureMode   *bool   `json:"capture_mode"`
	ClientBaseURL *string `json:"client_base_url"`
	Status        *string `json:"status"`
}

// Register creates a new device. Device codes are unique.
func (s *DeviceService) Register(ctx context.Context, input *RegisterDeviceInput) (*Device, error) {
	if _, err := s.repo.GetDeviceByCode(ctx, input.DeviceCode); err == nil {
		return nil, ErrDeviceCodeExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	device := &Device{
		DeviceCode:    input.DeviceCode,
		Name:          input.Name,
		Model:         input.Model,
		Location:      input.Location,
		Description:   input.Description,
		CaptureMode:   input.CaptureMode,
		ClientBaseURL: input.ClientBaseURL,
		Status:        DeviceStatusOffline,
	}
	if err := s.repo.CreateDevice(ctx, device); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":   device.ID,
		"device_code": device.DeviceCode,
	}).Info("Device registered")
	s.broadcastList(ctx)
	return device, nil
}

// Get returns a device by id.
func (s *DeviceService) Get(ctx context.Context, id uint) (*Device, error) {
	device, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// GetByCode returns a device by code, consulting the cache first.
func (s *DeviceService) GetByCode(ctx context.Context, code string) (*Device, error) {
	if cached, err := s.cache.GetDevice(ctx, code); err == nil && cached != nil {
		return cached, nil
	} else if err != nil {
		s.logger.WithError(err).WithField("device_code", code).Warn("Device cache read failed")
	}

	device, err := s.repo.GetDeviceByCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if err := s.cache.SetDevice(ctx, device); err != nil {
		s.logger.WithError(err).WithField("device_code", code).Warn("Device cache write failed")
	}
	return device, nil
}

// List returns all devices ordered by id.
func (s *DeviceService) List(ctx context.Context) ([]*Device, error) {
	return s.repo.ListDevices(ctx)
}

// ListOnline returns devices not currently offline.
func (s *DeviceService) ListOnline(ctx context.Context) ([]*Device, error) {
	return s.repo.ListOnlineDevices(ctx)
}

// Update applies a partial update to a device.
func (s *DeviceService) Update(ctx context.Context, id uint, input *UpdateDeviceInput) (*Device, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		device.Name = *input.Name
	}
	if input.Model != nil {
		device.Model = *input.Model
	}
	if input.Location != nil {
		device.Location = *input.Location
	}
	if input.Description != nil {
		device.Description = *input.Description
	}
	if input.CaptureMode != nil {
		device.CaptureMode = *input.CaptureMode
	}
	if input.ClientBaseURL != nil {
		device.ClientBaseURL = *input.ClientBaseURL
	}
	if input.Status != nil {
		device.Status = *input.Status
	}

	if err := s.repo.SaveDevice(ctx, device); err != nil {
		return nil, err
	}
	if err := s.cache.InvalidateDevice(ctx, device.DeviceCode); err != nil {
		s.logger.WithError(err).WithField("device_code", device.DeviceCode).Warn("Device cache invalidation failed")
	}
	s.broadcastList(ctx)
	return device, nil
}

// Delete removes a device together with its queue records, change logs and
// history.
func (s *DeviceService) Delete(ctx context.Context, id uint) error {
	device, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteDeviceCascade(ctx, id); err != nil {
		return err
	}
	if err := s.cache.InvalidateDevice(ctx, device.DeviceCode); err != nil {
		s.logger.WithError(err).WithField("device_code", device.DeviceCode).Warn("Device cache invalidation failed")
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":   id,
		"device_code": device.DeviceCode,
	}).Info("Device deleted")
	s.broadcastList(ctx)
	return nil
}

func (s *DeviceService) broadcastList(ctx context.Context) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load device list for broadcast")
		return
	}
	s.broadcaster.Broadcast(Event{
		Type: EventDeviceListUpdate,
		Data: map[string]interface{}{"devices": devices},
	})
}

// HeartbeatMonitor flags devices offline when their heartbeat goes stale.
type HeartbeatMonitor struct {
	repo        Repository
	cache       DeviceCache
	broadcaster Broadcaster
	logger      *logrus.Logger
	timeout     time.Duration
	interval    time.Duration
}

// NewHeartbeatMonitor creates a heartbeat monitor.
func NewHeartbeatMonitor(repo Repository, cache DeviceCache, broadcaster Broadcaster, logger *logrus.Logger, timeout, interval time.Duration) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HeartbeatMonitor{
		repo:        repo,
		cache:       cache,
		broadcaster: broadcaster,
		logger:      logger,
		timeout:     timeout,
		interval:    interval,
	}
}

// Run ticks until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.WithField("timeout", m.timeout.String()).Info("Heartbeat monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *HeartbeatMonitor) tick(ctx context.Context) {
	devices, err := m.repo.ListOnlineDevices(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Heartbeat tick: failed to list devices")
		return
	}

	now := time.Now()
	for _, device := range devices {
		if device.LastHeartbeat != nil && now.Sub(*device.LastHeartbeat) <= m.timeout {
			continue
		}
		if err := m.markOffline(ctx, device.ID); err != nil {
			m.logger.WithError(err).WithField("device_id", device.ID).Error("Failed to mark device offline")
		}
	}
}

// markOffline flips one device to offline and wipes any running queue
// countdown, since an offline device cannot serve its queue.
func (m *HeartbeatMonitor) markOffline(ctx context.Context, deviceID uint) error {
	var device *Device
	err := m.repo.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		device, err = tx.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if device.Status == DeviceStatusOffline {
			return nil
		}
		device.Status = DeviceStatusOffline
		clearTimeoutState(device)
		return tx.SaveDevice(ctx, device)
	})
	if err != nil {
		return err
	}

	if err := m.cache.InvalidateDevice(ctx, device.DeviceCode); err != nil {
		m.logger.WithError(err).WithField("device_code", device.DeviceCode).Warn("Device cache invalidation failed")
	}
	m.logger.WithFields(logrus.Fields{
		"device_id":   device.ID,
		"device_code": device.DeviceCode,
	}).Warn("Device heartbeat lost, marked offline")
	m.broadcaster.Broadcast(Event{
		Type: EventDeviceOffline,
		Data: map[string]interface{}{
			"device_id":   device.ID,
			"device_code": device.DeviceCode,
		},
	})
	return nil
}
