package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/monitor/config"
	"example.com/backstage/services/monitor/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// StatusHandler ingests one status report received over MQTT.
type StatusHandler func(ctx context.Context, deviceCode string, report *core.StatusReport) error

// MQTTSubscriber listens on devices/{code}/status and feeds decoded reports
// into the status ingest path. Devices that publish over MQTT get the same
// treatment as those using the HTTP endpoint.
type MQTTSubscriber struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   StatusHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates an MQTT subscriber.
func NewMQTTSubscriber(cfg config.MQTTConfig, handler StatusHandler, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("monitor-service-%d", time.Now().UnixNano())
	}
	if cfg.Topic == "" {
		cfg.Topic = "devices/+/status"
	}

	return &MQTTSubscriber{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}, nil
}

// Start connects to the broker and subscribes to the status topic.
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientID)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetCleanSession(s.cfg.CleanSession)
	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.cfg.MaxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.WithField("topic", s.cfg.Topic).Info("MQTT subscriber started")
	return nil
}

// Stop unsubscribes and disconnects, waiting for in-flight handlers.
func (s *MQTTSubscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		if token := s.client.Unsubscribe(s.cfg.Topic); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", s.cfg.Topic).
				Error("Failed to unsubscribe from topic")
		}
		s.client.Disconnect(250)
	}
	s.wg.Wait()
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status.
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")
	if token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
		s.logger.WithError(token.Error()).WithField("topic", s.cfg.Topic).
			Error("Failed to subscribe to topic")
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) onMessage(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processMessage(msg)
	}()
}

func (s *MQTTSubscriber) processMessage(msg mqtt.Message) {
	code := deviceCodeFromTopic(msg.Topic())
	if code == "" {
		s.logger.WithField("topic", msg.Topic()).Warn("MQTT message on unexpected topic")
		return
	}

	var report core.StatusReport
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      msg.Topic(),
			"message_id": msg.MessageID(),
		}).Error("Failed to decode status report")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.handler(ctx, code, &report); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_code": code,
			"message_id":  msg.MessageID(),
		}).Error("Failed to process status report")
	}
}

// deviceCodeFromTopic extracts {code} from devices/{code}/status.
func deviceCodeFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "status" {
		return ""
	}
	return parts[1]
}
