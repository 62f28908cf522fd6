package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/monitor/config"
	"example.com/backstage/services/monitor/internal/core"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

type Messaging struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

func NewMessaging(cfg config.ServiceBusConfig) (*Messaging, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client: client,
		sender: sender,
	}, nil
}

func (m *Messaging) Publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"topic":     topic,
			"timestamp": time.Now().Unix(),
		},
	}

	return m.sender.SendMessage(ctx, msg, nil)
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}

// EventRelay mirrors broadcast events onto the service bus so external
// consumers can follow the same stream the dashboard sees. It implements
// core.Broadcaster; deliveries are fire-and-forget.
type EventRelay struct {
	messaging *Messaging
	logger    *logrus.Logger
}

// NewEventRelay creates a relay on top of an open Messaging connection.
func NewEventRelay(messaging *Messaging, logger *logrus.Logger) *EventRelay {
	return &EventRelay{messaging: messaging, logger: logger}
}

// Broadcast publishes the event asynchronously. Failures are logged only.
func (r *EventRelay) Broadcast(event core.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.messaging.Publish(ctx, event.Type, event); err != nil {
			r.logger.WithError(err).WithField("event_type", event.Type).
				Warn("Failed to relay event to service bus")
		}
	}()
}
