/*Package notify fans out content events to player devices.

The platform publishes an event to Kafka whenever new content or a promotion
becomes available. The notifier consumes these events and pushes a
fire-and-forget notification to each target device over the broker. Devices
that are offline simply miss the notification and re-synchronize via the API
on reconnect; there is no message replay.
*/
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/artcast-tech/artcast/core/logger"
)

// Publisher pushes a notification to one device.
type Publisher interface {
	PublishNotification(deviceID uuid.UUID, name string, payload []byte) error
}

// DeviceLister enumerates the devices for broadcast events.
type DeviceLister interface {
	ListDeviceIDs() ([]uuid.UUID, error)
}

// ContentEvent is the platform's content event as published to Kafka.
// An event without device IDs is a broadcast to all provisioned devices.
type ContentEvent struct {
	Event     string          `json:"event"`
	DeviceIDs []uuid.UUID     `json:"device_ids,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Notifier consumes content events and publishes device notifications.
type Notifier struct {
	reader    *kafka.Reader
	publisher Publisher
	devices   DeviceLister
}

// Builder is a builder helper for the Notifier
type Builder struct {
	// Brokers are the Kafka bootstrap addresses. This is mandatory.
	Brokers []string
	// GroupID is the Kafka consumer group. This is mandatory.
	GroupID string
	// Topic is the content event topic. This is mandatory.
	Topic string
	// Publisher pushes notifications to devices. This is mandatory.
	Publisher Publisher
	// Devices enumerates devices for broadcasts. This is mandatory.
	Devices DeviceLister
}

// NewNotifier returns a new notifier. It does not consume anything until
// you call Run().
func NewNotifier(b *Builder) *Notifier {

	if len(b.Brokers) == 0 {
		panic("kafka brokers missing")
	}
	if len(b.GroupID) == 0 {
		panic("kafka group id missing")
	}
	if len(b.Topic) == 0 {
		panic("kafka topic missing")
	}
	if b.Publisher == nil {
		panic("publisher is missing")
	}
	if b.Devices == nil {
		panic("device lister is missing")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.Brokers,
		GroupID:  b.GroupID,
		Topic:    b.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &Notifier{
		reader:    reader,
		publisher: b.Publisher,
		devices:   b.Devices,
	}
}

// Run consumes content events until the context is cancelled. A malformed
// event is logged and skipped; it must not wedge the consumer.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		msg, err := n.reader.ReadMessage(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := n.handleEvent(msg.Value); err != nil {
			logger.Default().WithError(err).Warningln("skipping content event")
		}
	}
}

// Close closes the underlying Kafka reader.
func (n *Notifier) Close() error {
	return n.reader.Close()
}

func (n *Notifier) handleEvent(data []byte) error {
	var event ContentEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return err
	}
	if event.Event == "" {
		return errors.New("content event without event name")
	}

	targets := event.DeviceIDs
	if len(targets) == 0 {
		var err error
		targets, err = n.devices.ListDeviceIDs()
		if err != nil {
			return err
		}
	}

	for _, deviceID := range targets {
		if err := n.publisher.PublishNotification(deviceID, event.Event, event.Payload); err != nil {
			logger.Default().WithError(err).Warningln("cannot notify device", deviceID)
		}
	}
	logger.Default().Debugf("notified %d devices about %s", len(targets), event.Event)
	return nil
}
