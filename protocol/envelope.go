package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
)

// MessageType classifies the traffic on the bus.
type MessageType string

// The message types.
const (
	MessageCommand      MessageType = "command"
	MessageNotification MessageType = "notification"
	MessageRequest      MessageType = "request"
	MessageResponse     MessageType = "response"
)

// MaxPayloadBytes bounds the envelope payload. Players are memory
// constrained devices, anything larger must go through the download API.
const MaxPayloadBytes = 16 * 1024

// MaxRequestAge is how old a request envelope may be before it is treated
// as stale and discarded.
const MaxRequestAge = 5 * time.Minute

// The envelope error conditions.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")
	ErrStaleRequest    = errors.New("request is too old")
)

// Envelope is the message envelope for all artcast bus traffic.
//
// The device identity is carried both in the topic path, for broker-level
// access control, and in the envelope, so that handlers never have to trust
// payload contents against an unverified path. Request and response
// envelopes additionally carry a correlation ID unique per outstanding
// request.
type Envelope struct {
	Type          MessageType     `json:"type"`
	DeviceID      uuid.UUID       `json:"device_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Name          string          `json:"name,omitempty"`
	IssuedAt      time.Time       `json:"issued_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// NewCommand returns a command envelope for the device with a fresh
// correlation ID.
func NewCommand(deviceID uuid.UUID, name string, payload []byte) Envelope {
	return Envelope{
		Type:          MessageCommand,
		DeviceID:      deviceID,
		CorrelationID: uuid.New().String(),
		Name:          name,
		IssuedAt:      time.Now().UTC(),
		Payload:       payload,
	}
}

// NewNotification returns a fire-and-forget notification envelope for the
// device.
func NewNotification(deviceID uuid.UUID, name string, payload []byte) Envelope {
	return Envelope{
		Type:     MessageNotification,
		DeviceID: deviceID,
		Name:     name,
		IssuedAt: time.Now().UTC(),
		Payload:  payload,
	}
}

// NewResponse returns a response envelope answering the given request.
func NewResponse(request Envelope, payload []byte) Envelope {
	return Envelope{
		Type:          MessageResponse,
		DeviceID:      request.DeviceID,
		CorrelationID: request.CorrelationID,
		Name:          request.Name,
		IssuedAt:      time.Now().UTC(),
		Payload:       payload,
	}
}

// NewErrorResponse returns a response envelope reporting an error for the
// given request.
func NewErrorResponse(request Envelope, message string) Envelope {
	return Envelope{
		Type:          MessageResponse,
		DeviceID:      request.DeviceID,
		CorrelationID: request.CorrelationID,
		Name:          request.Name,
		IssuedAt:      time.Now().UTC(),
		Error:         message,
	}
}

// Encode serializes the envelope for the bus.
func (e Envelope) Encode() ([]byte, error) {
	if len(e.Payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope from the bus.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the envelope against the wire contract.
func (e Envelope) Validate() error {
	switch e.Type {
	case MessageCommand, MessageNotification, MessageRequest, MessageResponse:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if e.DeviceID == (uuid.UUID{}) {
		return errors.New("missing device identity")
	}
	if len(e.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	switch e.Type {
	case MessageCommand, MessageRequest, MessageResponse:
		if e.CorrelationID == "" {
			return errors.New("missing correlation ID")
		}
	}
	if e.Type == MessageRequest {
		if e.IssuedAt.IsZero() {
			return errors.New("request is missing issued_at")
		}
		if time.Since(e.IssuedAt) > MaxRequestAge {
			return ErrStaleRequest
		}
	}
	return nil
}
