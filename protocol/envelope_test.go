package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	deviceID := uuid.New()
	command := NewCommand(deviceID, "reboot", []byte(`{"delay":3}`))
	require.NotEmpty(t, command.CorrelationID)

	data, err := command.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, MessageCommand, decoded.Type)
	assert.Equal(t, deviceID, decoded.DeviceID)
	assert.Equal(t, command.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, "reboot", decoded.Name)
	assert.JSONEq(t, `{"delay":3}`, string(decoded.Payload))
}

func TestEnvelopeValidate(t *testing.T) {
	deviceID := uuid.New()

	cases := []struct {
		name     string
		envelope Envelope
		valid    bool
	}{
		{"notification", NewNotification(deviceID, "content.published", nil), true},
		{"command", NewCommand(deviceID, "reboot", nil), true},
		{"unknown type", Envelope{Type: "telemetry", DeviceID: deviceID}, false},
		{"missing device", NewNotification(uuid.UUID{}, "content.published", nil), false},
		{"command without correlation", Envelope{
			Type: MessageCommand, DeviceID: deviceID, IssuedAt: time.Now()}, false},
		{"fresh request", Envelope{
			Type: MessageRequest, DeviceID: deviceID, CorrelationID: "c1",
			IssuedAt: time.Now()}, true},
		{"request without issued_at", Envelope{
			Type: MessageRequest, DeviceID: deviceID, CorrelationID: "c1"}, false},
	}
	for _, c := range cases {
		err := c.envelope.Validate()
		if c.valid {
			assert.NoError(t, err, c.name)
		} else {
			assert.Error(t, err, c.name)
		}
	}
}

func TestEnvelopeValidate_StaleRequest(t *testing.T) {
	request := Envelope{
		Type:          MessageRequest,
		DeviceID:      uuid.New(),
		CorrelationID: "c1",
		IssuedAt:      time.Now().Add(-MaxRequestAge - time.Minute),
	}
	if !errors.Is(request.Validate(), ErrStaleRequest) {
		t.Fatal("expected ErrStaleRequest")
	}
}

func TestEnvelopePayloadCeiling(t *testing.T) {
	deviceID := uuid.New()
	huge := bytes.Repeat([]byte("x"), MaxPayloadBytes+1)

	_, err := NewNotification(deviceID, "content.published", huge).Encode()
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if !errors.Is(NewNotification(deviceID, "n", huge).Validate(), ErrPayloadTooLarge) {
		t.Fatal("expected ErrPayloadTooLarge from Validate")
	}

	// exactly at the ceiling is fine
	atLimit := append([]byte(`"`), bytes.Repeat([]byte("x"), MaxPayloadBytes-2)...)
	atLimit = append(atLimit, '"')
	_, err = NewNotification(deviceID, "n", atLimit).Encode()
	assert.NoError(t, err)
}

func TestErrorResponse(t *testing.T) {
	request := Envelope{
		Type:          MessageRequest,
		DeviceID:      uuid.New(),
		CorrelationID: "c1",
		Name:          "playlist.fetch",
		IssuedAt:      time.Now(),
	}
	response := NewErrorResponse(request, "no such playlist")
	assert.Equal(t, MessageResponse, response.Type)
	assert.Equal(t, request.DeviceID, response.DeviceID)
	assert.Equal(t, request.CorrelationID, response.CorrelationID)
	assert.Equal(t, "no such playlist", response.Error)
	assert.NoError(t, response.Validate())
}
