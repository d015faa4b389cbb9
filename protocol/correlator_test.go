package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_ResolveBeforeWait(t *testing.T) {
	c := NewCorrelator(time.Second)
	deviceID := uuid.New()

	pending, err := c.Register("c1")
	require.NoError(t, err)

	// the response may arrive before anybody waits, the buffered slot holds it
	response := Envelope{Type: MessageResponse, DeviceID: deviceID, CorrelationID: "c1"}
	require.True(t, c.Resolve(response))

	got, err := pending.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CorrelationID)
	assert.Equal(t, deviceID, got.DeviceID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_DuplicateRegistration(t *testing.T) {
	c := NewCorrelator(0)
	pending, err := c.Register("c1")
	require.NoError(t, err)
	defer pending.Cancel()

	_, err = c.Register("c1")
	assert.Error(t, err)

	_, err = c.Register("")
	assert.Error(t, err)
}

func TestCorrelator_Timeout(t *testing.T) {
	c := NewCorrelator(0)
	pending, err := c.Register("c1")
	require.NoError(t, err)

	_, err = pending.Wait(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	// the slot is gone, a late response is discarded without error
	assert.Equal(t, 0, c.PendingCount())
	assert.False(t, c.Resolve(Envelope{CorrelationID: "c1"}))
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c := NewCorrelator(0)
	pending, err := c.Register("c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pending.Wait(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// a cancelled caller must not leave a slot behind
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_Cancel(t *testing.T) {
	c := NewCorrelator(0)
	pending, err := c.Register("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.PendingCount())

	pending.Cancel()
	assert.Equal(t, 0, c.PendingCount())
	assert.False(t, c.Resolve(Envelope{CorrelationID: "c1"}))

	// cancelling twice is harmless
	pending.Cancel()
}

func TestCorrelator_IndependentRequests(t *testing.T) {
	c := NewCorrelator(time.Second)
	deviceID := uuid.New()

	p1, err := c.Register("c1")
	require.NoError(t, err)
	p2, err := c.Register("c2")
	require.NoError(t, err)

	// responses arrive out of order, each finds its own caller
	require.True(t, c.Resolve(Envelope{DeviceID: deviceID, CorrelationID: "c2", Name: "two"}))
	require.True(t, c.Resolve(Envelope{DeviceID: deviceID, CorrelationID: "c1", Name: "one"}))

	got2, err := p2.Wait(context.Background(), 0)
	require.NoError(t, err)
	got1, err := p1.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "one", got1.Name)
	assert.Equal(t, "two", got2.Name)
}
