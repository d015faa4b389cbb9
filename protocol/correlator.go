package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/artcast-tech/artcast/core/logger"
)

// ErrRequestTimeout means no response arrived within the configured window.
// The caller may retry with a fresh correlation ID.
var ErrRequestTimeout = errors.New("no response within the configured window")

// DefaultRequestTimeout is the timeout applied when a pending request does
// not specify one. Devices are expected to be on constrained networks, so
// the default is in the few-seconds range.
const DefaultRequestTimeout = 5 * time.Second

// Correlator pairs asynchronous response envelopes with the requests that
// triggered them. The bus itself is an unordered, at-least-once delivery
// primitive; all request/response pairing lives here.
type Correlator struct {
	mutex          sync.Mutex
	pending        map[string]chan Envelope
	defaultTimeout time.Duration
}

// NewCorrelator creates a correlator. A zero defaultTimeout selects
// DefaultRequestTimeout.
func NewCorrelator(defaultTimeout time.Duration) *Correlator {
	if defaultTimeout == 0 {
		defaultTimeout = DefaultRequestTimeout
	}
	return &Correlator{
		pending:        make(map[string]chan Envelope),
		defaultTimeout: defaultTimeout,
	}
}

// PendingRequest is the handle for one outstanding request. The holder must
// call Wait or Cancel, otherwise the pending-table entry leaks.
type PendingRequest struct {
	correlator    *Correlator
	correlationID string
	ch            chan Envelope
}

// Register reserves a pending-table slot for the correlation ID. The slot
// must be registered before the request is published, otherwise a fast
// response could arrive with nobody waiting.
//
// Correlation IDs must be unique per outstanding request; registering a
// duplicate is an error.
func (c *Correlator) Register(correlationID string) (*PendingRequest, error) {
	if correlationID == "" {
		return nil, errors.New("empty correlation ID")
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.pending[correlationID]; ok {
		return nil, errors.New("correlation ID already pending: " + correlationID)
	}
	ch := make(chan Envelope, 1)
	c.pending[correlationID] = ch
	return &PendingRequest{correlator: c, correlationID: correlationID, ch: ch}, nil
}

// Wait blocks until a matching response arrives, the timeout elapses, or the
// context is cancelled. A zero timeout selects the correlator's default.
// The pending-table entry is released on every exit path, so a cancelled
// caller never leaves a slot behind until the timeout.
func (p *PendingRequest) Wait(ctx context.Context, timeout time.Duration) (Envelope, error) {
	if timeout == 0 {
		timeout = p.correlator.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer p.Cancel()

	select {
	case response := <-p.ch:
		return response, nil
	case <-timer.C:
		return Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Cancel releases the pending-table slot immediately. It is safe to call
// after Wait has returned.
func (p *PendingRequest) Cancel() {
	p.correlator.mutex.Lock()
	delete(p.correlator.pending, p.correlationID)
	p.correlator.mutex.Unlock()
}

// Resolve delivers a response envelope to the caller waiting on its
// correlation ID and returns true. A response with no pending caller is
// discarded and logged; this indicates a slow device whose request already
// timed out, not corruption, so it returns false without error.
func (c *Correlator) Resolve(response Envelope) bool {
	c.mutex.Lock()
	ch, ok := c.pending[response.CorrelationID]
	if ok {
		delete(c.pending, response.CorrelationID)
	}
	c.mutex.Unlock()

	if !ok {
		logger.Default().WithField("correlationID", response.CorrelationID).
			Infoln("discarding late response from", response.DeviceID)
		return false
	}
	ch <- response
	return true
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}
