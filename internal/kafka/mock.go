package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
)

// MockPublisher is a thread-safe mock implementation of Publisher for testing.
type MockPublisher struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
	failNext  bool
	failErr   error
	notify    chan struct{}
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{notify: make(chan struct{}, 1)}
}

// Publish captures the envelope for later inspection.
func (m *MockPublisher) Publish(_ context.Context, env *events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext {
		m.failNext = false
		if m.failErr != nil {
			return m.failErr
		}
		return fmt.Errorf("mock publish failure")
	}

	m.envelopes = append(m.envelopes, env)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close is a no-op for the mock.
func (m *MockPublisher) Close() error {
	return nil
}

// Envelopes returns all captured envelopes.
func (m *MockPublisher) Envelopes() []*events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*events.Envelope, len(m.envelopes))
	copy(result, m.envelopes)
	return result
}

// Published signals after a successful Publish. Signals coalesce.
func (m *MockPublisher) Published() <-chan struct{} {
	return m.notify
}

// SetFailNext makes the next Publish call return an error.
func (m *MockPublisher) SetFailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
	m.failErr = err
}

// Reset clears all captured envelopes and error state.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = nil
	m.failNext = false
	m.failErr = nil
}
