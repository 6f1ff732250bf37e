package mq

import (
	"testing"

	"github.com/coreward/mqbroker/internal/session"
)

// MockSessionStoreForRestore implements SessionStore interface for testing restoration
type MockSessionStoreForRestore struct {
	pendingPublishes map[uint16]*PersistedPublish
}

func (m *MockSessionStoreForRestore) SavePendingPublish(packetID uint16, pub *PersistedPublish) error {
	return nil
}
func (m *MockSessionStoreForRestore) DeletePendingPublish(packetID uint16) error { return nil }
func (m *MockSessionStoreForRestore) LoadPendingPublishes() (map[uint16]*PersistedPublish, error) {
	// Return copy to avoid races in test
	result := make(map[uint16]*PersistedPublish)
	for k, v := range m.pendingPublishes {
		result[k] = v
	}
	return result, nil
}
func (m *MockSessionStoreForRestore) ClearPendingPublishes() error { return nil }
func (m *MockSessionStoreForRestore) SaveSubscription(topic string, sub *SubscriptionInfo) error {
	return nil
}
func (m *MockSessionStoreForRestore) DeleteSubscription(topic string) error { return nil }
func (m *MockSessionStoreForRestore) LoadSubscriptions() (map[string]*SubscriptionInfo, error) {
	return nil, nil
}
func (m *MockSessionStoreForRestore) SaveReceivedQoS2(packetID uint16) error         { return nil }
func (m *MockSessionStoreForRestore) DeleteReceivedQoS2(packetID uint16) error       { return nil }
func (m *MockSessionStoreForRestore) LoadReceivedQoS2() (map[uint16]struct{}, error) { return nil, nil }
func (m *MockSessionStoreForRestore) ClearReceivedQoS2() error                       { return nil }
func (m *MockSessionStoreForRestore) Clear() error                                   { return nil }

func TestLoadSessionState_InFlightCount(t *testing.T) {
	// Create mock store with specific pending publishes
	store := &MockSessionStoreForRestore{
		pendingPublishes: map[uint16]*PersistedPublish{
			1: {Topic: "t1", QoS: 0, Payload: []byte("q0")},
			2: {Topic: "t2", QoS: 1, Payload: []byte("q1")},
			3: {Topic: "t3", QoS: 2, Payload: []byte("q2")},
			4: {Topic: "t4", QoS: 1, Payload: []byte("q1")},
		},
	}

	// Create client using defaultOptions to ensure proper initialization
	opts := defaultOptions("tcp://localhost:1883")
	opts.SessionStore = store

	c := &Client{
		opts:    opts,
		session: session.New(),
		tokens:  make(map[uint16]*token),
	}

	// Perform loading
	if err := c.loadSessionState(); err != nil {
		t.Fatalf("loadSessionState failed: %v", err)
	}

	// All four persisted publishes become outbound operations regardless of
	// QoS: the store only ever holds QoS 1/2 entries in production, but
	// loadSessionState doesn't filter by QoS on restore.
	expectedInFlight := 4
	if c.session.InFlight() != expectedInFlight {
		t.Errorf("InFlight() = %d, want %d", c.session.InFlight(), expectedInFlight)
	}

	if _, ok := c.session.Outbound[1]; !ok {
		t.Error("Packet ID 1 missing from outbound map")
	}

	if _, ok := c.tokens[1]; !ok {
		t.Error("Packet ID 1 missing a restored token")
	}
}
