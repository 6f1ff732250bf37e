package packets

import (
	"strings"
	"testing"
)

// TestMaxPacketSizeEnforcement verifies that the maxPacketSize parameter to
// Decode is enforced against the full frame size (header + remaining length).
func TestMaxPacketSizeEnforcement(t *testing.T) {
	tests := []struct {
		name          string
		maxPacketSize int
		packetSize    int
		wantError     bool
	}{
		{"default limit (0) allows large packets", 0, 1024 * 1024, false},
		{"packet within custom limit", 2048, 1024, false},
		{"packet exceeds custom limit", 1024, 2048, true},
		{"small packet well within limit", 2048, 512, false},
		{"negative limit uses spec maximum", -1, 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(strings.Repeat("x", tt.packetSize))
			pkt := &PublishPacket{Topic: "test/topic", Payload: payload}
			encoded := encodeToBytes(pkt)

			_, _, err := Decode(encoded, tt.maxPacketSize)
			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantError {
				if _, ok := err.(*PayloadSizeLimitExceededError); !ok {
					t.Errorf("error = %T, want *PayloadSizeLimitExceededError", err)
				}
			}
		})
	}
}

func TestMaxPacketSizeSpecMaximum(t *testing.T) {
	payload := make([]byte, 10*1024*1024) // 10MB payload
	pkt := &PublishPacket{Topic: "test/topic", Payload: payload}
	encoded := encodeToBytes(pkt)

	if _, _, err := Decode(encoded, 1024*1024); err == nil {
		t.Error("expected error for packet exceeding 1MB limit, got nil")
	}

	if _, _, err := Decode(encoded, 0); err != nil {
		t.Errorf("unexpected error with default limit: %v", err)
	}
}
