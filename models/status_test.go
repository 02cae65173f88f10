package models

import (
	"testing"
	"time"
)

func TestDeliveryStatusAdvancesMonotonically(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRead, true},
		{StatusQueued, StatusDelivered, true},
		{StatusDelivered, StatusQueued, false},
		{StatusRead, StatusDelivered, false},
		{StatusQueued, StatusQueued, false},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusQueued, false},
		{StatusFailed, StatusDelivered, true},
		{StatusCancelled, StatusRead, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMessageExpiry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg := Message{Timestamp: now.UnixMilli(), TTL: 60}

	if msg.ExpiredAt(now.Add(60 * time.Second)) {
		t.Fatalf("message expired exactly at ttl boundary")
	}
	if !msg.ExpiredAt(now.Add(60*time.Second + time.Millisecond)) {
		t.Fatalf("message not expired after ttl")
	}
}

func TestHasAckMatchesTypeAndNode(t *testing.T) {
	msg := Message{Acks: []Ack{{Type: AckQueued, NodeID: "relay"}}}
	if !msg.HasAck(Ack{Type: AckQueued, NodeID: "relay", Timestamp: 99}) {
		t.Fatalf("expected duplicate ack to match")
	}
	if msg.HasAck(Ack{Type: AckDelivered, NodeID: "relay"}) {
		t.Fatalf("different ack type matched")
	}
}
