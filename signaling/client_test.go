package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"walletchat/models"
	"walletchat/network"
)

func newTestClient(t *testing.T, base, peerID string, info models.PeerInfo) *Client {
	t.Helper()

	client, err := NewClient(ClientOptions{
		URL:            base + "/signal",
		Room:           "r1",
		PeerID:         peerID,
		Info:           info,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	require.NoError(t, err)
	client.Start()
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForEvent(t *testing.T, client *Client, match func(Event) bool) Event {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-client.Events():
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func TestNewClientValidatesOptions(t *testing.T) {
	_, err := NewClient(ClientOptions{URL: "ws://localhost/signal", Room: "r1"})
	require.Error(t, err)
}

func TestClientDiscoversAnnouncedPeer(t *testing.T) {
	_, base := newTestServer(t)

	alice := newTestClient(t, base, "a", models.PeerInfo{WalletAddress: "0xaaaa", PublicKey: "key-a"})
	waitForEvent(t, alice, func(ev Event) bool { return ev.Type == EventConnected })

	bob := newTestClient(t, base, "b", models.PeerInfo{WalletAddress: "0xbbbb", PublicKey: "key-b"})
	ev := waitForEvent(t, bob, func(ev Event) bool {
		if ev.Type != EventPeersUpdated {
			return false
		}
		for _, p := range ev.Peers {
			if p.PeerID == "a" && p.WalletAddress == "0xaaaa" {
				return true
			}
		}
		return false
	})
	require.Equal(t, "key-a", ev.Peers[0].PublicKey)

	waitForEvent(t, alice, func(ev Event) bool {
		return ev.Type == EventPeerDiscovered && ev.Peer.PeerID == "b"
	})
	require.Eventually(t, func() bool {
		for _, p := range alice.Peers() {
			if p.PeerID == "b" && p.WalletAddress == "0xbbbb" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientSendSignal(t *testing.T) {
	_, base := newTestServer(t)

	alice := newTestClient(t, base, "a", models.PeerInfo{})
	waitForEvent(t, alice, func(ev Event) bool { return ev.Type == EventConnected })
	bob := newTestClient(t, base, "b", models.PeerInfo{})
	waitForEvent(t, bob, func(ev Event) bool { return ev.Type == EventConnected })
	waitForEvent(t, alice, func(ev Event) bool { return ev.Type == EventPeerDiscovered })

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, alice.SendSignal(context.Background(), "b", network.TypeOffer, payload))

	ev := waitForEvent(t, bob, func(ev Event) bool { return ev.Type == EventSignal })
	require.Equal(t, "a", ev.PeerID)
	require.Equal(t, network.TypeOffer, ev.Signal.Type)
	require.JSONEq(t, string(payload), string(ev.Signal.Payload))
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	server, base := newTestServer(t)

	alice := newTestClient(t, base, "a", models.PeerInfo{WalletAddress: "0xaaaa"})
	waitForEvent(t, alice, func(ev Event) bool { return ev.Type == EventConnected })

	// A second connection with the same peer id evicts the client's socket.
	intruder := dialRoom(t, base, "r1", "a")
	_ = intruder.Close()

	waitForEvent(t, alice, func(ev Event) bool { return ev.Type == EventDisconnected })
	waitForEvent(t, alice, func(ev Event) bool { return ev.Type == EventConnected })
	require.Eventually(t, func() bool {
		peers := server.RoomPeers("r1")
		return len(peers) == 1 && peers[0].WalletAddress == "0xaaaa"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClientSendWithoutConnection(t *testing.T) {
	client, err := NewClient(ClientOptions{URL: "ws://127.0.0.1:1/signal", Room: "r1", PeerID: "a"})
	require.NoError(t, err)
	defer client.Close()

	require.ErrorIs(t, client.SendSignal(context.Background(), "b", network.TypeOffer, nil), ErrNotConnected)
	require.ErrorIs(t, client.Announce(context.Background(), models.PeerInfo{}), ErrNotConnected)
}
