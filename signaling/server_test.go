package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"walletchat/models"
	"walletchat/network"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	return newTestServerWith(t, ServerOptions{})
}

func newTestServerWith(t *testing.T, opts ServerOptions) (*Server, string) {
	t.Helper()

	server := NewServer(opts)
	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
	})
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dialRoom(t *testing.T, base, room, peerID string) *network.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := network.Dial(ctx, base+"/signal?room="+room+"&peerId="+peerID, network.ConnOptions{PeerID: "hub"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// nextOfType reads envelopes until one of msgType arrives.
func nextOfType[T any](t *testing.T, conn *network.Conn, msgType string) T {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		payload, err := conn.Receive(ctx)
		require.NoError(t, err, "waiting for %s", msgType)
		got, err := network.DecodeMessageType(payload)
		require.NoError(t, err)
		if got != msgType {
			continue
		}
		out, err := network.Decode[T](payload)
		require.NoError(t, err)
		return out
	}
}

func TestJoinAnnounceAndDiscover(t *testing.T) {
	server, base := newTestServer(t)

	a := dialRoom(t, base, "r1", "a")
	initial := nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	require.Empty(t, initial.Peers)

	require.NoError(t, a.Send(network.Announce{
		Type:          network.TypeAnnounce,
		WalletAddress: "0xaaaa",
		Multiaddrs:    []string{"/ip4/127.0.0.1/tcp/4001"},
	}))
	announced := nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	require.Len(t, announced.Peers, 1)
	require.Equal(t, "0xaaaa", announced.Peers[0].WalletAddress)

	b := dialRoom(t, base, "r1", "b")
	list := nextOfType[network.PeersUpdated](t, b, network.TypePeersUpdated)
	require.Len(t, list.Peers, 1)
	require.Equal(t, "a", list.Peers[0].PeerID)
	require.Equal(t, "0xaaaa", list.Peers[0].WalletAddress)

	discovered := nextOfType[network.PeerDiscovered](t, a, network.TypePeerDiscovered)
	require.Equal(t, "b", discovered.Peer.PeerID)

	require.Equal(t, 1, server.Rooms())
	require.Eventually(t, func() bool { return server.Peers() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestAnnounceBroadcastsFullList(t *testing.T) {
	_, base := newTestServer(t)

	a := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	b := dialRoom(t, base, "r1", "b")
	nextOfType[network.PeersUpdated](t, b, network.TypePeersUpdated)
	nextOfType[network.PeerDiscovered](t, a, network.TypePeerDiscovered)

	require.NoError(t, b.Send(network.Announce{Type: network.TypeAnnounce, WalletAddress: "0xbbbb", PublicKey: "key-b"}))

	for _, conn := range []*network.Conn{a, b} {
		update := nextOfType[network.PeersUpdated](t, conn, network.TypePeersUpdated)
		require.Len(t, update.Peers, 2)
		require.Equal(t, "b", update.Peers[1].PeerID)
		require.Equal(t, "0xbbbb", update.Peers[1].WalletAddress)
		require.Equal(t, "key-b", update.Peers[1].PublicKey)
	}
}

func TestSignalForwardedToTarget(t *testing.T) {
	_, base := newTestServer(t)

	a := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	b := dialRoom(t, base, "r1", "b")
	nextOfType[network.PeersUpdated](t, b, network.TypePeersUpdated)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, a.Send(network.Signal{Type: network.TypeOffer, TargetPeerID: "b", Payload: payload}))

	got := nextOfType[network.Signal](t, b, network.TypeOffer)
	require.Equal(t, "a", got.FromPeerID)
	require.JSONEq(t, string(payload), string(got.Payload))

	require.NoError(t, a.Send(network.Signal{Type: network.TypeAnswer, TargetPeerID: "nobody", Payload: payload}))
	errMsg := nextOfType[network.ErrorMessage](t, a, network.TypeError)
	require.Equal(t, network.ErrorCodeUnknownPeer, errMsg.Code)
}

func TestRoomsAreIsolated(t *testing.T) {
	_, base := newTestServer(t)

	a := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	other := dialRoom(t, base, "r2", "x")
	list := nextOfType[network.PeersUpdated](t, other, network.TypePeersUpdated)
	require.Empty(t, list.Peers)

	require.NoError(t, other.Send(network.Signal{Type: network.TypeOffer, TargetPeerID: "a", Payload: json.RawMessage(`{}`)}))
	errMsg := nextOfType[network.ErrorMessage](t, other, network.TypeError)
	require.Equal(t, network.ErrorCodeUnknownPeer, errMsg.Code)
}

func TestPeerLeftAndRoomDeleted(t *testing.T) {
	server, base := newTestServer(t)

	a := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	b := dialRoom(t, base, "r1", "b")
	nextOfType[network.PeersUpdated](t, b, network.TypePeersUpdated)

	require.NoError(t, b.Close())
	left := nextOfType[network.PeerLeft](t, a, network.TypePeerLeft)
	require.Equal(t, "b", left.PeerID)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return server.Rooms() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Nil(t, server.RoomPeers("r1"))
}

func TestMissingParamsClosesWithCode(t *testing.T) {
	_, base := newTestServer(t)

	for _, query := range []string{"?peerId=a", "?room=r1", ""} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := network.Dial(ctx, base+"/signal"+query, network.ConnOptions{})
		require.NoError(t, err)

		select {
		case <-conn.Done():
		case <-ctx.Done():
			t.Fatalf("connection %q was not closed", query)
		}
		cancel()

		var closeErr *websocket.CloseError
		require.True(t, errors.As(conn.LastError(), &closeErr), "query %q: %v", query, conn.LastError())
		require.Equal(t, network.CloseMissingParams, closeErr.Code)
	}
}

func TestDuplicatePeerReplacesOldConnection(t *testing.T) {
	server, base := newTestServer(t)

	first := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, first, network.TypePeersUpdated)
	second := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, second, network.TypePeersUpdated)

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("replaced connection was not closed")
	}
	var closeErr *websocket.CloseError
	require.True(t, errors.As(first.LastError(), &closeErr))
	require.Equal(t, network.CloseReplaced, closeErr.Code)

	require.True(t, second.IsOpen())
	require.Eventually(t, func() bool {
		peers := server.RoomPeers("r1")
		return len(peers) == 1 && peers[0].PeerID == "a"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMalformedEnvelopeKeepsConnection(t *testing.T) {
	_, base := newTestServer(t)

	a := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	require.NoError(t, a.SendRaw([]byte(`{not json`)))
	require.NoError(t, a.SendRaw([]byte(`{"type":"offer","payload":{}}`)))

	require.NoError(t, a.Send(network.Announce{Type: network.TypeAnnounce, WalletAddress: "0xaaaa"}))
	update := nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	require.Len(t, update.Peers, 1)
	require.Equal(t, models.PeerInfo{PeerID: "a", WalletAddress: "0xaaaa", LastSeen: update.Peers[0].LastSeen}, update.Peers[0])
}

func TestMemberLastSeenFollowsServerClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	_, base := newTestServerWith(t, ServerOptions{Clock: mock})

	a := dialRoom(t, base, "r1", "a")
	nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)

	require.NoError(t, a.Send(network.Announce{Type: network.TypeAnnounce, WalletAddress: "0xaaaa"}))
	first := nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	require.Len(t, first.Peers, 1)
	require.Equal(t, int64(1_700_000_000_000), first.Peers[0].LastSeen)

	mock.Add(time.Minute)
	require.NoError(t, a.Send(network.Announce{Type: network.TypeAnnounce, WalletAddress: "0xaaaa"}))
	second := nextOfType[network.PeersUpdated](t, a, network.TypePeersUpdated)
	require.Len(t, second.Peers, 1)
	require.Equal(t, int64(1_700_000_060_000), second.Peers[0].LastSeen)
}
