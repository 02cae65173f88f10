package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"walletchat/codec"
	"walletchat/crypto"
	"walletchat/models"
	"walletchat/network"
)

type relayEnv struct {
	server *Server
	base   string
	clock  *clock.Mock
	alice  *codec.Codec
	bob    *codec.Codec
}

func newRelayEnv(t *testing.T, queue Queue) relayEnv {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))

	server, err := NewServer(ServerOptions{Queue: queue, Clock: mock})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", server.HandleWebSocket)
	mux.HandleFunc("/health", server.HandleHealth)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
	})

	aliceID, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bobID, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	dir := codec.NewDirectory()
	dir.Add(aliceID.PublicKey)
	dir.Add(bobID.PublicKey)

	alice, err := codec.New(codec.Options{Identity: aliceID, Directory: dir, Clock: mock})
	require.NoError(t, err)
	bob, err := codec.New(codec.Options{Identity: bobID, Directory: dir, Clock: mock})
	require.NoError(t, err)

	return relayEnv{
		server: server,
		base:   "ws" + strings.TrimPrefix(httpServer.URL, "http"),
		clock:  mock,
		alice:  alice,
		bob:    bob,
	}
}

// connect dials the relay as peerID and consumes the welcome frame.
func (e relayEnv) connect(t *testing.T, peerID string) *network.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := network.Dial(ctx, e.base+"/relay?peerId="+peerID, network.ConnOptions{PeerID: "relay"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	payload, err := conn.Receive(ctx)
	require.NoError(t, err)
	welcome, err := network.Decode[network.Welcome](payload)
	require.NoError(t, err)
	require.Equal(t, network.TypeWelcome, welcome.Type)
	require.Equal(t, peerID, welcome.PeerID)
	return conn
}

func receiveType[T any](t *testing.T, conn *network.Conn, msgType string) T {
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

// requireSilent fails if conn receives an envelope of msgType within wait.
func requireSilent(t *testing.T, conn *network.Conn, msgType string, wait time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	for {
		payload, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		got, _ := network.DecodeMessageType(payload)
		require.NotEqual(t, msgType, got, "unexpected %s: %s", msgType, payload)
	}
}

func (e relayEnv) waitQueued(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		total, err := e.server.Queued(context.Background())
		return err == nil && total == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOfflineRecipientReceivesQueuedMessageOnce(t *testing.T) {
	env := newRelayEnv(t, nil)

	alice := env.connect(t, env.alice.Address())
	msg, err := env.alice.Build("t1", env.bob.Address(), []byte("hi"), models.ContentText, 0)
	require.NoError(t, err)
	require.NoError(t, alice.Send(network.NewRelayMessage(msg)))

	queued := receiveType[network.AckMessage](t, alice, network.TypeAck)
	require.Equal(t, msg.ID, queued.MessageID)
	require.Equal(t, models.AckQueued, queued.Ack.Type)
	require.Equal(t, env.server.NodeID(), queued.Ack.NodeID)
	require.NoError(t, codec.VerifyAck(queued.Ack))
	env.waitQueued(t, 1)

	bob := env.connect(t, env.bob.Address())
	got := receiveType[network.RelayMessage](t, bob, network.TypeMessage)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, env.alice.Address(), got.FromPeer)
	require.NotZero(t, got.RelayedAt)
	require.NoError(t, env.bob.Check(got.Message))

	plaintext, err := env.bob.Open(got.Message)
	require.NoError(t, err)
	require.Equal(t, "hi", string(plaintext))

	requireSilent(t, bob, network.TypeMessage, 200*time.Millisecond)
	env.waitQueued(t, 0)
}

func TestQueueFlushesInFIFOOrder(t *testing.T) {
	env := newRelayEnv(t, nil)

	alice := env.connect(t, env.alice.Address())
	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := env.alice.Build("t1", env.bob.Address(), []byte{'a' + byte(i)}, models.ContentText, 0)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		require.NoError(t, alice.Send(network.NewRelayMessage(msg)))
	}
	env.waitQueued(t, 5)

	bob := env.connect(t, env.bob.Address())
	for i, id := range ids {
		got := receiveType[network.RelayMessage](t, bob, network.TypeMessage)
		require.Equal(t, id, got.ID, "position %d", i)
		require.Equal(t, uint64(i+1), got.Sequence)
	}
}

func TestOnlineRecipientGetsImmediateDelivery(t *testing.T) {
	env := newRelayEnv(t, nil)

	alice := env.connect(t, env.alice.Address())
	bob := env.connect(t, env.bob.Address())

	msg, err := env.alice.Build("t1", env.bob.Address(), []byte("now"), models.ContentText, 0)
	require.NoError(t, err)
	require.NoError(t, alice.Send(network.NewRelayMessage(msg)))

	got := receiveType[network.RelayMessage](t, bob, network.TypeMessage)
	require.Equal(t, msg.ID, got.ID)
	env.waitQueued(t, 0)
}

func TestDuplicateMessageRelayedOnce(t *testing.T) {
	env := newRelayEnv(t, nil)

	alice := env.connect(t, env.alice.Address())
	msg, err := env.alice.Build("t1", env.bob.Address(), []byte("once"), models.ContentText, 0)
	require.NoError(t, err)
	require.NoError(t, alice.Send(network.NewRelayMessage(msg)))
	require.NoError(t, alice.Send(network.NewRelayMessage(msg)))

	// Both copies are acked so the sender stops retrying.
	receiveType[network.AckMessage](t, alice, network.TypeAck)
	receiveType[network.AckMessage](t, alice, network.TypeAck)
	env.waitQueued(t, 1)

	bob := env.connect(t, env.bob.Address())
	receiveType[network.RelayMessage](t, bob, network.TypeMessage)
	requireSilent(t, bob, network.TypeMessage, 200*time.Millisecond)
}

func TestRejectsTamperedAndExpiredMessages(t *testing.T) {
	env := newRelayEnv(t, nil)
	alice := env.connect(t, env.alice.Address())

	tampered, err := env.alice.Build("t1", env.bob.Address(), []byte("x"), models.ContentText, 0)
	require.NoError(t, err)
	tampered.Sequence = 99
	require.NoError(t, alice.Send(network.NewRelayMessage(tampered)))

	expired, err := env.alice.Build("t1", env.bob.Address(), []byte("y"), models.ContentText, time.Minute)
	require.NoError(t, err)
	env.clock.Add(2 * time.Minute)
	require.NoError(t, alice.Send(network.NewRelayMessage(expired)))

	requireSilent(t, alice, network.TypeAck, 200*time.Millisecond)
	total, err := env.server.Queued(context.Background())
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestExpiredEntriesDroppedAtFlush(t *testing.T) {
	env := newRelayEnv(t, nil)
	alice := env.connect(t, env.alice.Address())

	short, err := env.alice.Build("t1", env.bob.Address(), []byte("soon gone"), models.ContentText, time.Minute)
	require.NoError(t, err)
	long, err := env.alice.Build("t1", env.bob.Address(), []byte("stays"), models.ContentText, time.Hour)
	require.NoError(t, err)
	require.NoError(t, alice.Send(network.NewRelayMessage(short)))
	require.NoError(t, alice.Send(network.NewRelayMessage(long)))
	env.waitQueued(t, 2)

	env.clock.Add(5 * time.Minute)
	bob := env.connect(t, env.bob.Address())
	got := receiveType[network.RelayMessage](t, bob, network.TypeMessage)
	require.Equal(t, long.ID, got.ID)
	requireSilent(t, bob, network.TypeMessage, 200*time.Millisecond)
}

func TestAckRoutedToOfflineSender(t *testing.T) {
	env := newRelayEnv(t, nil)
	bob := env.connect(t, env.bob.Address())

	delivered, err := env.bob.SignAck("m1", models.AckDelivered)
	require.NoError(t, err)
	require.NoError(t, bob.Send(network.NewAckMessage(env.alice.Address(), delivered)))

	forged := delivered
	forged.Type = models.AckRead
	require.NoError(t, bob.Send(network.NewAckMessage(env.alice.Address(), forged)))
	env.waitQueued(t, 1)

	alice := env.connect(t, env.alice.Address())
	got := receiveType[network.AckMessage](t, alice, network.TypeAck)
	require.Equal(t, "m1", got.MessageID)
	require.Equal(t, models.AckDelivered, got.Ack.Type)
	require.NoError(t, codec.VerifyAck(got.Ack))
	requireSilent(t, alice, network.TypeAck, 200*time.Millisecond)
}

func TestStoredPointerRouted(t *testing.T) {
	env := newRelayEnv(t, nil)
	alice := env.connect(t, env.alice.Address())

	require.NoError(t, alice.Send(network.StoredMessage{
		Type:      network.TypeStored,
		MessageID: "m1",
		ContentID: "b3-abc",
		Recipient: env.bob.Address(),
		Sender:    env.alice.Address(),
	}))
	env.waitQueued(t, 1)

	bob := env.connect(t, env.bob.Address())
	got := receiveType[network.StoredMessage](t, bob, network.TypeStored)
	require.Equal(t, "b3-abc", got.ContentID)
	require.Equal(t, "m1", got.MessageID)
}

func TestHealthEndpoint(t *testing.T) {
	env := newRelayEnv(t, nil)
	alice := env.connect(t, env.alice.Address())

	msg, err := env.alice.Build("t1", env.bob.Address(), []byte("hi"), models.ContentText, 0)
	require.NoError(t, err)
	require.NoError(t, alice.Send(network.NewRelayMessage(msg)))
	env.waitQueued(t, 1)
	env.clock.Add(90 * time.Second)

	resp, err := http.Get("http" + strings.TrimPrefix(env.base, "ws") + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, 1, health.Peers)
	require.Equal(t, 1, health.Queued)
	require.Equal(t, int64(90), health.Uptime)
}

func TestMissingPeerIDRejected(t *testing.T) {
	env := newRelayEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := network.Dial(ctx, env.base+"/relay", network.ConnOptions{})
	require.NoError(t, err)

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatalf("connection was not closed")
	}
	require.Error(t, conn.LastError())
}
