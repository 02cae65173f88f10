package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"walletchat/config"
	"walletchat/crypto"
	"walletchat/delivery"
	"walletchat/discovery"
	"walletchat/hub"
	"walletchat/models"
)

type testHub struct {
	hub *hub.Hub
	url string
}

func newTestHub(t *testing.T) testHub {
	t.Helper()

	h, err := hub.New(context.Background(), &config.HubConfig{
		Listen:        "127.0.0.1:0",
		Env:           config.EnvDevelopment,
		HubName:       "test hub",
		QueueCapacity: 64,
		BlobDir:       t.TempDir(),
		KeepAlive:     time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	addr, err := h.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return testHub{hub: h, url: "http://" + addr.String()}
}

func testConfig(hubURL string) *config.NodeConfig {
	return &config.NodeConfig{
		HubURL:             hubURL,
		Room:               "r1",
		OfflineStore:       config.OfflineStoreHub,
		MaxRetries:         3,
		RetryBaseMillis:    10_000,
		RetryMaxMillis:     20_000,
		BatchSize:          1,
		BatchTimeoutMillis: 1_000,
		MessageTTLSeconds:  3_600,
	}
}

func newTestNode(t *testing.T, hubURL string, identity crypto.Identity, dataDir string) *Node {
	t.Helper()

	n, err := New(context.Background(), Options{
		Config:        testConfig(hubURL),
		DataDir:       dataDir,
		Identity:      &identity,
		PassiveDirect: true,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func newIdentity(t *testing.T) crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func knows(n *Node, address string) func() bool {
	return func() bool {
		_, ok := n.codec.Directory().Lookup(address)
		return ok
	}
}

func waitStatus(t *testing.T, n *Node, messageID string, want models.DeliveryStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, ok := n.Engine().GetMessageStatus(messageID)
		return ok && status == want
	}, 10*time.Second, 20*time.Millisecond, "message %s never reached %s", messageID, want)
}

func TestNodesExchangeMessagesThroughHub(t *testing.T) {
	h := newTestHub(t)
	alice := newTestNode(t, h.url, newIdentity(t), t.TempDir())
	bob := newTestNode(t, h.url, newIdentity(t), t.TempDir())

	require.Eventually(t, knows(alice, bob.Address()), 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return alice.Connected() && bob.Connected() }, 10*time.Second, 20*time.Millisecond)

	inbox := make(chan delivery.Received, 1)
	bob.Engine().SetDefaultHandler(func(r delivery.Received) { inbox <- r })

	id, err := alice.SendText(context.Background(), "t1", bob.Address(), "hi")
	require.NoError(t, err)

	select {
	case got := <-inbox:
		require.Equal(t, "hi", string(got.Content))
		require.Equal(t, alice.Address(), got.Message.Sender)
		require.Equal(t, "relay", got.Via)
	case <-time.After(10 * time.Second):
		t.Fatal("bob never received the message")
	}
	waitStatus(t, alice, id, models.StatusDelivered)

	require.NoError(t, bob.Engine().MarkAsRead(id))
	waitStatus(t, alice, id, models.StatusRead)

	require.Eventually(t, func() bool {
		batches, err := alice.PendingBatches(context.Background(), 10)
		return err == nil && len(batches) == 1
	}, 5*time.Second, 20*time.Millisecond)
	batches, err := alice.PendingBatches(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, alice.MarkAnchored(context.Background(), batches[0].BatchID))
	batches, err = alice.PendingBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestMessageForOfflineRecipientArrivesAfterReconnect(t *testing.T) {
	h := newTestHub(t)
	bobID := newIdentity(t)
	bobDir := t.TempDir()

	alice := newTestNode(t, h.url, newIdentity(t), t.TempDir())
	bob := newTestNode(t, h.url, bobID, bobDir)
	require.Eventually(t, knows(alice, bob.Address()), 10*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.Stop())
	require.Eventually(t, func() bool { return h.hub.Relay.Peers() == 1 }, 5*time.Second, 20*time.Millisecond)

	id, err := alice.SendText(context.Background(), "t1", bobID.Address, "while you were out")
	require.NoError(t, err)
	waitStatus(t, alice, id, models.StatusQueued)

	inbox := make(chan delivery.Received, 1)
	n, err := New(context.Background(), Options{
		Config:        testConfig(h.url),
		DataDir:       bobDir,
		Identity:      &bobID,
		PassiveDirect: true,
	})
	require.NoError(t, err)
	n.Engine().SetDefaultHandler(func(r delivery.Received) { inbox <- r })
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })

	select {
	case got := <-inbox:
		require.Equal(t, "while you were out", string(got.Content))
	case <-time.After(10 * time.Second):
		t.Fatal("queued message was not flushed on reconnect")
	}
	waitStatus(t, alice, id, models.StatusDelivered)
}

func TestNewResolvesHub(t *testing.T) {
	cfg := testConfig("")
	cfg.DiscoverHub = false
	identity := newIdentity(t)
	_, err := New(context.Background(), Options{Config: cfg, DataDir: t.TempDir(), Identity: &identity})
	require.ErrorIs(t, err, ErrNoHub)

	cfg.DiscoverHub = true
	_, err = New(context.Background(), Options{
		Config:   cfg,
		DataDir:  t.TempDir(),
		Identity: &identity,
		findHub: func(context.Context) (discovery.Hub, error) {
			return discovery.Hub{}, discovery.ErrNoHub
		},
	})
	require.ErrorIs(t, err, ErrNoHub)
	require.ErrorIs(t, err, discovery.ErrNoHub)

	n, err := New(context.Background(), Options{
		Config:   cfg,
		DataDir:  t.TempDir(),
		Identity: &identity,
		findHub: func(context.Context) (discovery.Hub, error) {
			return discovery.Hub{
				Name:       "lan hub",
				Port:       8080,
				Addresses:  []string{"192.168.1.4"},
				SignalPath: "/signal",
				RelayPath:  "/relay",
			}, nil
		},
	})
	require.NoError(t, err)
	defer n.Stop()
	require.Equal(t, "http://192.168.1.4:8080", n.HubURL())
	require.Equal(t, "ws://192.168.1.4:8080/relay", n.hub.relay)
	require.Equal(t, identity.Address, n.Address())
}

func TestEndpointsFromURL(t *testing.T) {
	ep, err := endpointsFromURL("https://hub.example.com:8443/")
	require.NoError(t, err)
	require.Equal(t, "https://hub.example.com:8443", ep.http)
	require.Equal(t, "wss://hub.example.com:8443/signal", ep.signal)
	require.Equal(t, "wss://hub.example.com:8443/relay", ep.relay)

	_, err = endpointsFromURL("ftp://hub")
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Options{DataDir: t.TempDir()})
	require.Error(t, err)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.OfflineStore = ""
	_, err = New(context.Background(), Options{Config: cfg, DataDir: t.TempDir()})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoHub))

	// No identity and nowhere to keep one.
	cfg = testConfig("")
	cfg.DiscoverHub = false
	_, err = New(context.Background(), Options{Config: cfg, DataDir: t.TempDir()})
	require.ErrorContains(t, err, "key paths are required")
	require.False(t, errors.Is(err, ErrNoHub))
}

func TestRestartedSenderReachesOfflinePeer(t *testing.T) {
	h := newTestHub(t)
	aliceID, aliceDir := newIdentity(t), t.TempDir()
	bobID := newIdentity(t)

	alice := newTestNode(t, h.url, aliceID, aliceDir)
	bob := newTestNode(t, h.url, bobID, t.TempDir())
	require.Eventually(t, knows(alice, bobID.Address), 10*time.Second, 20*time.Millisecond)

	firstID, err := alice.SendText(context.Background(), "t1", bobID.Address, "one")
	require.NoError(t, err)
	waitStatus(t, alice, firstID, models.StatusDelivered)
	first, ok := alice.Engine().Message(firstID)
	require.True(t, ok)

	require.NoError(t, bob.Stop())
	require.NoError(t, alice.Stop())
	require.Eventually(t, func() bool { return h.hub.Relay.Peers() == 0 }, 5*time.Second, 20*time.Millisecond)

	restarted := newTestNode(t, h.url, aliceID, aliceDir)
	require.True(t, knows(restarted, bobID.Address)(), "peer key was not restored from disk")

	secondID, err := restarted.SendText(context.Background(), "t1", bobID.Address, "two")
	require.NoError(t, err)
	waitStatus(t, restarted, secondID, models.StatusQueued)
	second, ok := restarted.Engine().Message(secondID)
	require.True(t, ok)
	require.Greater(t, second.Sequence, first.Sequence)
}

func TestLocalOfflineStoreAndIdentityFromKeyFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.EnsureDataDirectories(dir))
	cfg := testConfig("http://127.0.0.1:1")
	cfg.OfflineStore = config.OfflineStoreLocal
	cfg.Ed25519PrivateKeyPath = dir + "/keys/ed25519_private.pem"
	cfg.Ed25519PublicKeyPath = dir + "/keys/ed25519_public.pem"

	first, err := New(context.Background(), Options{Config: cfg, DataDir: dir})
	require.NoError(t, err)
	address := first.Address()
	require.NoError(t, first.Stop())

	second, err := New(context.Background(), Options{Config: cfg, DataDir: dir})
	require.NoError(t, err)
	defer second.Stop()
	require.Equal(t, address, second.Address())
	require.Equal(t, crypto.KeyFingerprint(second.identity.PublicKey), second.Fingerprint())
}
