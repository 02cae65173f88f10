// Package node assembles a chat node from its configuration: identity, hub
// connections, direct peer links, the delivery engine and local storage.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"walletchat/anchor"
	"walletchat/codec"
	"walletchat/config"
	"walletchat/crypto"
	"walletchat/delivery"
	"walletchat/discovery"
	"walletchat/models"
	"walletchat/network"
	"walletchat/relay"
	"walletchat/signaling"
	"walletchat/storage"
)

const (
	defaultDiscoveryTimeout = 5 * time.Second
	defaultPruneInterval    = time.Hour
	pruneTimeout            = 30 * time.Second
)

// ErrNoHub is returned when no hub url is configured and none answered on
// the LAN.
var ErrNoHub = errors.New("node: no hub available")

// Options configures a Node.
type Options struct {
	Config *config.NodeConfig
	// DataDir holds the local database.
	DataDir string
	// Identity overrides the key files named by Config.
	Identity *crypto.Identity

	// PassiveDirect leaves direct link setup to the other side.
	PassiveDirect    bool
	DiscoveryTimeout time.Duration
	// PruneInterval is how often expired seen ids are dropped.
	PruneInterval time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger

	findHub func(ctx context.Context) (discovery.Hub, error)
}

func (o Options) withDefaults() (Options, error) {
	if o.Config == nil {
		return o, errors.New("node: config is required")
	}
	if o.DataDir == "" {
		return o, errors.New("node: data dir is required")
	}
	if err := o.Config.Validate(); err != nil {
		return o, err
	}
	if o.Identity == nil && (o.Config.Ed25519PrivateKeyPath == "" || o.Config.Ed25519PublicKeyPath == "") {
		return o, errors.New("node: key paths are required without an identity")
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = defaultPruneInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.findHub == nil {
		cfg := discovery.Config{ScanTimeout: o.DiscoveryTimeout, Logger: o.Logger}
		o.findHub = func(ctx context.Context) (discovery.Hub, error) {
			return discovery.FindHub(ctx, cfg)
		}
	}
	return o, nil
}

// endpoints are the three hub urls a node talks to.
type endpoints struct {
	http   string
	signal string
	relay  string
}

func endpointsFromURL(raw string) (endpoints, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return endpoints{}, fmt.Errorf("node: parse hub url: %w", err)
	}
	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return endpoints{}, fmt.Errorf("node: hub url %q must be http or https", raw)
	}
	base := ws.String()
	return endpoints{http: u.String(), signal: base + "/signal", relay: base + "/relay"}, nil
}

func endpointsFromHub(h discovery.Hub) endpoints {
	return endpoints{http: h.HTTPURL(), signal: h.SignalURL(), relay: h.RelayURL()}
}

// Node is one wallet's chat endpoint.
type Node struct {
	opts   Options
	cfg    *config.NodeConfig
	logger zerolog.Logger
	clock  clock.Clock
	hub    endpoints

	identity  crypto.Identity
	codec     *codec.Codec
	store     *storage.Store
	signaling *signaling.Client
	direct    *network.DirectTransport
	relay     *relay.Client
	engine    *delivery.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	stopErr   error
}

// New resolves the hub, opens local storage and wires every component. No
// connection is made until Start.
func New(ctx context.Context, options Options) (*Node, error) {
	opts, err := options.withDefaults()
	if err != nil {
		return nil, err
	}
	cfg := opts.Config
	logger := opts.Logger.With().Str("component", "node").Logger()

	hub, err := resolveHub(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	identity, err := loadIdentity(opts)
	if err != nil {
		return nil, err
	}
	store, dbPath, err := storage.OpenDir(opts.DataDir, storage.Options{Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("node: open database: %w", err)
	}
	logger.Debug().Str("path", dbPath).Msg("database opened")

	directory, err := loadDirectory(ctx, store, logger)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	c, err := codec.New(codec.Options{
		Identity:   identity,
		Directory:  directory,
		Clock:      opts.Clock,
		Sequences:  store,
		DefaultTTL: time.Duration(cfg.MessageTTLSeconds) * time.Second,
	})
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	nodeCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:     opts,
		cfg:      cfg,
		logger:   logger,
		clock:    opts.Clock,
		hub:      hub,
		identity: identity,
		codec:    c,
		store:    store,
		ctx:      nodeCtx,
		cancel:   cancel,
	}
	if err := n.assemble(); err != nil {
		cancel()
		return nil, multierr.Append(err, store.Close())
	}
	return n, nil
}

func loadIdentity(opts Options) (crypto.Identity, error) {
	if opts.Identity != nil {
		return *opts.Identity, nil
	}
	identity, err := crypto.LoadOrCreateIdentity(opts.Config.Ed25519PrivateKeyPath, opts.Config.Ed25519PublicKeyPath)
	if err != nil {
		return crypto.Identity{}, fmt.Errorf("node: load identity: %w", err)
	}
	return identity, nil
}

// loadDirectory fills a directory with every key this node has seen
// announced, so peers stay addressable while they are offline.
func loadDirectory(ctx context.Context, store *storage.Store, logger zerolog.Logger) (*codec.Directory, error) {
	keys, err := store.ListPeerKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("node: load peer keys: %w", err)
	}
	directory := codec.NewDirectory()
	for _, key := range keys {
		if err := directory.AddEncoded(key.Address, key.Ed25519PublicKey); err != nil {
			logger.Warn().Err(err).Str("peer", key.Address).Msg("skipping stored peer key")
		}
	}
	logger.Debug().Int("peers", directory.Len()).Msg("peer keys loaded")
	return directory, nil
}

func resolveHub(ctx context.Context, opts Options, logger zerolog.Logger) (endpoints, error) {
	if opts.Config.HubURL != "" {
		return endpointsFromURL(opts.Config.HubURL)
	}
	if !opts.Config.DiscoverHub {
		return endpoints{}, ErrNoHub
	}

	ctx, cancel := context.WithTimeout(ctx, opts.DiscoveryTimeout)
	defer cancel()
	hub, err := opts.findHub(ctx)
	if err != nil {
		return endpoints{}, fmt.Errorf("%w: %w", ErrNoHub, err)
	}
	logger.Info().Str("hub", hub.Name).Str("url", hub.HTTPURL()).Msg("hub found on LAN")
	return endpointsFromHub(hub), nil
}

func (n *Node) assemble() error {
	address := n.identity.Address
	info := models.PeerInfo{
		PeerID:        address,
		WalletAddress: address,
		PublicKey:     crypto.EncodePublicKey(n.identity.PublicKey),
	}

	var err error
	n.signaling, err = signaling.NewClient(signaling.ClientOptions{
		URL:    n.hub.signal,
		Room:   n.cfg.Room,
		PeerID: address,
		Info:   info,
		Logger: n.opts.Logger,
	})
	if err != nil {
		return err
	}
	n.direct, err = network.NewDirectTransport(network.DirectOptions{
		LocalID:    address,
		Signaler:   n.signaling,
		ICEServers: n.cfg.ICEServers,
		Logger:     n.opts.Logger,
	})
	if err != nil {
		return err
	}
	n.relay, err = relay.NewClient(relay.ClientOptions{
		URL:    n.hub.relay,
		PeerID: address,
		Logger: n.opts.Logger,
	})
	if err != nil {
		return err
	}
	offline, err := n.offlineStore()
	if err != nil {
		return err
	}

	n.engine, err = delivery.New(delivery.Options{
		Codec:        n.codec,
		Transports:   []delivery.Transport{n.direct, n.relay, delivery.NewGossip(n.direct)},
		Store:        offline,
		Seen:         n.store,
		Sink:         anchor.MultiSink{n.store, anchor.LogSink{Logger: n.logger}},
		BatchSize:    n.cfg.BatchSize,
		BatchTimeout: time.Duration(n.cfg.BatchTimeoutMillis) * time.Millisecond,
		MessageTTL:   n.messageTTL(),
		MaxRetries:   n.cfg.MaxRetries,
		RetryBase:    time.Duration(n.cfg.RetryBaseMillis) * time.Millisecond,
		RetryMax:     time.Duration(n.cfg.RetryMaxMillis) * time.Millisecond,
		Clock:        n.clock,
		Logger:       n.opts.Logger,
	})
	if err != nil {
		return err
	}
	n.direct.OnMessage(n.engine.Receiver(n.direct.Name()))
	n.relay.OnMessage(n.engine.Receiver(n.relay.Name()))
	return nil
}

func (n *Node) offlineStore() (storage.OfflineStore, error) {
	if n.cfg.OfflineStore == config.OfflineStoreLocal {
		return n.store, nil
	}
	return storage.NewRemoteStore(storage.RemoteOptions{BaseURL: n.hub.http})
}

func (n *Node) messageTTL() time.Duration {
	return time.Duration(n.cfg.MessageTTLSeconds) * time.Second
}

// Start connects to the hub and begins sending and receiving. It is
// idempotent.
func (n *Node) Start() error {
	n.startOnce.Do(func() {
		if err := n.engine.Start(); err != nil {
			n.startErr = err
			return
		}
		n.relay.Start()
		n.signaling.Start()

		n.wg.Add(2)
		go n.watchRoom()
		go n.pruneLoop()

		n.logger.Info().
			Str("address", n.identity.Address).
			Str("room", n.cfg.Room).
			Str("hub", n.hub.http).
			Msg("node started")
	})
	return n.startErr
}

// Stop closes every connection, flushes pending batches and closes the
// database. It is idempotent.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.cancel()

		var err error
		err = multierr.Append(err, n.engine.Stop())
		err = multierr.Append(err, n.relay.Close())
		err = multierr.Append(err, n.signaling.Close())
		err = multierr.Append(err, n.direct.Close())
		n.wg.Wait()
		err = multierr.Append(err, n.store.Close())

		n.stopErr = err
		n.logger.Info().Msg("node stopped")
	})
	return n.stopErr
}

// Address is the local wallet address.
func (n *Node) Address() string { return n.identity.Address }

// Fingerprint is the local key fingerprint.
func (n *Node) Fingerprint() string { return crypto.KeyFingerprint(n.identity.PublicKey) }

// HubURL is the http base of the hub in use.
func (n *Node) HubURL() string { return n.hub.http }

// Engine exposes the delivery engine for status queries and handlers.
func (n *Node) Engine() *delivery.Engine { return n.engine }

// Peers returns the other members of the signaling room.
func (n *Node) Peers() []models.PeerInfo { return n.signaling.Peers() }

// Connected reports whether both hub connections are up.
func (n *Node) Connected() bool { return n.signaling.Connected() && n.relay.Connected() }

// SendText sends a text message to recipient on threadID.
func (n *Node) SendText(ctx context.Context, threadID, recipient, text string) (string, error) {
	return n.engine.SendMessage(ctx, threadID, recipient, []byte(text), models.ContentText)
}

// PendingBatches lists anchoring batches not yet handed to a chain.
func (n *Node) PendingBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	return n.store.PendingBatches(ctx, limit)
}

// MarkAnchored records that a batch was submitted.
func (n *Node) MarkAnchored(ctx context.Context, batchID string) error {
	return n.store.MarkAnchored(ctx, batchID)
}
