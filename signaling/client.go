package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"walletchat/models"
	"walletchat/network"
)

// ErrNotConnected is returned when the client has no live hub connection.
var ErrNotConnected = errors.New("signaling: not connected")

// EventType names a room change reported by Client.
type EventType string

const (
	EventPeerDiscovered EventType = "peer-discovered"
	EventPeersUpdated   EventType = "peers-updated"
	EventPeerLeft       EventType = "peer-left"
	EventSignal         EventType = "signal"
	EventError          EventType = "error"
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
)

// Event is one notification from the signaling room.
type Event struct {
	Type   EventType
	Peer   models.PeerInfo
	Peers  []models.PeerInfo
	PeerID string
	Signal network.Signal
	Err    network.ErrorMessage
}

// ClientOptions configures a signaling Client.
type ClientOptions struct {
	// URL is the hub signaling endpoint, e.g. ws://host:8080/signal.
	URL    string
	Room   string
	PeerID string
	// Info is announced on every (re)connect.
	Info models.PeerInfo

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	EventBuffer    int
	Logger         zerolog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 128
	}
	return o
}

// Client keeps one connection to a signaling room, redialing with
// exponential backoff after it drops.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger
	events chan Event

	mu    sync.RWMutex
	conn  *network.Conn
	info  models.PeerInfo
	peers map[string]models.PeerInfo

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient validates options and returns an idle client.
func NewClient(options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if opts.URL == "" || opts.Room == "" || opts.PeerID == "" {
		return nil, errors.New("signaling: url, room and peer id are required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("signaling: parse url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	info := opts.Info
	info.PeerID = opts.PeerID
	return &Client{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "signaling-client").Str("room", opts.Room).Logger(),
		events: make(chan Event, opts.EventBuffer),
		info:   info,
		peers:  make(map[string]models.PeerInfo),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Events delivers room notifications. It is closed after Close.
func (c *Client) Events() <-chan Event { return c.events }

// Start launches the connect loop. It is idempotent.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Connected reports whether a hub connection is currently open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsOpen()
}

// Peers returns the last known room members other than this client.
func (c *Client) Peers() []models.PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Announce publishes info to the room and remembers it for reconnects.
func (c *Client) Announce(ctx context.Context, info models.PeerInfo) error {
	info.PeerID = c.opts.PeerID
	c.mu.Lock()
	c.info = info
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return conn.Send(announceFor(info))
}

// SendSignal forwards an offer, answer or ICE candidate to target.
func (c *Client) SendSignal(ctx context.Context, target, signalType string, payload json.RawMessage) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return conn.Send(network.Signal{Type: signalType, TargetPeerID: target, Payload: payload})
}

// Close stops reconnecting and closes the current connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	policy.MaxInterval = c.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	for {
		conn, err := c.dial()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == network.CloseMissingParams {
				c.logger.Error().Err(err).Msg("hub rejected connection parameters")
				return
			}
			wait := policy.NextBackOff()
			c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("signaling dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		policy.Reset()
		err = c.serve(conn)

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == network.CloseMissingParams {
			c.logger.Error().Err(err).Msg("hub rejected connection parameters")
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info().Err(err).Msg("signaling connection lost, reconnecting")
	}
}

func (c *Client) dial() (*network.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", c.opts.Room)
	q.Set("peerId", c.opts.PeerID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(c.ctx, network.DefaultConnectionTimeout)
	defer cancel()
	return network.Dial(ctx, u.String(), network.ConnOptions{PeerID: "hub", AutoRespondPing: true})
}

func (c *Client) serve(conn *network.Conn) error {
	c.mu.Lock()
	c.conn = conn
	info := c.info
	c.peers = make(map[string]models.PeerInfo)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.emit(Event{Type: EventDisconnected})
	}()

	c.emit(Event{Type: EventConnected})
	if info.WalletAddress != "" || info.PublicKey != "" {
		if err := conn.Send(announceFor(info)); err != nil {
			return err
		}
	}

	for {
		payload, err := conn.Receive(c.ctx)
		if err != nil {
			if lastErr := conn.LastError(); lastErr != nil {
				return lastErr
			}
			return err
		}
		c.handle(payload)
	}
}

func (c *Client) handle(payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}

	switch msgType {
	case network.TypePeersUpdated, network.TypePeerList:
		msg, err := network.Decode[network.PeersUpdated](payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed peer list")
			return
		}
		peers := make([]models.PeerInfo, 0, len(msg.Peers))
		c.mu.Lock()
		c.peers = make(map[string]models.PeerInfo, len(msg.Peers))
		for _, p := range msg.Peers {
			if p.PeerID == c.opts.PeerID {
				continue
			}
			c.peers[p.PeerID] = p
			peers = append(peers, p)
		}
		c.mu.Unlock()
		c.emit(Event{Type: EventPeersUpdated, Peers: peers})
	case network.TypePeerDiscovered, network.TypePeerJoined:
		msg, err := network.Decode[network.PeerDiscovered](payload)
		if err != nil || msg.Peer.PeerID == "" {
			c.logger.Warn().Err(err).Msg("dropping malformed peer-discovered")
			return
		}
		c.mu.Lock()
		c.peers[msg.Peer.PeerID] = msg.Peer
		c.mu.Unlock()
		c.emit(Event{Type: EventPeerDiscovered, Peer: msg.Peer})
	case network.TypePeerLeft:
		msg, err := network.Decode[network.PeerLeft](payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed peer-left")
			return
		}
		c.mu.Lock()
		delete(c.peers, msg.PeerID)
		c.mu.Unlock()
		c.emit(Event{Type: EventPeerLeft, PeerID: msg.PeerID})
	case network.TypeOffer, network.TypeAnswer, network.TypeICECandidate:
		msg, err := network.Decode[network.Signal](payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed signal")
			return
		}
		c.emit(Event{Type: EventSignal, PeerID: msg.FromPeerID, Signal: msg})
	case network.TypeError:
		msg, err := network.Decode[network.ErrorMessage](payload)
		if err != nil {
			return
		}
		c.logger.Warn().Str("code", msg.Code).Str("message", msg.Message).Msg("hub reported error")
		c.emit(Event{Type: EventError, Err: msg})
	default:
		c.logger.Debug().Str("type", msgType).Msg("ignoring envelope")
	}
}

// emit never blocks the read loop; a full buffer drops the event.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("event", string(ev.Type)).Msg("event buffer full, dropping")
	}
}

func announceFor(info models.PeerInfo) network.Announce {
	return network.Announce{
		Type:          network.TypeAnnounce,
		PeerID:        info.PeerID,
		WalletAddress: info.WalletAddress,
		Multiaddrs:    info.Multiaddrs,
		PublicKey:     info.PublicKey,
	}
}
