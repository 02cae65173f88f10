package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"walletchat/models"
	"walletchat/network"
)

// ErrNotConnected is returned by Send while the relay connection is down.
var ErrNotConnected = errors.New("relay: not connected")

// ClientOptions configures a relay Client.
type ClientOptions struct {
	// URL is the relay endpoint, e.g. ws://host:8080/relay.
	URL string
	// PeerID is the local wallet address; the relay routes by it.
	PeerID string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         zerolog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Client keeps a connection to the relay and hands every inbound envelope
// to its handler.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger

	handler   atomic.Pointer[network.MessageHandler]
	onConnect atomic.Pointer[func()]

	mu   sync.RWMutex
	conn *network.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient returns an idle relay client.
func NewClient(options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if opts.URL == "" || opts.PeerID == "" {
		return nil, errors.New("relay: url and peer id are required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "relay-client").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Name identifies the transport.
func (c *Client) Name() string { return string(models.ConnectionRelay) }

// OnMessage sets the handler for inbound envelopes. The from argument is
// always "relay"; the envelope carries the original sender.
func (c *Client) OnMessage(handler network.MessageHandler) {
	c.handler.Store(&handler)
}

// OnConnect sets a callback run after every welcome from the relay.
func (c *Client) OnConnect(fn func()) {
	c.onConnect.Store(&fn)
}

// Connected reports whether the relay connection is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsOpen()
}

// Reachable reports whether the relay can take envelopes for peer. Any peer
// is reachable while connected since the relay queues for offline ones.
func (c *Client) Reachable(string) bool { return c.Connected() }

// Send hands envelope to the relay.
func (c *Client) Send(ctx context.Context, _ string, envelope any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(envelope)
}

// Start launches the connect loop. It is idempotent.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Close stops reconnecting and closes the connection.
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
			wait := policy.NextBackOff()
			c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("relay dial failed")
			select {
			case <-time.After(wait):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		policy.Reset()
		err = c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info().Err(err).Msg("relay connection lost, reconnecting")
	}
}

func (c *Client) dial() (*network.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("peerId", c.opts.PeerID)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(c.ctx, network.DefaultConnectionTimeout)
	defer cancel()
	return network.Dial(ctx, u.String(), network.ConnOptions{PeerID: "relay", AutoRespondPing: true})
}

func (c *Client) serve(conn *network.Conn) error {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// The relay greets before flushing anything queued.
	payload, err := conn.Receive(c.ctx)
	if err != nil {
		return err
	}
	welcome, err := network.Decode[network.Welcome](payload)
	if err != nil || welcome.Type != network.TypeWelcome {
		return fmt.Errorf("relay: expected welcome, got %s", payload)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info().Str("peer", welcome.PeerID).Msg("connected to relay")
	if fn := c.onConnect.Load(); fn != nil && *fn != nil {
		go (*fn)()
	}

	for {
		payload, err := conn.Receive(c.ctx)
		if err != nil {
			if lastErr := conn.LastError(); lastErr != nil {
				return lastErr
			}
			return err
		}
		if handler := c.handler.Load(); handler != nil && *handler != nil {
			(*handler)(c.Name(), payload)
		}
	}
}
