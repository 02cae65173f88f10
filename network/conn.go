package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"walletchat/models"
)

// ConnOptions controls runtime behavior of Conn.
type ConnOptions struct {
	PeerID            string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	InboundBuffer     int
	// AutoRespondPing answers application "ping" envelopes with "pong".
	AutoRespondPing bool
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = MaxFrameSize
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 64
	}
	return o
}

// Conn is a websocket session with a read loop, keep-alive and a buffered
// inbound queue. It is safe for concurrent senders.
type Conn struct {
	ws   *websocket.Conn
	opts ConnOptions

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   models.ConnectionStatus

	lastActivity atomic.Int64

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewConn wraps an established websocket and starts its loops.
func NewConn(ws *websocket.Conn, options ConnOptions) *Conn {
	opts := options.withDefaults()
	c := &Conn{
		ws:      ws,
		opts:    opts,
		inbound: make(chan []byte, opts.InboundBuffer),
		closed:  make(chan struct{}),
		state:   models.ConnectionConnecting,
	}

	ws.SetReadLimit(opts.ReadLimit)
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.touchActivity()
		return nil
	})

	c.touchActivity()
	c.setState(models.ConnectionConnected)
	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

// Dial opens a websocket to url and wraps it.
func Dial(ctx context.Context, url string, options ConnOptions) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultConnectionTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws, options), nil
}

// PeerID returns the remote node id this connection was opened for.
func (c *Conn) PeerID() string { return c.opts.PeerID }

// State returns the current connection state.
func (c *Conn) State() models.ConnectionStatus {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsOpen reports whether the connection can still carry frames.
func (c *Conn) IsOpen() bool {
	return c.State() == models.ConnectionConnected
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// LastError returns the terminal error. A close frame from the peer with a
// non-normal code surfaces as *websocket.CloseError.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// LastActivity returns when the last frame was seen in either direction.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send marshals a protocol message and writes it as one text frame.
func (c *Conn) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one text frame.
func (c *Conn) SendRaw(payload []byte) error {
	if !c.IsOpen() {
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrConnectionClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	c.touchActivity()
	return nil
}

// Receive waits for the next non-keepalive inbound payload.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		// Drain frames that arrived before close.
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close performs a normal websocket close.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame with code and reason, then tears down.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.sendMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.opts.WriteTimeout),
	)
	c.sendMu.Unlock()
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWithError(classifyReadError(err))
			return
		}

		c.touchActivity()
		c.extendReadDeadline()
		if len(payload) == 0 {
			continue
		}

		msgType, _ := DecodeMessageType(payload)
		switch msgType {
		case TypePing:
			if c.opts.AutoRespondPing {
				_ = c.Send(PingMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
			}
		case TypePong:
		default:
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return nil
		}
		return closeErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrPongTimeout
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("read frame: %w", err)
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(c.LastActivity()) < c.opts.KeepAliveInterval {
				continue
			}
			c.sendMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.sendMu.Unlock()
			if err != nil {
				c.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// extendReadDeadline gives the peer one keep-alive round to show activity.
func (c *Conn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.KeepAliveInterval + c.opts.KeepAliveTimeout))
}

func (c *Conn) setState(state models.ConnectionStatus) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		if err != nil {
			c.setState(models.ConnectionFailed)
		} else {
			c.setState(models.ConnectionDisconnected)
		}
		_ = c.ws.Close()
		close(c.closed)
	})
}
