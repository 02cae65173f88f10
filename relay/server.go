// Package relay stores and forwards envelopes for peers that have no direct
// link to each other.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"walletchat/codec"
	"walletchat/crypto"
	"walletchat/metrics"
	"walletchat/models"
	"walletchat/network"
	"walletchat/registry"
)

const (
	defaultDedupSize = 10000
	defaultDedupTTL  = 10 * time.Minute
	// Acks and stored pointers are kept as long as a default message.
	defaultControlTTL = 7 * 24 * time.Hour
)

// ServerOptions configures a relay Server.
type ServerOptions struct {
	// Identity signs the queued acks the relay issues. A fresh one is
	// generated when empty.
	Identity          crypto.Identity
	Queue             Queue
	DedupSize         int
	DedupTTL          time.Duration
	KeepAliveInterval time.Duration
	CheckOrigin       func(*http.Request) bool
	Clock             clock.Clock
	Logger            zerolog.Logger
}

func (o ServerOptions) withDefaults() (ServerOptions, error) {
	if len(o.Identity.PrivateKey) == 0 {
		identity, err := crypto.GenerateIdentity()
		if err != nil {
			return o, fmt.Errorf("relay: generate identity: %w", err)
		}
		o.Identity = identity
	}
	if o.Queue == nil {
		o.Queue = NewMemoryQueue(DefaultQueueCapacity)
	}
	if o.DedupSize <= 0 {
		o.DedupSize = defaultDedupSize
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = network.DefaultKeepAliveInterval
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o, nil
}

// Health is the body of GET /health.
type Health struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
	Uptime int64  `json:"uptime"`
	Queued int    `json:"queued"`
}

// Server accepts relay websockets at /relay?peerId=..
type Server struct {
	opts     ServerOptions
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	conns *registry.Registry[*network.Conn]
	locks *keyedMutex
	seen  *expirable.LRU[string, struct{}]

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer returns a relay with an empty queue.
func NewServer(options ServerOptions) (*Server, error) {
	opts, err := options.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		started: opts.Clock.Now(),
		conns:   registry.New[*network.Conn](),
		locks:   newKeyedMutex(),
		seen:    expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupTTL),
	}, nil
}

// NodeID is the relay's wallet address, used as nodeId on its acks.
func (s *Server) NodeID() string { return s.opts.Identity.Address }

// Peers returns the number of connected peers.
func (s *Server) Peers() int { return len(s.conns.ListOpen()) }

// Queued returns the number of envelopes waiting across all recipients.
func (s *Server) Queued(ctx context.Context) (int, error) { return s.opts.Queue.Total(ctx) }

// HealthCheck reports liveness. A failing queue backend degrades it.
func (s *Server) HealthCheck(ctx context.Context) (Health, bool) {
	health := Health{
		Status: "healthy",
		Peers:  s.Peers(),
		Uptime: int64(s.opts.Clock.Since(s.started) / time.Second),
	}
	queued, err := s.opts.Queue.Total(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue backend unavailable")
		health.Status = "degraded"
		return health, false
	}
	health.Queued = queued
	return health, true
}

// HandleHealth serves GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	health, ok := s.HealthCheck(ctx)
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

// HandleWebSocket serves /relay?peerId=..
func (s *Server) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	peerID := req.URL.Query().Get("peerId")
	conn := network.NewConn(ws, network.ConnOptions{
		PeerID:            peerID,
		KeepAliveInterval: s.opts.KeepAliveInterval,
		AutoRespondPing:   true,
	})
	if peerID == "" {
		_ = conn.CloseWithCode(network.CloseMissingParams, "peerId is required")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.CloseWithCode(websocket.CloseGoingAway, "relay shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.attach(peerID, conn)
	defer s.detach(peerID, conn)

	logger := s.logger.With().Str("peer", peerID).Logger()
	for {
		payload, err := conn.Receive(context.Background())
		if err != nil {
			logger.Debug().Err(err).Msg("relay connection ended")
			return
		}
		s.conns.Touch(peerID)
		s.dispatch(logger, peerID, payload)
	}
}

// attach registers conn, greets it and flushes its queue while holding the
// recipient lock so concurrent deliveries land after the backlog.
func (s *Server) attach(peerID string, conn *network.Conn) {
	unlock := s.locks.Lock(peerID)
	defer unlock()

	previous, replaced := s.conns.Register(peerID, conn, models.ConnectionRelay)
	if replaced && previous != conn {
		_ = previous.CloseWithCode(network.CloseReplaced, "replaced by a newer connection")
	}
	metrics.RelayPeers.Set(float64(s.Peers()))
	s.logger.Info().Str("peer", peerID).Msg("peer connected")

	welcome := network.Welcome{Type: network.TypeWelcome, PeerID: peerID, Timestamp: s.opts.Clock.Now().UnixMilli()}
	if err := conn.Send(welcome); err != nil {
		return
	}
	s.flushLocked(peerID, conn)
}

func (s *Server) detach(peerID string, conn *network.Conn) {
	if s.conns.UnregisterHandle(peerID, conn, sameConn) {
		s.logger.Info().Str("peer", peerID).Msg("peer disconnected")
	}
	metrics.RelayPeers.Set(float64(s.Peers()))
}

func (s *Server) flushLocked(peerID string, conn *network.Conn) {
	ctx := context.Background()
	entries, err := s.opts.Queue.Drain(ctx, peerID)
	if err != nil {
		s.logger.Error().Err(err).Str("peer", peerID).Msg("drain queue")
		return
	}
	if len(entries) == 0 {
		return
	}

	now := s.opts.Clock.Now().UnixMilli()
	delivered := 0
	for i, entry := range entries {
		if entry.Expired(now) {
			metrics.RelayEnvelopes.WithLabelValues(entry.Type, "expired").Inc()
			continue
		}
		if err := conn.SendRaw(entry.Payload); err != nil {
			dropped, requeueErr := s.opts.Queue.PushFront(ctx, peerID, unexpired(entries[i:], now))
			if requeueErr != nil {
				s.logger.Error().Err(requeueErr).Str("peer", peerID).Msg("requeue after failed flush")
			}
			if dropped > 0 {
				s.logger.Warn().Str("peer", peerID).Int("dropped", dropped).Msg("queue full on requeue, dropped oldest")
				metrics.RelayEnvelopes.WithLabelValues(entry.Type, "dropped").Add(float64(dropped))
			}
			break
		}
		delivered++
		metrics.RelayEnvelopes.WithLabelValues(entry.Type, "forwarded").Inc()
	}
	s.updateQueuedGauge(ctx)
	s.logger.Info().Str("peer", peerID).Int("delivered", delivered).Int("queued", len(entries)).Msg("flushed queue")
}

func unexpired(entries []Entry, now int64) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Expired(now) {
			out = append(out, entry)
		}
	}
	return out
}

func (s *Server) dispatch(logger zerolog.Logger, peerID string, payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed envelope")
		metrics.RelayEnvelopes.WithLabelValues("unknown", "rejected").Inc()
		return
	}

	switch msgType {
	case network.TypeMessage:
		s.handleMessage(logger, peerID, payload)
	case network.TypeAck:
		s.handleAck(logger, payload)
	case network.TypeStored:
		s.handleStored(logger, payload)
	default:
		logger.Warn().Str("type", msgType).Msg("dropping unsupported envelope")
		metrics.RelayEnvelopes.WithLabelValues(msgType, "rejected").Inc()
	}
}

func (s *Server) handleMessage(logger zerolog.Logger, peerID string, payload []byte) {
	in, err := network.Decode[network.RelayMessage](payload)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed message")
		metrics.RelayEnvelopes.WithLabelValues(network.TypeMessage, "rejected").Inc()
		return
	}
	msg := in.Message
	if err := codec.Check(msg, s.opts.Clock.Now()); err != nil {
		logger.Warn().Err(err).Str("message_id", msg.ID).Msg("rejecting message")
		metrics.RelayEnvelopes.WithLabelValues(network.TypeMessage, "rejected").Inc()
		return
	}

	if _, dup := s.seen.Get(msg.ID); dup {
		metrics.RelayEnvelopes.WithLabelValues(network.TypeMessage, "duplicate").Inc()
	} else {
		s.seen.Add(msg.ID, struct{}{})
		out := network.NewRelayMessage(msg)
		out.FromPeer = peerID
		out.RelayedAt = s.opts.Clock.Now().UnixMilli()
		raw, err := network.EncodeJSON(out)
		if err != nil {
			logger.Error().Err(err).Msg("encode relayed message")
			return
		}
		s.deliver(msg.Recipient, Entry{
			Type:      network.TypeMessage,
			MessageID: msg.ID,
			ExpiresAt: msg.Timestamp + msg.TTL*1000,
			Payload:   raw,
		})
	}

	ack, err := codec.SignAck(s.opts.Identity, msg.ID, models.AckQueued, s.opts.Clock.Now().UnixMilli())
	if err != nil {
		logger.Error().Err(err).Msg("sign queued ack")
		return
	}
	raw, err := network.EncodeJSON(network.NewAckMessage(msg.Sender, ack))
	if err != nil {
		return
	}
	// The sender may not be the peer that handed the message over.
	s.deliver(msg.Sender, Entry{
		Type:      network.TypeAck,
		MessageID: msg.ID,
		ExpiresAt: msg.Timestamp + msg.TTL*1000,
		Payload:   raw,
	})
}

func (s *Server) handleAck(logger zerolog.Logger, payload []byte) {
	in, err := network.Decode[network.AckMessage](payload)
	if err != nil || in.To == "" {
		logger.Warn().Err(err).Msg("dropping malformed ack")
		metrics.RelayEnvelopes.WithLabelValues(network.TypeAck, "rejected").Inc()
		return
	}
	if err := codec.VerifyAck(in.Ack); err != nil {
		logger.Warn().Err(err).Str("message_id", in.MessageID).Msg("rejecting ack")
		metrics.RelayEnvelopes.WithLabelValues(network.TypeAck, "rejected").Inc()
		return
	}
	out := network.NewAckMessage(in.To, in.Ack)
	raw, err := network.EncodeJSON(out)
	if err != nil {
		return
	}
	s.deliver(in.To, Entry{
		Type:      network.TypeAck,
		MessageID: in.Ack.MessageID,
		ExpiresAt: s.opts.Clock.Now().Add(defaultControlTTL).UnixMilli(),
		Payload:   raw,
	})
}

func (s *Server) handleStored(logger zerolog.Logger, payload []byte) {
	in, err := network.Decode[network.StoredMessage](payload)
	if err != nil || in.Recipient == "" || in.ContentID == "" {
		logger.Warn().Err(err).Msg("dropping malformed stored pointer")
		metrics.RelayEnvelopes.WithLabelValues(network.TypeStored, "rejected").Inc()
		return
	}
	in.Type = network.TypeStored
	raw, err := network.EncodeJSON(in)
	if err != nil {
		return
	}
	s.deliver(in.Recipient, Entry{
		Type:      network.TypeStored,
		MessageID: in.MessageID,
		ExpiresAt: s.opts.Clock.Now().Add(defaultControlTTL).UnixMilli(),
		Payload:   raw,
	})
}

// deliver routes a pre-encoded envelope to recipient, queueing it when the
// recipient is offline or the send fails.
func (s *Server) deliver(recipient string, entry Entry) {
	unlock := s.locks.Lock(recipient)
	defer unlock()

	if conn, ok := s.conns.GetOpen(recipient); ok {
		if err := conn.SendRaw(entry.Payload); err == nil {
			metrics.RelayEnvelopes.WithLabelValues(entry.Type, "forwarded").Inc()
			return
		}
		s.logger.Debug().Str("peer", recipient).Msg("send failed, queueing")
	}

	ctx := context.Background()
	dropped, err := s.opts.Queue.Push(ctx, recipient, entry)
	if err != nil {
		s.logger.Error().Err(err).Str("peer", recipient).Msg("enqueue")
		metrics.RelayEnvelopes.WithLabelValues(entry.Type, "dropped").Inc()
		return
	}
	metrics.RelayEnvelopes.WithLabelValues(entry.Type, "queued").Inc()
	if dropped > 0 {
		s.logger.Warn().Str("peer", recipient).Int("dropped", dropped).Msg("queue full, dropped oldest")
		metrics.RelayEnvelopes.WithLabelValues(entry.Type, "dropped").Add(float64(dropped))
	}
	s.updateQueuedGauge(ctx)
}

func (s *Server) updateQueuedGauge(ctx context.Context) {
	if total, err := s.opts.Queue.Total(ctx); err == nil {
		metrics.RelayQueued.Set(float64(total))
	}
}

// Close disconnects all peers and waits for their handlers. Queued envelopes
// stay in the queue backend.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	for _, id := range s.conns.ListOpen() {
		if conn, ok := s.conns.Get(id); ok {
			_ = conn.CloseWithCode(websocket.CloseGoingAway, "relay shutting down")
		}
	}
	s.wg.Wait()

	if closer, ok := s.opts.Queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay: close queue: %w", err)
		}
	}
	return nil
}

func sameConn(a, b *network.Conn) bool { return a == b }
