// Package signaling implements room-based peer discovery and the forwarding
// of connection-setup payloads between room members.
package signaling

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"walletchat/metrics"
	"walletchat/models"
	"walletchat/network"
	"walletchat/registry"
)

// ServerOptions configures a signaling Server.
type ServerOptions struct {
	Logger            zerolog.Logger
	KeepAliveInterval time.Duration
	CheckOrigin       func(*http.Request) bool
	Clock             clock.Clock
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = network.DefaultKeepAliveInterval
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Server accepts signaling websockets. Rooms are created on first join and
// deleted when their last member leaves.
type Server struct {
	opts     ServerOptions
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	// mu guards rooms and is held across join and leave so a room cannot be
	// deleted while another peer is joining it.
	mu    sync.Mutex
	rooms map[string]*room

	conns *registry.Registry[*network.Conn]

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewServer returns a Server with no rooms.
func NewServer(options ServerOptions) *Server {
	opts := options.withDefaults()
	return &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "signaling").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		rooms:  make(map[string]*room),
		conns:  registry.New[*network.Conn](),
		closed: make(chan struct{}),
	}
}

// Rooms returns the number of open rooms.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Peers returns the number of connected peers across all rooms.
func (s *Server) Peers() int {
	return len(s.conns.ListOpen())
}

// RoomPeers returns the current member list of a room.
func (s *Server) RoomPeers(name string) []models.PeerInfo {
	s.mu.Lock()
	r, ok := s.rooms[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.peers()
}

// HandleWebSocket serves /signal?room=..&peerId=..
func (s *Server) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	roomName := req.URL.Query().Get("room")
	peerID := req.URL.Query().Get("peerId")
	conn := network.NewConn(ws, network.ConnOptions{
		PeerID:            peerID,
		KeepAliveInterval: s.opts.KeepAliveInterval,
		AutoRespondPing:   true,
	})
	if roomName == "" || peerID == "" {
		s.logger.Warn().Str("remote_addr", req.RemoteAddr).Msg("signaling connect without room or peerId")
		_ = conn.CloseWithCode(network.CloseMissingParams, "room and peerId are required")
		return
	}

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		_ = conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		return
	default:
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	r := s.join(roomName, peerID, conn)
	defer s.leave(roomName, r, peerID, conn)

	logger := s.logger.With().Str("room", roomName).Str("peer", peerID).Logger()
	logger.Info().Msg("peer joined")

	for {
		payload, err := conn.Receive(context.Background())
		if err != nil {
			logger.Debug().Err(err).Msg("peer connection ended")
			return
		}
		s.dispatch(logger, r, peerID, conn, payload)
	}
}

func (s *Server) dispatch(logger zerolog.Logger, r *room, peerID string, conn *network.Conn, payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed envelope")
		metrics.SignalingMessages.WithLabelValues("malformed").Inc()
		return
	}
	s.conns.Touch(connKey(r.name, peerID))

	switch msgType {
	case network.TypeAnnounce:
		msg, err := network.Decode[network.Announce](payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed announce")
			metrics.SignalingMessages.WithLabelValues("malformed").Inc()
			return
		}
		r.announce(peerID, conn, msg)
	case network.TypeOffer, network.TypeAnswer, network.TypeICECandidate:
		msg, err := network.Decode[network.Signal](payload)
		if err != nil || msg.TargetPeerID == "" {
			logger.Warn().Err(err).Str("type", msgType).Msg("dropping signal without target")
			metrics.SignalingMessages.WithLabelValues("malformed").Inc()
			return
		}
		r.forward(peerID, conn, msg)
	default:
		logger.Warn().Str("type", msgType).Msg("dropping unknown envelope")
		metrics.SignalingMessages.WithLabelValues("unknown").Inc()
		return
	}
	metrics.SignalingMessages.WithLabelValues(msgType).Inc()
}

func (s *Server) join(roomName, peerID string, conn *network.Conn) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomName]
	if !ok {
		r = newRoom(roomName, s.logger, s.opts.Clock)
		s.rooms[roomName] = r
		metrics.SignalingRooms.Inc()
	}
	if replaced := r.join(peerID, conn); replaced != nil {
		s.logger.Info().Str("room", roomName).Str("peer", peerID).Msg("replacing duplicate peer connection")
		_ = replaced.CloseWithCode(network.CloseReplaced, "replaced by a newer connection")
	} else {
		metrics.SignalingPeers.Inc()
	}
	s.conns.Register(connKey(roomName, peerID), conn, models.ConnectionRelay)
	return r
}

func (s *Server) leave(roomName string, r *room, peerID string, conn *network.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, empty := r.leave(peerID, conn)
	if removed {
		s.conns.UnregisterHandle(connKey(roomName, peerID), conn, sameConn)
		metrics.SignalingPeers.Dec()
		s.logger.Info().Str("room", roomName).Str("peer", peerID).Msg("peer left")
	}
	if empty && s.rooms[roomName] == r {
		delete(s.rooms, roomName)
		r.stop()
		metrics.SignalingRooms.Dec()
	}
}

// Close disconnects every peer and waits for their handlers to finish.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
	})
	for _, key := range s.conns.ListOpen() {
		if conn, ok := s.conns.Get(key); ok {
			_ = conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		}
	}
	s.wg.Wait()
	return nil
}

func connKey(roomName, peerID string) string {
	return roomName + "/" + peerID
}

func sameConn(a, b *network.Conn) bool { return a == b }
