package signaling

import (
	"errors"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"walletchat/models"
	"walletchat/network"
)

var errRoomClosed = errors.New("signaling: room closed")

type member struct {
	conn *network.Conn
	info models.PeerInfo
}

// room owns its member map. Every read and write of members happens on the
// room goroutine; other goroutines submit closures through do.
type room struct {
	name    string
	logger  zerolog.Logger
	clock   clock.Clock
	members map[string]*member

	mailbox chan func()
	done    chan struct{}
}

func newRoom(name string, logger zerolog.Logger, clk clock.Clock) *room {
	r := &room{
		name:    name,
		logger:  logger.With().Str("room", name).Logger(),
		clock:   clk,
		members: make(map[string]*member),
		mailbox: make(chan func()),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *room) run() {
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.done:
			return
		}
	}
}

// do runs fn on the room goroutine and waits for it to finish.
func (r *room) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case r.mailbox <- func() {
		defer close(finished)
		fn()
	}:
	case <-r.done:
		return errRoomClosed
	}
	<-finished
	return nil
}

func (r *room) stop() {
	close(r.done)
}

// join adds peerID and returns the connection it replaced, if any.
func (r *room) join(peerID string, conn *network.Conn) (replaced *network.Conn) {
	_ = r.do(func() {
		info := models.PeerInfo{PeerID: peerID, LastSeen: r.clock.Now().UnixMilli()}
		if existing, ok := r.members[peerID]; ok {
			replaced = existing.conn
			info = existing.info
			info.LastSeen = r.clock.Now().UnixMilli()
		}
		r.members[peerID] = &member{conn: conn, info: info}

		r.send(conn, network.PeersUpdated{Type: network.TypePeersUpdated, Peers: r.list(peerID)})
		if replaced == nil {
			r.broadcast(network.PeerDiscovered{Type: network.TypePeerDiscovered, Peer: info}, peerID)
		}
	})
	return replaced
}

// leave removes peerID if conn is still its connection and reports whether
// the room is now empty.
func (r *room) leave(peerID string, conn *network.Conn) (removed, empty bool) {
	_ = r.do(func() {
		existing, ok := r.members[peerID]
		if ok && existing.conn == conn {
			delete(r.members, peerID)
			removed = true
			r.broadcast(network.PeerLeft{Type: network.TypePeerLeft, PeerID: peerID}, "")
		}
		empty = len(r.members) == 0
	})
	return removed, empty
}

func (r *room) announce(peerID string, conn *network.Conn, msg network.Announce) {
	_ = r.do(func() {
		existing, ok := r.members[peerID]
		if !ok || existing.conn != conn {
			return
		}
		existing.info.WalletAddress = msg.WalletAddress
		existing.info.Multiaddrs = append([]string(nil), msg.Multiaddrs...)
		if msg.PublicKey != "" {
			existing.info.PublicKey = msg.PublicKey
		}
		existing.info.LastSeen = r.clock.Now().UnixMilli()

		r.broadcast(network.PeersUpdated{Type: network.TypePeersUpdated, Peers: r.list("")}, "")
	})
}

func (r *room) forward(peerID string, conn *network.Conn, msg network.Signal) {
	_ = r.do(func() {
		if sender, ok := r.members[peerID]; !ok || sender.conn != conn {
			return
		}
		target, ok := r.members[msg.TargetPeerID]
		if !ok {
			r.send(conn, network.ErrorMessage{
				Type:    network.TypeError,
				Code:    network.ErrorCodeUnknownPeer,
				Message: "peer " + msg.TargetPeerID + " is not in room " + r.name,
			})
			return
		}
		msg.FromPeerID = peerID
		r.send(target.conn, msg)
	})
}

func (r *room) size() (n int) {
	_ = r.do(func() { n = len(r.members) })
	return n
}

func (r *room) peers() (list []models.PeerInfo) {
	_ = r.do(func() { list = r.list("") })
	return list
}

// list returns members sorted by peer id, leaving out exclude.
func (r *room) list(exclude string) []models.PeerInfo {
	peers := make([]models.PeerInfo, 0, len(r.members))
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		peers = append(peers, m.info)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

func (r *room) broadcast(message any, exclude string) {
	payload, err := network.EncodeJSON(message)
	if err != nil {
		r.logger.Error().Err(err).Msg("encode broadcast")
		return
	}
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		if err := m.conn.SendRaw(payload); err != nil {
			r.logger.Debug().Err(err).Str("peer", id).Msg("broadcast send failed")
		}
	}
}

func (r *room) send(conn *network.Conn, message any) {
	if err := conn.Send(message); err != nil {
		r.logger.Debug().Err(err).Str("peer", conn.PeerID()).Msg("send failed")
	}
}
