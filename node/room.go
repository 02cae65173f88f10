package node

import (
	"context"

	"walletchat/models"
	"walletchat/signaling"
)

// watchRoom applies signaling events until the client closes its channel.
func (n *Node) watchRoom() {
	defer n.wg.Done()

	for ev := range n.signaling.Events() {
		switch ev.Type {
		case signaling.EventPeersUpdated:
			for _, peer := range ev.Peers {
				n.learn(peer)
			}
		case signaling.EventPeerDiscovered:
			n.learn(ev.Peer)
		case signaling.EventPeerLeft:
			n.logger.Debug().Str("peer", ev.PeerID).Msg("peer left room")
		case signaling.EventSignal:
			n.handleSignal(ev)
		case signaling.EventConnected:
			n.logger.Info().Str("room", n.cfg.Room).Msg("joined signaling room")
		case signaling.EventDisconnected:
			n.logger.Warn().Msg("signaling connection lost")
		}
	}
}

// learn records an announced key and, when our address sorts first, opens a
// direct link so only one side makes the offer.
func (n *Node) learn(peer models.PeerInfo) {
	if peer.PeerID == "" || peer.PeerID == n.identity.Address {
		return
	}
	if peer.PublicKey != "" {
		if err := n.codec.Directory().AddEncoded(peer.PeerID, peer.PublicKey); err != nil {
			n.logger.Warn().Err(err).Str("peer", peer.PeerID).Msg("ignoring announced key")
			return
		}
		if err := n.store.SavePeerKey(n.ctx, peer.PeerID, peer.PublicKey, n.clock.Now().UnixMilli()); err != nil {
			n.logger.Warn().Err(err).Str("peer", peer.PeerID).Msg("persist peer key")
		}
	}

	if n.opts.PassiveDirect || n.identity.Address > peer.PeerID || n.direct.Reachable(peer.PeerID) {
		return
	}
	peerID := peer.PeerID
	n.spawn(func() {
		if err := n.direct.Connect(n.ctx, peerID); err != nil {
			n.logger.Debug().Err(err).Str("peer", peerID).Msg("direct link unavailable")
			return
		}
		n.logger.Info().Str("peer", peerID).Msg("direct link open")
	})
}

// handleSignal runs off the event loop since answering gathers ICE
// candidates.
func (n *Node) handleSignal(ev signaling.Event) {
	n.spawn(func() {
		if err := n.direct.HandleSignal(n.ctx, ev.PeerID, ev.Signal.Type, ev.Signal.Payload); err != nil {
			n.logger.Debug().Err(err).Str("peer", ev.PeerID).Str("type", ev.Signal.Type).Msg("signal rejected")
		}
	})
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) pruneLoop() {
	defer n.wg.Done()

	ticker := n.clock.Ticker(n.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.pruneSeen()
		}
	}
}

// pruneSeen drops seen ids older than the message ttl; anything that old
// fails validation as expired anyway.
func (n *Node) pruneSeen() {
	ctx, cancel := context.WithTimeout(n.ctx, pruneTimeout)
	defer cancel()

	cutoff := n.clock.Now().Add(-n.messageTTL()).UnixMilli()
	pruned, err := n.store.PruneSeenIDs(ctx, cutoff)
	if err != nil {
		n.logger.Warn().Err(err).Msg("prune seen ids")
		return
	}
	if pruned > 0 {
		n.logger.Debug().Int64("pruned", pruned).Msg("seen ids pruned")
	}
}
