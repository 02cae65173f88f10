package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"walletchat/models"
	"walletchat/network"
)

// ErrNoRoute is returned by a transport that has no way to reach a peer.
var ErrNoRoute = errors.New("delivery: no route to peer")

// Transport hands envelopes to a peer. Messages are always passed as
// network.RelayMessage; acks as network.AckMessage and offline pointers as
// network.StoredMessage.
type Transport interface {
	Name() string
	Reachable(peer string) bool
	Send(ctx context.Context, peer string, envelope any) error
}

// Broadcaster floods an envelope over every open direct link.
type Broadcaster interface {
	Broadcast(ctx context.Context, envelope any, except ...string) (int, error)
}

// Gossip is the transport of last resort: it floods a message to every
// directly connected peer, which forwards it on for a bounded number of hops.
type Gossip struct {
	links Broadcaster
}

// NewGossip wraps a broadcaster, normally the direct transport.
func NewGossip(links Broadcaster) *Gossip {
	return &Gossip{links: links}
}

func (g *Gossip) Name() string { return "gossip" }

// Reachable is always true; whether anyone hears the flood is only known on Send.
func (g *Gossip) Reachable(string) bool { return true }

// Send floods a chat message to every link, the recipient's own included.
// Control envelopes are never gossiped.
func (g *Gossip) Send(ctx context.Context, _ string, envelope any) error {
	msg, ok := envelope.(network.RelayMessage)
	if !ok {
		return fmt.Errorf("%w: gossip only carries messages", ErrNoRoute)
	}
	return g.Forward(ctx, network.GossipMessage{Type: network.TypeGossip, Hops: 1, Message: msg.Message})
}

// Forward rebroadcasts a gossip envelope, skipping the given peers.
func (g *Gossip) Forward(ctx context.Context, envelope network.GossipMessage, except ...string) error {
	n, err := g.links.Broadcast(ctx, envelope, except...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRoute
	}
	return nil
}

type forwarder interface {
	Forward(ctx context.Context, envelope network.GossipMessage, except ...string) error
}

func priority(name string) int {
	switch name {
	case string(models.ConnectionDirect):
		return 0
	case string(models.ConnectionRelay):
		return 1
	case "gossip":
		return 2
	default:
		return 3
	}
}

func orderTransports(in []Transport) []Transport {
	out := make([]Transport, 0, len(in))
	for _, t := range in {
		if t != nil {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return priority(out[i].Name()) < priority(out[j].Name())
	})
	return out
}
