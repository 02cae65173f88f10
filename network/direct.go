package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"walletchat/models"
	"walletchat/registry"
)

const (
	directChannelLabel      = "walletchat"
	iceGatherTimeout        = 15 * time.Second
	defaultDirectConnectTTL = 30 * time.Second
)

var (
	// ErrNoDirectLink is returned when no open data channel exists for a peer.
	ErrNoDirectLink = errors.New("network: no direct link")
	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("network: transport closed")
)

// Signaler forwards connection-setup payloads to another peer, normally
// through the signaling room.
type Signaler interface {
	SendSignal(ctx context.Context, target, signalType string, payload json.RawMessage) error
}

// MessageHandler receives raw envelopes arriving on a peer link.
type MessageHandler func(from string, payload []byte)

// DirectOptions configures a DirectTransport.
type DirectOptions struct {
	LocalID        string
	Signaler       Signaler
	Registry       *registry.Registry[*Link]
	ICEServers     []string
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

func (o DirectOptions) withDefaults() DirectOptions {
	if o.Registry == nil {
		o.Registry = registry.New[*Link]()
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultDirectConnectTTL
	}
	return o
}

// Link is one WebRTC peer connection carrying a single ordered data channel.
type Link struct {
	peerID    string
	initiator bool
	pc        *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel

	opened   chan struct{}
	openOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newLink(peerID string, initiator bool, pc *webrtc.PeerConnection) *Link {
	return &Link{
		peerID:    peerID,
		initiator: initiator,
		pc:        pc,
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// PeerID returns the remote peer id.
func (l *Link) PeerID() string { return l.peerID }

// IsOpen reports whether the data channel is open.
func (l *Link) IsOpen() bool {
	select {
	case <-l.done:
		return false
	default:
	}
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes one envelope as a text message.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || !l.IsOpen() {
		return ErrNoDirectLink
	}
	if err := dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("send on data channel: %w", err)
	}
	return nil
}

// Close tears down the peer connection.
func (l *Link) Close() error {
	l.markDone()
	if err := l.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (l *Link) markOpen(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()
	l.openOnce.Do(func() { close(l.opened) })
}

func (l *Link) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *Link) pending() bool {
	select {
	case <-l.opened:
		return false
	case <-l.done:
		return false
	default:
		return true
	}
}

// DirectTransport negotiates WebRTC data channels with peers, exchanging
// offers and answers through a Signaler.
type DirectTransport struct {
	opts   DirectOptions
	logger zerolog.Logger
	api    *webrtc.API

	handler atomic.Pointer[MessageHandler]

	mu    sync.Mutex
	links map[string]*Link

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDirectTransport creates a transport that is ready to accept offers.
func NewDirectTransport(options DirectOptions) (*DirectTransport, error) {
	opts := options.withDefaults()
	if opts.LocalID == "" {
		return nil, errors.New("network: local peer id is required")
	}
	if opts.Signaler == nil {
		return nil, errors.New("network: signaler is required")
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &DirectTransport{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "direct").Logger(),
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		links:  make(map[string]*Link),
		closed: make(chan struct{}),
	}, nil
}

// Name identifies the transport in logs and stats.
func (t *DirectTransport) Name() string { return string(models.ConnectionDirect) }

// Registry exposes the open links.
func (t *DirectTransport) Registry() *registry.Registry[*Link] { return t.opts.Registry }

// OnMessage sets the handler for inbound envelopes.
func (t *DirectTransport) OnMessage(handler MessageHandler) {
	t.handler.Store(&handler)
}

// Reachable reports whether an open data channel to peer exists.
func (t *DirectTransport) Reachable(peer string) bool {
	_, ok := t.opts.Registry.GetOpen(peer)
	return ok
}

// Send marshals envelope and writes it to peer's data channel.
func (t *DirectTransport) Send(ctx context.Context, peer string, envelope any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	link, ok := t.opts.Registry.GetOpen(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDirectLink, peer)
	}
	payload, err := EncodeJSON(envelope)
	if err != nil {
		return err
	}
	return link.Send(payload)
}

// Broadcast writes envelope to every open link except the listed peers and
// returns how many links accepted it.
func (t *DirectTransport) Broadcast(ctx context.Context, envelope any, except ...string) (int, error) {
	payload, err := EncodeJSON(envelope)
	if err != nil {
		return 0, err
	}
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	sent := 0
	for _, peer := range t.opts.Registry.ListOpen() {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if _, ok := skip[peer]; ok {
			continue
		}
		link, ok := t.opts.Registry.GetOpen(peer)
		if !ok {
			continue
		}
		if err := link.Send(payload); err != nil {
			t.logger.Debug().Err(err).Str("peer", peer).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// Connect opens a data channel to peer and waits until it is usable. If the
// remote side wins the offer race, Connect waits on the answered link
// instead.
func (t *DirectTransport) Connect(ctx context.Context, peer string) error {
	if peer == t.opts.LocalID {
		return errors.New("network: cannot connect to self")
	}
	if t.Reachable(peer) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	link, err := t.currentOrOffer(ctx, peer)
	if err != nil {
		return err
	}

	for {
		select {
		case <-link.opened:
			return nil
		case <-link.done:
			t.mu.Lock()
			next, ok := t.links[peer]
			t.mu.Unlock()
			if !ok || next == link {
				return fmt.Errorf("%w: %s: link closed during setup", ErrNoDirectLink, peer)
			}
			link = next
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", peer, ctx.Err())
		case <-t.closed:
			return ErrTransportClosed
		}
	}
}

func (t *DirectTransport) currentOrOffer(ctx context.Context, peer string) (*Link, error) {
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return nil, ErrTransportClosed
	default:
	}
	if existing, ok := t.links[peer]; ok {
		select {
		case <-existing.done:
		default:
			t.mu.Unlock()
			return existing, nil
		}
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	link := newLink(peer, true, pc)
	t.links[peer] = link
	t.mu.Unlock()

	// A remote offer may replace this link while it is still being set up.
	fail := func(err error) (*Link, error) {
		t.mu.Lock()
		next, ok := t.links[peer]
		t.mu.Unlock()
		if ok && next != link {
			return next, nil
		}
		t.drop(link)
		return nil, err
	}

	t.watch(link)
	ordered := true
	dc, err := pc.CreateDataChannel(directChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(fmt.Errorf("create data channel: %w", err))
	}
	t.bindChannel(link, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	local, err := t.gather(ctx, pc, offer)
	if err != nil {
		return fail(err)
	}
	if err := t.opts.Signaler.SendSignal(ctx, peer, TypeOffer, local); err != nil {
		return fail(fmt.Errorf("send offer: %w", err))
	}

	t.logger.Debug().Str("peer", peer).Msg("offer sent")
	return link, nil
}

// HandleSignal applies an offer, answer or ICE candidate received from peer.
func (t *DirectTransport) HandleSignal(ctx context.Context, from, signalType string, payload json.RawMessage) error {
	switch signalType {
	case TypeOffer:
		return t.handleOffer(ctx, from, payload)
	case TypeAnswer:
		return t.handleAnswer(from, payload)
	case TypeICECandidate:
		return t.handleCandidate(from, payload)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, signalType)
	}
}

func (t *DirectTransport) handleOffer(ctx context.Context, from string, payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return ErrTransportClosed
	default:
	}
	existing, hasExisting := t.links[from]
	// Glare: both sides offered. The smaller id keeps its own offer.
	if hasExisting && existing.initiator && existing.pending() && t.opts.LocalID < from {
		t.mu.Unlock()
		t.logger.Debug().Str("peer", from).Msg("ignoring offer, local offer wins")
		return nil
	}

	pc, err := t.newPeerConnection()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	link := newLink(from, false, pc)
	t.links[from] = link
	t.mu.Unlock()

	if hasExisting {
		_ = existing.Close()
	}

	t.watch(link)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != directChannelLabel {
			_ = dc.Close()
			return
		}
		t.bindChannel(link, dc)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		t.drop(link)
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.drop(link)
		return fmt.Errorf("create answer: %w", err)
	}
	local, err := t.gather(ctx, pc, answer)
	if err != nil {
		t.drop(link)
		return err
	}
	if err := t.opts.Signaler.SendSignal(ctx, from, TypeAnswer, local); err != nil {
		t.drop(link)
		return fmt.Errorf("send answer: %w", err)
	}

	t.logger.Debug().Str("peer", from).Msg("offer answered")
	return nil
}

func (t *DirectTransport) handleAnswer(from string, payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}

	t.mu.Lock()
	link, ok := t.links[from]
	t.mu.Unlock()
	if !ok || !link.initiator {
		return fmt.Errorf("%w: unexpected answer from %s", ErrNoDirectLink, from)
	}
	if link.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (t *DirectTransport) handleCandidate(from string, payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}

	t.mu.Lock()
	link, ok := t.links[from]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: candidate from %s", ErrNoDirectLink, from)
	}
	if err := link.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close tears down every link. It is safe to call more than once.
func (t *DirectTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })

	t.mu.Lock()
	links := make([]*Link, 0, len(t.links))
	for id, link := range t.links {
		links = append(links, link)
		delete(t.links, id)
	}
	t.mu.Unlock()

	var firstErr error
	for _, link := range links {
		t.opts.Registry.UnregisterHandle(link.peerID, link, sameLink)
		if err := link.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *DirectTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(t.opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: t.opts.ICEServers}}
	}
	pc, err := t.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// gather sets the local description and waits for ICE gathering so the
// returned SDP carries every candidate.
func (t *DirectTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return nil, fmt.Errorf("ice gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encode session description: %w", err)
	}
	return payload, nil
}

func (t *DirectTransport) watch(link *Link) {
	link.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug().Str("peer", link.peerID).Str("state", state.String()).Msg("peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.forget(link)
		}
	})
}

func (t *DirectTransport) bindChannel(link *Link, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		link.markOpen(dc)
		previous, replaced := t.opts.Registry.Register(link.peerID, link, models.ConnectionDirect)
		if replaced && previous != link {
			_ = previous.Close()
		}
		t.logger.Info().Str("peer", link.peerID).Bool("initiator", link.initiator).Msg("direct link open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.opts.Registry.Touch(link.peerID)
		if handler := t.handler.Load(); handler != nil && *handler != nil {
			(*handler)(link.peerID, msg.Data)
		}
	})
	dc.OnClose(func() {
		t.forget(link)
	})
}

// forget removes link from the transport and registry if it is still current.
func (t *DirectTransport) forget(link *Link) {
	link.markDone()
	t.mu.Lock()
	if current, ok := t.links[link.peerID]; ok && current == link {
		delete(t.links, link.peerID)
	}
	t.mu.Unlock()
	if t.opts.Registry.UnregisterHandle(link.peerID, link, sameLink) {
		t.logger.Info().Str("peer", link.peerID).Msg("direct link closed")
	}
}

func (t *DirectTransport) drop(link *Link) {
	t.forget(link)
	_ = link.Close()
}

func sameLink(a, b *Link) bool { return a == b }
