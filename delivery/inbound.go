package delivery

import (
	"context"
	"fmt"

	"walletchat/codec"
	"walletchat/models"
	"walletchat/network"
)

// Receiver adapts the engine to a transport's message callback. via names
// the transport in logs and in Received.Via.
func (e *Engine) Receiver(via string) network.MessageHandler {
	return func(_ string, payload []byte) { e.HandleInbound(via, payload) }
}

// HandleInbound processes one envelope read from a transport. Malformed or
// unexpected envelopes are logged and dropped. It never blocks on crypto.
func (e *Engine) HandleInbound(via string, payload []byte) {
	logger := e.logger.With().Str("via", via).Logger()
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed envelope")
		bump(&e.stats.dropped, "dropped")
		return
	}

	switch msgType {
	case network.TypeMessage:
		in, err := network.Decode[network.RelayMessage](payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed message")
			bump(&e.stats.dropped, "dropped")
			return
		}
		e.receive(in.Message, via)
	case network.TypeAck:
		in, err := network.Decode[network.AckMessage](payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed ack")
			return
		}
		e.handleAck(in)
	case network.TypeStored:
		in, err := network.Decode[network.StoredMessage](payload)
		if err != nil || in.ContentID == "" {
			logger.Warn().Err(err).Msg("dropping malformed offline pointer")
			return
		}
		e.handleStored(in)
	case network.TypeGossip:
		in, err := network.Decode[network.GossipMessage](payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed gossip")
			return
		}
		e.handleGossip(in)
	case network.TypeWelcome, network.TypePing, network.TypePong:
	default:
		logger.Debug().Str("type", msgType).Msg("ignoring envelope")
	}
}

func (e *Engine) receive(msg models.Message, via string) {
	msg.DeliveryStatus = ""
	msg.Acks = nil
	if msg.ThreadID == "" || msg.ID == "" {
		bump(&e.stats.dropped, "dropped")
		return
	}
	t, err := e.threadFor(msg.ThreadID)
	if err != nil {
		return
	}
	t.post(func() { _ = e.accept(t, msg, via) })
}

// accept runs on the thread actor: verify, deduplicate, decrypt, ack and
// hand to the handler. Invalid messages are never acked.
func (e *Engine) accept(t *thread, msg models.Message, via string) error {
	logger := e.logger.With().Str("message_id", msg.ID).Str("via", via).Logger()
	if msg.Recipient != e.codec.Address() {
		logger.Debug().Str("recipient", msg.Recipient).Msg("dropping message for another node")
		bump(&e.stats.dropped, "dropped")
		return fmt.Errorf("%w: %w", codec.ErrInvalidMessage, codec.ErrNotRecipient)
	}

	var checkErr error
	if err := e.pool.do(e.ctx, func() { checkErr = e.codec.Check(msg) }); err != nil {
		return err
	}
	if checkErr != nil {
		logger.Warn().Err(checkErr).Msg("dropping invalid message")
		bump(&e.stats.dropped, "dropped")
		return checkErr
	}

	if e.seenBefore(msg.ID) {
		// The sender missed our ack; confirm again without redelivering.
		bump(&e.stats.duplicates, "duplicate")
		e.ack(msg.ID, msg.Sender, models.AckDelivered)
		return nil
	}

	var (
		plaintext []byte
		openErr   error
	)
	if err := e.pool.do(e.ctx, func() { plaintext, openErr = e.codec.Open(msg) }); err != nil {
		return err
	}
	if openErr != nil {
		logger.Warn().Err(openErr).Msg("cannot decrypt message")
		bump(&e.stats.decryptFailures, "decrypt_failed")
		return openErr
	}

	e.markSeen(msg.ID)
	t.inbound[msg.ID] = &inbound{sender: msg.Sender}
	e.remember(msg.ID, t.id)
	bump(&e.stats.received, "received")

	e.ack(msg.ID, msg.Sender, models.AckQueued)
	if handler := e.handlerFor(t.id); handler != nil {
		e.deliverLocal(handler, Received{Message: msg, Content: plaintext, Via: via})
	} else {
		logger.Debug().Str("thread", t.id).Msg("no handler registered")
	}
	e.ack(msg.ID, msg.Sender, models.AckDelivered)
	return nil
}

func (e *Engine) deliverLocal(handler MessageHandler, received Received) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("message_id", received.Message.ID).Msg("message handler panicked")
		}
	}()
	handler(received)
}

func (e *Engine) ack(messageID, to string, ackType models.AckType) {
	ack, err := e.codec.SignAck(messageID, ackType)
	if err != nil {
		e.logger.Error().Err(err).Str("message_id", messageID).Msg("sign ack")
		return
	}
	if err := e.sendControl(to, network.NewAckMessage(to, ack)); err != nil {
		e.logger.Debug().Err(err).Str("message_id", messageID).Str("ack", string(ackType)).Msg("ack not sent")
	}
}

func (e *Engine) seenBefore(messageID string) bool {
	if e.seen.Contains(messageID) {
		return true
	}
	if e.opts.Seen == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.StoreTimeout)
	defer cancel()
	seen, err := e.opts.Seen.HasSeenID(ctx, messageID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("seen id lookup")
		return false
	}
	if seen {
		e.seen.Add(messageID, struct{}{})
	}
	return seen
}

func (e *Engine) markSeen(messageID string) {
	e.seen.Add(messageID, struct{}{})
	if e.opts.Seen == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.StoreTimeout)
	defer cancel()
	if err := e.opts.Seen.InsertSeenID(ctx, messageID, e.now().UnixMilli()); err != nil {
		e.logger.Warn().Err(err).Msg("record seen id")
	}
}

// MarkAsRead sends a read ack for a received message. Repeated calls send
// nothing.
func (e *Engine) MarkAsRead(messageID string) error {
	t, ok := e.lookup(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	var err error
	t.call(func() {
		in, ok := t.inbound[messageID]
		if !ok {
			err = ErrUnknownMessage
			return
		}
		if in.read {
			return
		}
		in.read = true
		e.ack(messageID, in.sender, models.AckRead)
	})
	return err
}

func (e *Engine) handleStored(in network.StoredMessage) {
	if in.Recipient != e.codec.Address() {
		return
	}
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.StoreTimeout)
		defer cancel()
		if _, err := e.FetchStored(ctx, in.ContentID); err != nil {
			e.logger.Warn().Err(err).Str("content_id", in.ContentID).Str("message_id", in.MessageID).Msg("fetch offline message")
		}
	})
}

// FetchStored pulls a message from the offline store and runs it through
// the inbound path. Store failures wrap storage.ErrOfflineStore; a message
// that fails verification is returned with the codec error.
func (e *Engine) FetchStored(ctx context.Context, contentID string) (models.Message, error) {
	data, err := e.opts.Store.Get(ctx, contentID)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := decodeRecord(data)
	if err != nil {
		return models.Message{}, err
	}
	if msg.ThreadID == "" {
		return msg, fmt.Errorf("%w: thread id is required", codec.ErrInvalidMessage)
	}
	t, err := e.threadFor(msg.ThreadID)
	if err != nil {
		return msg, err
	}
	var acceptErr error
	t.call(func() { acceptErr = e.accept(t, msg, "offline") })
	return msg, acceptErr
}

// handleGossip consumes a flooded message addressed to us, or floods it one
// hop further while the hop budget lasts.
func (e *Engine) handleGossip(in network.GossipMessage) {
	msg := in.Message
	if msg.Recipient == e.codec.Address() {
		e.receive(msg, "gossip")
		return
	}
	if in.Hops >= e.opts.MaxHops || msg.ID == "" {
		return
	}
	var fwd forwarder
	for _, tr := range e.transports {
		if f, ok := tr.(forwarder); ok {
			fwd = f
			break
		}
	}
	if fwd == nil {
		return
	}

	e.forwardMu.Lock()
	if e.forwarded.Contains(msg.ID) {
		e.forwardMu.Unlock()
		return
	}
	e.forwarded.Add(msg.ID, struct{}{})
	e.forwardMu.Unlock()

	e.spawn(func() {
		var checkErr error
		if err := e.pool.do(e.ctx, func() { checkErr = codec.Check(msg, e.now()) }); err != nil {
			return
		}
		if checkErr != nil {
			e.logger.Debug().Err(checkErr).Str("message_id", msg.ID).Msg("not forwarding invalid gossip")
			return
		}
		in.Hops++
		ctx, cancel := e.sendContext()
		defer cancel()
		if err := fwd.Forward(ctx, in, msg.Sender); err != nil {
			e.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("gossip forward")
			return
		}
		bump(&e.stats.forwarded, "forwarded")
	})
}
