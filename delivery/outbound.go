package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"walletchat/codec"
	"walletchat/metrics"
	"walletchat/models"
	"walletchat/network"
)

// SendMessage builds, encrypts and signs a message for recipient and hands
// it to the highest-priority transport that accepts it. It returns the
// message id once the message was handed off or, when no transport accepted
// it, scheduled for retry. Only build failures are returned as errors.
func (e *Engine) SendMessage(ctx context.Context, threadID, recipient string, content []byte, contentType models.ContentType) (string, error) {
	t, err := e.threadFor(threadID)
	if err != nil {
		return "", err
	}

	var id string
	t.call(func() {
		if e.ctx.Err() != nil {
			err = ErrStopped
			return
		}
		// Prepare runs on the actor so sequence order matches dispatch order.
		draft, prepErr := e.codec.PrepareContext(ctx, threadID, recipient, content, contentType, e.opts.MessageTTL)
		if prepErr != nil {
			err = prepErr
			return
		}
		var (
			msg     models.Message
			sealErr error
		)
		if poolErr := e.pool.do(ctx, func() { msg, sealErr = e.codec.Seal(draft) }); poolErr != nil {
			err = poolErr
			return
		}
		if sealErr != nil {
			err = sealErr
			return
		}

		o := &outbound{msg: msg, sentAt: e.now().UnixMilli()}
		t.outbound[msg.ID] = o
		e.remember(msg.ID, t.id)
		id = msg.ID
		e.attempt(t, o)
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("thread", threadID).Msg("build message")
		return "", err
	}
	return id, nil
}

// attempt dispatches o once and arms its single timer.
func (e *Engine) attempt(t *thread, o *outbound) {
	via, err := e.dispatch(o.msg)
	if err != nil {
		e.logger.Debug().Err(err).Str("message_id", o.msg.ID).Int("attempt", o.attempt).Msg("no transport accepted message")
		metrics.DeliveryEvents.WithLabelValues("send_failed").Inc()
	} else {
		o.via = via
		if !o.handedOff {
			o.handedOff = true
			bump(&e.stats.sent, "sent")
			e.batch(o.msg)
		}
	}
	e.arm(t, o, e.opts.retryDelay(o.attempt))
}

func (e *Engine) dispatch(msg models.Message) (string, error) {
	envelope := network.NewRelayMessage(msg)
	var errs error
	for _, tr := range e.transports {
		if !tr.Reachable(msg.Recipient) {
			continue
		}
		ctx, cancel := e.sendContext()
		err := tr.Send(ctx, msg.Recipient, envelope)
		cancel()
		if err == nil {
			return tr.Name(), nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", tr.Name(), err))
	}
	if errs == nil {
		return "", ErrNoRoute
	}
	return "", errs
}

// sendControl delivers an ack or offline pointer to peer over the first
// transport that takes it. Control envelopes are never gossiped.
func (e *Engine) sendControl(peer string, envelope any) error {
	var errs error
	for _, tr := range e.transports {
		if _, ok := tr.(forwarder); ok || !tr.Reachable(peer) {
			continue
		}
		ctx, cancel := e.sendContext()
		err := tr.Send(ctx, peer, envelope)
		cancel()
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", tr.Name(), err))
	}
	if errs == nil {
		return ErrNoRoute
	}
	return errs
}

// arm replaces the message timer. A timer that fires after being replaced
// is ignored through the generation check.
func (e *Engine) arm(t *thread, o *outbound, delay time.Duration) {
	e.disarm(o)
	gen := o.gen
	id := o.msg.ID
	o.timer = e.clock.AfterFunc(delay, func() {
		t.post(func() {
			if t.outbound[id] != o || o.gen != gen {
				return
			}
			o.timer = nil
			e.onTimeout(t, o)
		})
	})
}

func (e *Engine) disarm(o *outbound) {
	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (e *Engine) onTimeout(t *thread, o *outbound) {
	if e.ctx.Err() != nil || o.msg.DeliveryStatus.Terminal() {
		return
	}
	o.attempt++
	logger := e.logger.With().Str("message_id", o.msg.ID).Int("attempt", o.attempt).Logger()

	if o.msg.ExpiredAt(e.now()) {
		logger.Warn().Msg("message expired before delivery")
		bump(&e.stats.expired, "expired")
		e.fail(t, o, false)
		return
	}
	if o.attempt > e.opts.MaxRetries {
		logger.Warn().Msg("retries exhausted")
		e.fail(t, o, true)
		return
	}
	bump(&e.stats.retries, "retry")
	logger.Debug().Msg("retrying message")
	e.attempt(t, o)
}

// fail marks o failed and, when persist is set, hands it to the offline
// store. An expired message is not persisted: nobody may accept it anymore.
func (e *Engine) fail(t *thread, o *outbound, persist bool) {
	e.disarm(o)
	o.msg.DeliveryStatus = models.StatusFailed
	bump(&e.stats.failed, "failed")
	if persist {
		e.persist(t, o)
	}
}

func (e *Engine) persist(t *thread, o *outbound) {
	if o.storing || o.contentID != "" || o.storeErr != nil {
		return
	}
	o.storing = true
	msg := o.msg
	e.spawn(func() {
		contentID, err := e.put(msg)
		t.exec(func() { e.stored(o, contentID, err) })
	})
}

func (e *Engine) put(msg models.Message) (string, error) {
	data, err := encodeRecord(msg)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout)
	defer cancel()

	var contentID string
	started := time.Now()
	if poolErr := e.pool.do(ctx, func() { contentID, err = e.opts.Store.Put(ctx, data) }); poolErr != nil {
		return "", poolErr
	}
	metrics.OfflineStoreLatency.Observe(time.Since(started).Seconds())
	return contentID, err
}

// stored records the outcome of an offline put and tells the recipient
// where to pull the message from.
func (e *Engine) stored(o *outbound, contentID string, err error) {
	o.storing = false
	if err != nil {
		o.storeErr = err
		bump(&e.stats.storeFailures, "store_failed")
		e.logger.Error().Err(err).Str("message_id", o.msg.ID).Msg("offline store put failed")
		return
	}
	o.contentID = contentID
	o.storeErr = nil
	bump(&e.stats.stored, "stored")
	e.logger.Info().Str("message_id", o.msg.ID).Str("content_id", contentID).Msg("message moved to offline store")

	pointer := network.StoredMessage{
		Type:      network.TypeStored,
		MessageID: o.msg.ID,
		ContentID: contentID,
		Recipient: o.msg.Recipient,
		Sender:    o.msg.Sender,
	}
	if err := e.sendControl(o.msg.Recipient, pointer); err != nil {
		e.logger.Warn().Err(err).Str("message_id", o.msg.ID).Msg("offline pointer not sent")
	}
}

// StoredContentID returns the offline store id of a failed message.
func (e *Engine) StoredContentID(messageID string) (string, bool) {
	t, ok := e.lookup(messageID)
	if !ok {
		return "", false
	}
	var contentID string
	t.call(func() {
		if o, ok := t.outbound[messageID]; ok {
			contentID = o.contentID
		}
	})
	return contentID, contentID != ""
}

// RetryOfflineStore repeats a failed offline put. It returns the existing
// content id when the message is already stored.
func (e *Engine) RetryOfflineStore(ctx context.Context, messageID string) (string, error) {
	t, ok := e.lookup(messageID)
	if !ok {
		return "", ErrUnknownMessage
	}

	var (
		o         *outbound
		contentID string
		err       error
	)
	t.call(func() {
		o = t.outbound[messageID]
		switch {
		case o == nil:
			err = ErrUnknownMessage
		case o.contentID != "":
			contentID = o.contentID
		case o.storing:
			err = ErrStoreInFlight
		case o.msg.DeliveryStatus != models.StatusFailed:
			err = fmt.Errorf("delivery: message %s is %s, not failed", messageID, o.msg.DeliveryStatus)
		default:
			o.storing = true
		}
	})
	if err != nil || contentID != "" {
		return contentID, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		t.call(func() { o.storing = false })
		return "", ctxErr
	}
	contentID, err = e.put(o.msg)
	t.call(func() { e.stored(o, contentID, err) })
	if err != nil {
		return "", err
	}
	return contentID, nil
}

func (e *Engine) batch(msg models.Message) {
	hash, err := codec.ContentHash(msg)
	if err != nil {
		e.logger.Error().Err(err).Str("message_id", msg.ID).Msg("hash message for batch")
		return
	}
	if err := e.batcher.Add(msg.ID, hash); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn().Err(err).Msg("anchor batch")
	}
}

// handleAck verifies an ack off the connection goroutine and applies it on
// the message's thread.
func (e *Engine) handleAck(in network.AckMessage) {
	ack := in.Ack
	e.spawn(func() {
		var verifyErr error
		if err := e.pool.do(e.ctx, func() { verifyErr = codec.VerifyAck(ack) }); err != nil {
			return
		}
		if verifyErr != nil {
			e.logger.Warn().Err(verifyErr).Str("message_id", ack.MessageID).Msg("dropping ack")
			metrics.DeliveryEvents.WithLabelValues("ack_rejected").Inc()
			return
		}
		t, ok := e.lookup(ack.MessageID)
		if !ok {
			return
		}
		t.post(func() { e.applyAck(t, ack) })
	})
}

func (e *Engine) applyAck(t *thread, ack models.Ack) {
	o, ok := t.outbound[ack.MessageID]
	if !ok {
		return
	}
	// Only the recipient itself can confirm delivery or reading.
	if ack.Type != models.AckQueued && ack.NodeID != o.msg.Recipient {
		e.logger.Warn().Str("message_id", ack.MessageID).Str("node", ack.NodeID).Msg("ack from a node other than the recipient")
		return
	}
	if o.msg.HasAck(ack) {
		return
	}
	o.msg.Acks = append(o.msg.Acks, ack)

	prev := o.msg.DeliveryStatus
	next := ack.Type.Status()
	if !prev.CanAdvanceTo(next) {
		return
	}
	o.msg.DeliveryStatus = next
	if next == models.StatusQueued {
		return
	}

	e.disarm(o)
	if prev != models.StatusDelivered {
		bump(&e.stats.delivered, "delivered")
		elapsed := e.now().UnixMilli() - o.sentAt
		metrics.DeliveryLatency.Observe(float64(elapsed) / 1000)
	}
	if next == models.StatusRead {
		bump(&e.stats.read, "read")
	}
}
