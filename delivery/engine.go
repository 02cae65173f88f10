// Package delivery sends, acknowledges, retries and batches chat messages
// over whatever transports are available.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"walletchat/anchor"
	"walletchat/codec"
	"walletchat/models"
)

var (
	ErrNotStarted     = errors.New("delivery: engine not started")
	ErrStopped        = errors.New("delivery: engine stopped")
	ErrUnknownMessage = errors.New("delivery: unknown message")
	// ErrFinal is returned when cancelling a message that already reached a
	// terminal status.
	ErrFinal = errors.New("delivery: message already in a final state")
	// ErrStoreInFlight is returned while an offline store put is running.
	ErrStoreInFlight = errors.New("delivery: offline store put in progress")
)

// Received is a decrypted inbound message.
type Received struct {
	Message models.Message
	Content []byte
	// Via names the transport the message arrived on.
	Via string
}

// MessageHandler consumes received messages. Handlers for one thread run
// one at a time, in arrival order.
type MessageHandler func(Received)

// SeenStore persists received message ids.
type SeenStore interface {
	HasSeenID(ctx context.Context, messageID string) (bool, error)
	InsertSeenID(ctx context.Context, messageID string, receivedAt int64) error
}

// Engine owns the lifecycle of every message this node sends or receives.
type Engine struct {
	opts       Options
	codec      *codec.Codec
	transports []Transport
	clock      clock.Clock
	logger     zerolog.Logger

	batcher   *anchor.Batcher
	pool      *pool
	stats     counters
	seen      *expirable.LRU[string, struct{}]
	forwardMu sync.Mutex
	forwarded *expirable.LRU[string, struct{}]

	handlerMu sync.RWMutex
	handlers  map[string]MessageHandler
	fallback  MessageHandler

	mu      sync.Mutex
	threads map[string]*thread
	index   map[string]string
	started bool
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	actors   sync.WaitGroup
	bg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New validates options and returns an engine that is not yet started.
func New(options Options) (*Engine, error) {
	opts, err := options.withDefaults()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With().Str("component", "delivery").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		opts:       opts,
		codec:      opts.Codec,
		transports: orderTransports(opts.Transports),
		clock:      opts.Clock,
		logger:     logger,
		batcher: anchor.NewBatcher(anchor.BatcherOptions{
			Size:    opts.BatchSize,
			Timeout: opts.BatchTimeout,
			Sender:  opts.Codec.Address(),
			Sink:    opts.Sink,
			Clock:   opts.Clock,
			Logger:  logger,
		}),
		pool:      newPool(opts.Workers),
		seen:      expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupTTL),
		forwarded: expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupTTL),
		handlers:  make(map[string]MessageHandler),
		threads:   make(map[string]*thread),
		index:     make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start makes the engine accept sends and inbound envelopes. Calling it
// again is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if !e.started {
		e.started = true
		e.logger.Info().Str("address", e.codec.Address()).Int("transports", len(e.transports)).Msg("delivery engine started")
	}
	return nil
}

// Stop cancels every timer, flushes the pending batch and waits for
// background work. It is idempotent.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		threads := make([]*thread, 0, len(e.threads))
		for _, t := range e.threads {
			threads = append(threads, t)
		}
		e.mu.Unlock()

		e.cancel()
		e.actors.Wait()
		for _, t := range threads {
			t.mu.Lock()
			for _, o := range t.outbound {
				e.disarm(o)
			}
			t.mu.Unlock()
		}
		e.bg.Wait()

		var err error
		for _, t := range threads {
			t.mu.Lock()
			for id, o := range t.outbound {
				if o.storeErr != nil && o.contentID == "" {
					err = multierr.Append(err, fmt.Errorf("delivery: message %s not persisted: %w", id, o.storeErr))
				}
			}
			t.mu.Unlock()
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout)
		defer cancel()
		err = multierr.Append(err, e.batcher.Stop(ctx))
		e.stopErr = err
		e.logger.Info().Msg("delivery engine stopped")
	})
	return e.stopErr
}

// RegisterMessageHandler routes messages of threadID to handler. A nil
// handler removes the registration.
func (e *Engine) RegisterMessageHandler(threadID string, handler MessageHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	if handler == nil {
		delete(e.handlers, threadID)
		return
	}
	e.handlers[threadID] = handler
}

// SetDefaultHandler receives messages of threads without a handler.
func (e *Engine) SetDefaultHandler(handler MessageHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.fallback = handler
}

func (e *Engine) handlerFor(threadID string) MessageHandler {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	if h, ok := e.handlers[threadID]; ok {
		return h
	}
	return e.fallback
}

// GetStats returns a snapshot of the engine counters.
func (e *Engine) GetStats() Stats {
	stats := e.stats.snapshot()
	stats.Batches = e.batcher.Flushed()
	return stats
}

// GetMessageStatus reports the delivery status of an outbound message. For a
// received message it reports delivered, or read once MarkAsRead was called.
func (e *Engine) GetMessageStatus(messageID string) (models.DeliveryStatus, bool) {
	t, ok := e.lookup(messageID)
	if !ok {
		return "", false
	}
	var (
		status models.DeliveryStatus
		found  bool
	)
	t.call(func() {
		if o, ok := t.outbound[messageID]; ok {
			status, found = o.msg.DeliveryStatus, true
			return
		}
		if in, ok := t.inbound[messageID]; ok {
			status, found = models.StatusDelivered, true
			if in.read {
				status = models.StatusRead
			}
		}
	})
	return status, found
}

// Message returns a copy of an outbound message with its acks.
func (e *Engine) Message(messageID string) (models.Message, bool) {
	t, ok := e.lookup(messageID)
	if !ok {
		return models.Message{}, false
	}
	var (
		msg   models.Message
		found bool
	)
	t.call(func() {
		if o, ok := t.outbound[messageID]; ok {
			msg, found = o.msg, true
			msg.Acks = append([]models.Ack(nil), o.msg.Acks...)
		}
	})
	return msg, found
}

// Cancel stops retries for a message that has not reached a final status.
// Acks that arrive later are still recorded.
func (e *Engine) Cancel(messageID string) error {
	t, ok := e.lookup(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	var err error
	t.call(func() {
		o, ok := t.outbound[messageID]
		if !ok {
			err = ErrUnknownMessage
			return
		}
		if o.msg.DeliveryStatus.Terminal() {
			err = ErrFinal
			return
		}
		e.disarm(o)
		o.msg.DeliveryStatus = models.StatusCancelled
		bump(&e.stats.cancelled, "cancelled")
	})
	return err
}

func (e *Engine) threadFor(threadID string) (*thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrStopped
	}
	if !e.started {
		return nil, ErrNotStarted
	}
	t, ok := e.threads[threadID]
	if !ok {
		t = newThread(threadID, e.opts.MailboxSize)
		e.threads[threadID] = t
		e.actors.Add(1)
		go func() {
			defer e.actors.Done()
			t.run(e.ctx)
		}()
	}
	return t, nil
}

func (e *Engine) lookup(messageID string) (*thread, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	threadID, ok := e.index[messageID]
	if !ok {
		return nil, false
	}
	t, ok := e.threads[threadID]
	return t, ok
}

func (e *Engine) remember(messageID, threadID string) {
	e.mu.Lock()
	e.index[messageID] = threadID
	e.mu.Unlock()
}

// spawn runs fn on a goroutine that Stop waits for.
func (e *Engine) spawn(fn func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.bg.Done()
		fn()
	}()
}

func (e *Engine) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.opts.SendTimeout)
}

func (e *Engine) now() time.Time { return e.clock.Now() }
