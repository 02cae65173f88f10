package anchor

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"walletchat/models"
)

const (
	defaultBatchSize    = 50
	defaultBatchTimeout = 30 * time.Second
	defaultSinkTimeout  = 10 * time.Second
)

// ErrBatcherStopped is returned by Add after Stop.
var ErrBatcherStopped = errors.New("anchor: batcher stopped")

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	Size        int
	Timeout     time.Duration
	SinkTimeout time.Duration
	Sender      string
	Sink        Sink
	Clock       clock.Clock
	Logger      zerolog.Logger
}

func (o BatcherOptions) withDefaults() BatcherOptions {
	if o.Size <= 0 {
		o.Size = defaultBatchSize
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultBatchTimeout
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = defaultSinkTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Sink == nil {
		o.Sink = LogSink{Logger: o.Logger}
	}
	return o
}

type batchEntry struct {
	messageID string
	hash      []byte
}

// Batcher accumulates content hashes and emits one Batch per flush, either
// when Size entries are pending or Timeout after the first pending entry.
type Batcher struct {
	opts BatcherOptions

	flushMu sync.Mutex

	mu      sync.Mutex
	pending []batchEntry
	timer   *clock.Timer
	gen     uint64
	stopped bool

	flushed atomic.Uint64
}

// NewBatcher creates a batcher.
func NewBatcher(opts BatcherOptions) *Batcher {
	return &Batcher{opts: opts.withDefaults()}
}

// Add appends a dispatched message to the current batch.
func (b *Batcher) Add(messageID string, contentHash []byte) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBatcherStopped
	}
	b.pending = append(b.pending, batchEntry{messageID: messageID, hash: append([]byte(nil), contentHash...)})
	full := len(b.pending) >= b.opts.Size
	if len(b.pending) == 1 && !full {
		gen := b.gen
		b.timer = b.opts.Clock.AfterFunc(b.opts.Timeout, func() { b.onTimeout(gen) })
	}
	b.mu.Unlock()

	if full {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.SinkTimeout)
		defer cancel()
		return b.Flush(ctx)
	}
	return nil
}

func (b *Batcher) onTimeout(gen uint64) {
	b.mu.Lock()
	stale := gen != b.gen
	b.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SinkTimeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		b.opts.Logger.Warn().Err(err).Msg("timed batch flush failed")
	}
}

// Flush emits the pending entries as one batch. It is a no-op when nothing
// is pending.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	entries := b.pending
	b.pending = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	batch := b.build(entries)
	if err := b.opts.Sink.Anchor(ctx, batch); err != nil {
		return err
	}
	b.flushed.Add(1)
	return nil
}

func (b *Batcher) build(entries []batchEntry) models.Batch {
	hashes := make([][]byte, len(entries))
	ids := make([]string, len(entries))
	leaves := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.hash
		ids[i] = e.messageID
		leaves[i] = hex.EncodeToString(e.hash)
	}
	return models.Batch{
		BatchID:      uuid.NewString(),
		MerkleRoot:   hex.EncodeToString(MerkleRoot(hashes)),
		MessageCount: len(entries),
		Timestamp:    b.opts.Clock.Now().UnixMilli(),
		Sender:       b.opts.Sender,
		MessageIDs:   ids,
		LeafHashes:   leaves,
	}
}

// Pending returns the number of entries waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flushed returns how many batches reached the sink.
func (b *Batcher) Flushed() uint64 { return b.flushed.Load() }

// Stop flushes whatever is pending and rejects further entries.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	return b.Flush(ctx)
}
