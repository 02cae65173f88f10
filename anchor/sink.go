package anchor

import (
	"context"

	"github.com/rs/zerolog"

	"walletchat/models"
)

// Sink receives flushed batches.
type Sink interface {
	Anchor(ctx context.Context, batch models.Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch models.Batch) error

func (f SinkFunc) Anchor(ctx context.Context, batch models.Batch) error { return f(ctx, batch) }

// LogSink only logs batches.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Anchor(_ context.Context, batch models.Batch) error {
	s.Logger.Info().
		Str("batch_id", batch.BatchID).
		Str("merkle_root", batch.MerkleRoot).
		Int("messages", batch.MessageCount).
		Msg("batch ready for anchoring")
	return nil
}

// ChanSink forwards batches to a channel.
type ChanSink chan models.Batch

func (s ChanSink) Anchor(ctx context.Context, batch models.Batch) error {
	select {
	case s <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiSink hands each batch to every sink in order and stops at the first error.
type MultiSink []Sink

func (m MultiSink) Anchor(ctx context.Context, batch models.Batch) error {
	for _, sink := range m {
		if err := sink.Anchor(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
