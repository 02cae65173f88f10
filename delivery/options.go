package delivery

import (
	"errors"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"walletchat/anchor"
	"walletchat/codec"
	"walletchat/storage"
)

const (
	defaultMaxRetries   = 5
	defaultRetryBase    = 2 * time.Second
	defaultRetryMax     = time.Minute
	defaultSendTimeout  = 10 * time.Second
	defaultStoreTimeout = 15 * time.Second
	defaultMailboxSize  = 128
	defaultDedupSize    = 10000
	defaultDedupTTL     = 24 * time.Hour
	defaultMaxHops      = 2
)

// Options configures an Engine.
type Options struct {
	Codec *codec.Codec
	// Transports are tried in priority order: direct, relay, gossip, then
	// anything else in the order given.
	Transports []Transport
	Store      storage.OfflineStore
	// Seen optionally persists received ids so duplicates are recognised
	// across restarts.
	Seen SeenStore
	Sink anchor.Sink

	BatchSize    int
	BatchTimeout time.Duration

	// MessageTTL is stamped on outbound messages; zero uses the codec default.
	MessageTTL time.Duration

	MaxRetries   int
	RetryBase    time.Duration
	RetryMax     time.Duration
	SendTimeout  time.Duration
	StoreTimeout time.Duration

	// Workers bounds concurrent encryption, decryption, verification and
	// offline store puts.
	Workers     int
	MailboxSize int
	DedupSize   int
	DedupTTL    time.Duration
	MaxHops     int

	Clock  clock.Clock
	Logger zerolog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Codec == nil {
		return o, errors.New("delivery: codec is required")
	}
	if o.Store == nil {
		return o, errors.New("delivery: offline store is required")
	}
	if o.MaxRetries < 0 {
		return o, errors.New("delivery: max retries must be >= 0")
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaultMailboxSize
	}
	if o.DedupSize <= 0 {
		o.DedupSize = defaultDedupSize
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
	if o.MaxHops <= 0 {
		o.MaxHops = defaultMaxHops
	}
	if o.Clock == nil {
		o.Clock = o.Codec.Clock()
	}
	return o, nil
}

// retryDelay is min(base * 2^attempt, max).
func (o Options) retryDelay(attempt int) time.Duration {
	delay := o.RetryBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= o.RetryMax || delay <= 0 {
			return o.RetryMax
		}
	}
	if delay > o.RetryMax {
		return o.RetryMax
	}
	return delay
}
