// Package codec builds, validates, encrypts and signs chat messages.
package codec

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/sha256-simd"

	"walletchat/crypto"
	"walletchat/models"
)

const (
	// MaxTextLength bounds text plaintext, in characters.
	MaxTextLength = 500
	// MaxContentSize bounds any plaintext, in bytes.
	MaxContentSize = 4 * 1024 * 1024

	defaultTTL          = 7 * 24 * time.Hour
	defaultKeyTTL       = 24 * time.Hour
	defaultOpenKeyCache = 1024

	threadKeyInfoPrefix = "walletchat-thread-v1|"
)

// SequenceStore hands out per-thread sequence numbers that survive restarts.
type SequenceStore interface {
	NextSequence(ctx context.Context, sender, threadID string) (uint64, error)
}

// Options configures a Codec.
type Options struct {
	Identity  crypto.Identity
	Directory *Directory
	Clock     clock.Clock
	// Sequences persists sequence numbers. Without it they restart at 1
	// with every Codec.
	Sequences SequenceStore

	// DefaultTTL applies when Build is called with a zero ttl.
	DefaultTTL time.Duration
	// KeyTTL is how long a sender keeps one ephemeral key per thread.
	KeyTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Directory == nil {
		o.Directory = NewDirectory()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = defaultTTL
	}
	if o.KeyTTL <= 0 {
		o.KeyTTL = defaultKeyTTL
	}
	return o
}

// Draft is a message with its identity fixed but not yet encrypted or signed.
type Draft struct {
	ID          string
	ThreadID    string
	Sequence    uint64
	Recipient   string
	Content     []byte
	ContentType models.ContentType
	Timestamp   int64
	TTL         int64
}

type threadEpoch struct {
	ephemeral *ecdh.PrivateKey
	key       []byte
	createdAt time.Time
}

// Codec is bound to one local identity.
type Codec struct {
	identity  crypto.Identity
	x25519    *ecdh.PrivateKey
	directory *Directory
	clock     clock.Clock
	opts      Options

	mu        sync.Mutex
	sequences map[string]uint64
	epochs    map[string]threadEpoch

	openKeys *expirable.LRU[string, []byte]
}

// New creates a Codec for the given identity.
func New(opts Options) (*Codec, error) {
	opts = opts.withDefaults()
	if len(opts.Identity.PrivateKey) == 0 {
		return nil, errors.New("codec: identity is required")
	}
	x25519, err := crypto.X25519PrivateFromEd25519(opts.Identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	return &Codec{
		identity:  opts.Identity,
		x25519:    x25519,
		directory: opts.Directory,
		clock:     opts.Clock,
		opts:      opts,
		sequences: make(map[string]uint64),
		epochs:    make(map[string]threadEpoch),
		openKeys:  expirable.NewLRU[string, []byte](defaultOpenKeyCache, nil, opts.KeyTTL*2),
	}, nil
}

// Address returns the local wallet address.
func (c *Codec) Address() string { return c.identity.Address }

// Identity returns the local identity.
func (c *Codec) Identity() crypto.Identity { return c.identity }

// Directory returns the address book used to resolve recipients.
func (c *Codec) Directory() *Directory { return c.directory }

// Now returns the codec clock's current time.
func (c *Codec) Now() time.Time { return c.clock.Now() }

// Clock returns the clock the codec stamps and expires messages with.
func (c *Codec) Clock() clock.Clock { return c.clock }

// Build prepares, encrypts and signs a message in one step.
func (c *Codec) Build(threadID, recipient string, content []byte, contentType models.ContentType, ttl time.Duration) (models.Message, error) {
	draft, err := c.Prepare(threadID, recipient, content, contentType, ttl)
	if err != nil {
		return models.Message{}, err
	}
	return c.Seal(draft)
}

// Prepare is PrepareContext with a background context.
func (c *Codec) Prepare(threadID, recipient string, content []byte, contentType models.ContentType, ttl time.Duration) (Draft, error) {
	return c.PrepareContext(context.Background(), threadID, recipient, content, contentType, ttl)
}

// PrepareContext validates the plaintext and assigns id, timestamp and the
// next sequence number for the thread.
func (c *Codec) PrepareContext(ctx context.Context, threadID, recipient string, content []byte, contentType models.ContentType, ttl time.Duration) (Draft, error) {
	if threadID == "" {
		return Draft{}, fmt.Errorf("%w: thread id is required", ErrInvalidMessage)
	}
	if !crypto.ValidAddress(recipient) {
		return Draft{}, fmt.Errorf("%w: recipient %q is not a wallet address", ErrInvalidMessage, recipient)
	}
	if err := checkContent(content, contentType); err != nil {
		return Draft{}, err
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	seq, err := c.nextSequence(ctx, threadID)
	if err != nil {
		return Draft{}, err
	}

	return Draft{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Sequence:    seq,
		Recipient:   recipient,
		Content:     append([]byte(nil), content...),
		ContentType: contentType,
		Timestamp:   c.clock.Now().UnixMilli(),
		TTL:         int64(ttl / time.Second),
	}, nil
}

func (c *Codec) nextSequence(ctx context.Context, threadID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.Sequences == nil {
		c.sequences[threadID]++
		return c.sequences[threadID], nil
	}
	seq, err := c.opts.Sequences.NextSequence(ctx, c.identity.Address, threadID)
	if err != nil {
		return 0, fmt.Errorf("codec: assign sequence: %w", err)
	}
	return seq, nil
}

func checkContent(content []byte, contentType models.ContentType) error {
	if !contentType.Known() {
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidMessage, contentType)
	}
	if len(content) == 0 {
		return ErrEmptyContent
	}
	if len(content) > MaxContentSize {
		return fmt.Errorf("%w: %d bytes", ErrContentTooLong, len(content))
	}
	if contentType == models.ContentText {
		if !utf8.Valid(content) {
			return fmt.Errorf("%w: text is not valid utf-8", ErrInvalidMessage)
		}
		if n := utf8.RuneCount(content); n > MaxTextLength {
			return fmt.Errorf("%w: %d characters", ErrContentTooLong, n)
		}
	}
	return nil
}

// Seal encrypts the draft for its recipient and signs the result.
func (c *Codec) Seal(draft Draft) (models.Message, error) {
	epoch, err := c.threadKey(draft.ThreadID, draft.Recipient)
	if err != nil {
		return models.Message{}, err
	}

	ciphertext, nonce, err := crypto.Encrypt(epoch.key, draft.Content, []byte(draft.ID))
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	msg := models.Message{
		ID:            draft.ID,
		ThreadID:      draft.ThreadID,
		Sequence:      draft.Sequence,
		Sender:        c.identity.Address,
		Recipient:     draft.Recipient,
		Content:       base64.StdEncoding.EncodeToString(ciphertext),
		ContentType:   draft.ContentType,
		EncryptionKey: base64.StdEncoding.EncodeToString(epoch.ephemeral.PublicKey().Bytes()),
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		Timestamp:     draft.Timestamp,
		TTL:           draft.TTL,
		SenderKey:     crypto.EncodePublicKey(c.identity.PublicKey),
	}

	payload, err := SignableBytes(msg)
	if err != nil {
		return models.Message{}, err
	}
	signature, err := crypto.Sign(c.identity.PrivateKey, payload)
	if err != nil {
		return models.Message{}, fmt.Errorf("codec: sign message: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	msg.DeliveryStatus = models.StatusPending
	return msg, nil
}

// threadKey returns the current key epoch for (thread, recipient), rotating
// to a fresh ephemeral key once the epoch is older than KeyTTL.
func (c *Codec) threadKey(threadID, recipient string) (threadEpoch, error) {
	cacheKey := threadID + "|" + recipient
	now := c.clock.Now()

	c.mu.Lock()
	epoch, ok := c.epochs[cacheKey]
	c.mu.Unlock()
	if ok && now.Sub(epoch.createdAt) < c.opts.KeyTTL {
		return epoch, nil
	}

	recipientKey, ok := c.directory.Lookup(recipient)
	if !ok {
		return threadEpoch{}, fmt.Errorf("%w: %w: %s", ErrEncryption, ErrUnknownRecipient, recipient)
	}
	recipientX25519, err := crypto.X25519PublicFromEd25519(recipientKey)
	if err != nil {
		return threadEpoch{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	ephemeral, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return threadEpoch{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	shared, err := crypto.SharedSecret(ephemeral, recipientX25519)
	if err != nil {
		return threadEpoch{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	key, err := deriveThreadKey(shared, ephemeral.PublicKey().Bytes(), recipientX25519.Bytes(), threadID)
	if err != nil {
		return threadEpoch{}, err
	}

	epoch = threadEpoch{ephemeral: ephemeral, key: key, createdAt: now}
	c.mu.Lock()
	c.epochs[cacheKey] = epoch
	c.mu.Unlock()
	return epoch, nil
}

func deriveThreadKey(shared, ephemeralPub, recipientPub []byte, threadID string) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPub)+len(recipientPub))
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)
	key, err := crypto.DeriveKey(shared, salt, threadKeyInfoPrefix+threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return key, nil
}

// Open decrypts a message addressed to the local identity. It does not
// verify the signature; call Check first.
func (c *Codec) Open(msg models.Message) ([]byte, error) {
	if msg.Recipient != c.identity.Address {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, ErrNotRecipient)
	}

	cacheKey := msg.ThreadID + "|" + msg.EncryptionKey
	key, ok := c.openKeys.Get(cacheKey)
	if !ok {
		ephemeralRaw, err := base64.StdEncoding.DecodeString(msg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: decode encryption key: %w", ErrEncryption, err)
		}
		ephemeral, err := crypto.ParseX25519PublicKey(ephemeralRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
		}
		shared, err := crypto.SharedSecret(c.x25519, ephemeral)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
		}
		key, err = deriveThreadKey(shared, ephemeralRaw, c.x25519.PublicKey().Bytes(), msg.ThreadID)
		if err != nil {
			return nil, err
		}
		c.openKeys.Add(cacheKey, key)
	}

	nonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %w", ErrEncryption, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: decode content: %w", ErrEncryption, err)
	}
	plaintext, err := crypto.Decrypt(key, nonce, ciphertext, []byte(msg.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return plaintext, nil
}

// Check validates msg against the codec clock.
func (c *Codec) Check(msg models.Message) error {
	return Check(msg, c.clock.Now())
}

// Validate reports whether msg passes Check.
func (c *Codec) Validate(msg models.Message) bool {
	return c.Check(msg) == nil
}

// Check verifies structure, expiry and signature of msg at now. It needs no
// directory: the sender key travels with the message and must hash to the
// sender address.
func Check(msg models.Message, now time.Time) error {
	required := []struct {
		name  string
		value string
	}{
		{"id", msg.ID},
		{"threadId", msg.ThreadID},
		{"sender", msg.Sender},
		{"recipient", msg.Recipient},
		{"content", msg.Content},
		{"encryptionKey", msg.EncryptionKey},
		{"nonce", msg.Nonce},
		{"senderKey", msg.SenderKey},
		{"signature", msg.Signature},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidMessage, field.name)
		}
	}
	if msg.Sequence == 0 || msg.Timestamp <= 0 || msg.TTL <= 0 {
		return fmt.Errorf("%w: sequence, timestamp and ttl must be positive", ErrInvalidMessage)
	}
	if !msg.ContentType.Known() {
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidMessage, msg.ContentType)
	}
	if msg.ExpiredAt(now) {
		return ErrExpired
	}

	senderKey, err := crypto.DecodePublicKey(msg.SenderKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if crypto.AddressFromPublicKey(senderKey) != msg.Sender {
		return fmt.Errorf("%w: sender key does not match sender address", ErrInvalidSignature)
	}
	payload, err := SignableBytes(msg)
	if err != nil {
		return err
	}
	if !crypto.VerifyBase64(msg.SenderKey, payload, msg.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignableBytes returns the canonical JSON of every field covered by the signature.
func SignableBytes(msg models.Message) ([]byte, error) {
	payload, err := json.Marshal(msg.Signable())
	if err != nil {
		return nil, fmt.Errorf("codec: encode signable message: %w", err)
	}
	return payload, nil
}

// ContentHash is the SHA-256 of a message's signable bytes.
func ContentHash(msg models.Message) ([]byte, error) {
	payload, err := SignableBytes(msg)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	return sum[:], nil
}
