package codec

import "errors"

var (
	// ErrEncryption marks every failure to encrypt or decrypt. Callers must
	// not fall back to plaintext.
	ErrEncryption = errors.New("codec: encryption failed")
	// ErrUnknownRecipient is returned when no public key is known for a recipient.
	ErrUnknownRecipient = errors.New("codec: unknown recipient")
	// ErrNotRecipient is returned when opening a message addressed to another node.
	ErrNotRecipient = errors.New("codec: message is addressed to another node")

	ErrInvalidMessage   = errors.New("codec: invalid message")
	ErrExpired          = errors.New("codec: message expired")
	ErrInvalidSignature = errors.New("codec: invalid signature")
	ErrInvalidAck       = errors.New("codec: invalid ack")
	ErrEmptyContent     = errors.New("codec: content is empty")
	ErrContentTooLong   = errors.New("codec: content too long")
)
