package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"walletchat/crypto"
	"walletchat/models"
)

// SignAck issues an ack of the given type for messageID from the local identity.
func (c *Codec) SignAck(messageID string, ackType models.AckType) (models.Ack, error) {
	return SignAck(c.identity, messageID, ackType, c.clock.Now().UnixMilli())
}

// SignAck issues an ack signed by identity.
func SignAck(identity crypto.Identity, messageID string, ackType models.AckType, timestamp int64) (models.Ack, error) {
	if !ackType.Valid() {
		return models.Ack{}, fmt.Errorf("%w: unknown type %q", ErrInvalidAck, ackType)
	}
	if messageID == "" {
		return models.Ack{}, fmt.Errorf("%w: message id is required", ErrInvalidAck)
	}

	ack := models.Ack{
		Type:      ackType,
		MessageID: messageID,
		NodeID:    identity.Address,
		NodeKey:   crypto.EncodePublicKey(identity.PublicKey),
		Timestamp: timestamp,
	}
	payload, err := ackSignable(ack)
	if err != nil {
		return models.Ack{}, err
	}
	signature, err := crypto.Sign(identity.PrivateKey, payload)
	if err != nil {
		return models.Ack{}, fmt.Errorf("codec: sign ack: %w", err)
	}
	ack.Signature = base64.StdEncoding.EncodeToString(signature)
	return ack, nil
}

// VerifyAck checks that ack was signed by the node it names.
func VerifyAck(ack models.Ack) error {
	if !ack.Type.Valid() || ack.MessageID == "" || ack.NodeID == "" || ack.Signature == "" {
		return fmt.Errorf("%w: missing fields", ErrInvalidAck)
	}
	nodeKey, err := crypto.DecodePublicKey(ack.NodeKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAck, err)
	}
	if crypto.AddressFromPublicKey(nodeKey) != ack.NodeID {
		return fmt.Errorf("%w: node key does not match node id", ErrInvalidAck)
	}
	payload, err := ackSignable(ack)
	if err != nil {
		return err
	}
	if !crypto.VerifyBase64(ack.NodeKey, payload, ack.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidAck)
	}
	return nil
}

func ackSignable(ack models.Ack) ([]byte, error) {
	ack.Signature = ""
	payload, err := json.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("codec: encode ack: %w", err)
	}
	return payload, nil
}
