package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the authenticated wrapper around every relay wire message:
// {"data": {...}, "hmac": "<hex sha256 hmac of data>"}. The HMAC covers the
// raw data bytes exactly as transmitted.
type Envelope struct {
	Data json.RawMessage `json:"data"`
	HMAC string          `json:"hmac"`
}

// Seal marshals msg, signs it under key, and returns the encoded envelope.
func Seal(msg RelayMessage, key []byte) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling relay message: %w", err)
	}
	envelope := Envelope{
		Data: data,
		HMAC: SignData(data, key),
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return encoded, nil
}

// Open parses an encoded envelope without verifying it. Verification is a
// separate step because the relay must read the join message to learn which
// room's key to verify against.
func Open(encoded []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(encoded, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(envelope.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data field", ErrMalformedMessage)
	}
	return &envelope, nil
}

// Verify checks the envelope HMAC under key using constant-time comparison.
func (e *Envelope) Verify(key []byte) bool {
	return VerifyData(e.Data, e.HMAC, key)
}
