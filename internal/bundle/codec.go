// Package bundle implements the connection-bundle codec: canonical
// encoding, base64 transport framing, and HMAC-SHA256 signing. The codec is
// pure and stateless; its correctness is what admits peers to a room in
// both relayed and manual negotiation, so signature verification is
// constant-time and decode never trusts a field before Verify passes.
package bundle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

// Encode canonicalizes the bundle and base64-encodes it for transport.
// Decode(Encode(b)) reproduces b exactly, unknown extras included.
func Encode(b *Bundle) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshaling bundle: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a transport encoding back into a bundle. Returns
// protocol.ErrMalformedBundle for invalid base64, invalid JSON, a missing
// required field, or an unsupported version.
func Decode(encoded string) (*Bundle, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", protocol.ErrMalformedBundle, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", protocol.ErrMalformedBundle, err)
	}
	if err := validate(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func validate(b *Bundle) error {
	if b.Version != Version {
		return fmt.Errorf("%w: unsupported version %q", protocol.ErrMalformedBundle, b.Version)
	}
	if b.Type != TypeOffer && b.Type != TypeAnswer {
		return fmt.Errorf("%w: unknown type %q", protocol.ErrMalformedBundle, b.Type)
	}
	if b.ConnectionID == "" {
		return fmt.Errorf("%w: missing connectionId", protocol.ErrMalformedBundle)
	}
	if b.PeerID == "" {
		return fmt.Errorf("%w: missing peerId", protocol.ErrMalformedBundle)
	}
	if b.SDP == "" {
		return fmt.Errorf("%w: missing sdp", protocol.ErrMalformedBundle)
	}
	return nil
}

// canonical returns the byte sequence the signature covers: the known
// fields in declaration order, signature and extras excluded.
func canonical(b *Bundle) ([]byte, error) {
	unsigned := *b
	unsigned.Signature = ""
	unsigned.Extra = nil
	data, err := json.Marshal(bundleAlias(unsigned))
	if err != nil {
		return nil, fmt.Errorf("canonicalizing bundle: %w", err)
	}
	return data, nil
}

// Sign returns a copy of b carrying the HMAC-SHA256 of its canonical
// encoding under secret. Deterministic for identical inputs.
func Sign(b *Bundle, secret string) (*Bundle, error) {
	data, err := canonical(b)
	if err != nil {
		return nil, err
	}
	signed := *b
	signed.Signature = protocol.SignData(data, []byte(secret))
	return &signed, nil
}

// Verify recomputes the canonical HMAC and compares in constant time. A
// bundle with no signature verifies as false, never errors.
func Verify(b *Bundle, secret string) bool {
	if b.Signature == "" {
		return false
	}
	data, err := canonical(b)
	if err != nil {
		return false
	}
	return protocol.VerifyData(data, b.Signature, []byte(secret))
}
