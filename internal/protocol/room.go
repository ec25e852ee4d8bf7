package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// relayAuthContext is the derivation context for the relay authentication
// key. Versioned so a future derivation change cannot collide with v1 keys.
const relayAuthContext = "pagetrail-relay-auth-v1"

// DeriveRoomID maps a room secret to its room identifier. The mapping is
// one-way: the relay (and anyone watching signaling traffic) sees only the
// room ID, never the secret.
func DeriveRoomID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:16]
}

// DeriveAuthKey derives the per-room HMAC key used to authenticate relay
// envelopes. Derived rather than the raw secret so the relay can store and
// verify it without ever holding the secret that also signs bundles.
func DeriveAuthKey(secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(relayAuthContext))
	return mac.Sum(nil)
}

// NewPeerID generates a peer identifier embedding a room-derived prefix,
// so ids from different rooms are distinguishable at a glance in logs.
func NewPeerID(roomID string) string {
	prefix := roomID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "-" + uuid.New().String()
}

// SignData computes the hex HMAC-SHA256 of data under key.
func SignData(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyData checks a hex HMAC against data using constant-time comparison.
// A malformed hex signature verifies as false, never errors.
func VerifyData(data []byte, signature string, key []byte) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}
