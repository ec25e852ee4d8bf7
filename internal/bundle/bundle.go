package bundle

import (
	"encoding/json"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

// Version is the canonicalization version. It pins which fields are
// covered by the signature: v1 signs the declared field set below, in
// declaration order, and never signs unknown extras.
const Version = "1.0"

// Type discriminates the two bundle kinds.
type Type string

const (
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
)

// ICECandidate is an opaque network-reachability descriptor. The fields
// mirror the transport's candidate JSON so the bundle can carry it without
// interpreting it.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Bundle is one signed connection-negotiation message. Bundles are
// write-once: once signed they are never mutated; regenerate and re-sign
// rather than patch.
type Bundle struct {
	Version       string              `json:"version"`
	Type          Type                `json:"type"`
	ConnectionID  string              `json:"connectionId"`
	PeerID        string              `json:"peerId"`
	DeviceInfo    protocol.DeviceInfo `json:"deviceInfo"`
	Timestamp     string              `json:"timestamp"`
	SDP           string              `json:"sdp"`
	ICECandidates []ICECandidate      `json:"iceCandidates"`
	SharedSecret  string              `json:"sharedSecret,omitempty"`
	Signature     string              `json:"signature,omitempty"`

	// Extra holds unknown fields seen on the wire. They survive a
	// decode/encode round-trip but are never part of the signature.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields is the v1 signed field set plus the signature itself.
var knownFields = map[string]bool{
	"version":       true,
	"type":          true,
	"connectionId":  true,
	"peerId":        true,
	"deviceInfo":    true,
	"timestamp":     true,
	"sdp":           true,
	"iceCandidates": true,
	"sharedSecret":  true,
	"signature":     true,
}

// bundleAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type bundleAlias Bundle

func (b Bundle) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(bundleAlias(b))
	if err != nil {
		return nil, err
	}
	if len(b.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range b.Extra {
		if !knownFields[key] {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

func (b *Bundle) UnmarshalJSON(data []byte) error {
	var alias bundleAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownFields[key] {
			delete(raw, key)
		}
	}
	*b = Bundle(alias)
	if len(raw) > 0 {
		b.Extra = raw
	}
	return nil
}
