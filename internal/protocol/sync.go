package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pagetrail/pagetrail-go/internal/history"
)

// SyncMessageType discriminates data-channel messages.
type SyncMessageType string

const (
	TypeDeviceInfo        SyncMessageType = "device_info"
	TypeSyncRequest       SyncMessageType = "sync_request"
	TypeFullSync          SyncMessageType = "full_sync"
	TypeIncrementalUpdate SyncMessageType = "incremental_update"
	TypeDelete            SyncMessageType = "delete"
)

// SyncMessage is the closed set of messages exchanged over an open data
// channel.
type SyncMessage interface {
	syncType() SyncMessageType
}

// DeviceInfoMessage is sent by both sides immediately after the channel
// opens; it tags all later entries from that peer with provenance.
type DeviceInfoMessage struct {
	Type       SyncMessageType `json:"type"`
	DeviceInfo DeviceInfo      `json:"deviceInfo"`
}

// SyncRequest asks the receiver for its complete current set.
type SyncRequest struct {
	Type SyncMessageType `json:"type"`
}

// FullSync is the complete current set, sent in reply to a SyncRequest.
type FullSync struct {
	Type    SyncMessageType `json:"type"`
	Entries []history.Entry `json:"entries"`
}

// IncrementalUpdate pushes newly accumulated entries without being asked.
type IncrementalUpdate struct {
	Type    SyncMessageType `json:"type"`
	Entries []history.Entry `json:"entries"`
}

// Delete propagates an explicit tombstone.
type Delete struct {
	Type      SyncMessageType `json:"type"`
	URL       string          `json:"url"`
	DeviceID  string          `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
}

func (*DeviceInfoMessage) syncType() SyncMessageType { return TypeDeviceInfo }
func (*SyncRequest) syncType() SyncMessageType       { return TypeSyncRequest }
func (*FullSync) syncType() SyncMessageType          { return TypeFullSync }
func (*IncrementalUpdate) syncType() SyncMessageType { return TypeIncrementalUpdate }
func (*Delete) syncType() SyncMessageType            { return TypeDelete }

func NewDeviceInfoMessage(info DeviceInfo) *DeviceInfoMessage {
	return &DeviceInfoMessage{Type: TypeDeviceInfo, DeviceInfo: info}
}

func NewSyncRequest() *SyncRequest {
	return &SyncRequest{Type: TypeSyncRequest}
}

func NewFullSync(entries []history.Entry) *FullSync {
	return &FullSync{Type: TypeFullSync, Entries: entries}
}

func NewIncrementalUpdate(entries []history.Entry) *IncrementalUpdate {
	return &IncrementalUpdate{Type: TypeIncrementalUpdate, Entries: entries}
}

func NewDelete(tombstone history.Tombstone) *Delete {
	return &Delete{Type: TypeDelete, URL: tombstone.URL, DeviceID: tombstone.DeviceID, Timestamp: tombstone.Timestamp}
}

// EncodeSyncMessage marshals a sync message for the data channel.
func EncodeSyncMessage(msg SyncMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling sync message: %w", err)
	}
	return data, nil
}

// DecodeSyncMessage parses a data-channel message into its concrete variant.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var header struct {
		Type SyncMessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg SyncMessage
	switch header.Type {
	case TypeDeviceInfo:
		msg = &DeviceInfoMessage{}
	case TypeSyncRequest:
		msg = &SyncRequest{}
	case TypeFullSync:
		msg = &FullSync{}
	case TypeIncrementalUpdate:
		msg = &IncrementalUpdate{}
	case TypeDelete:
		msg = &Delete{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, header.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}
