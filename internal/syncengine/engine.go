// Package syncengine runs the per-peer sync protocol once a channel is
// open: device identity exchange, full vs incremental sync, last-write-wins
// merge, and re-broadcast of applied changes to other connected peers.
package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pagetrail/pagetrail-go/internal/history"
	"github.com/pagetrail/pagetrail-go/internal/protocol"
	"github.com/pagetrail/pagetrail-go/internal/registry"
)

// attachTimeout bounds the wait for a registered-but-not-yet-open channel.
// The answering side registers peers before their channel finishes opening.
const attachTimeout = time.Minute

// Engine converges this device's history with every connected peer. Each
// peer gets an independent goroutine driven from a single dispatch loop;
// flows share state only through the store and the registry.
type Engine struct {
	store      history.Store
	registry   *registry.Registry
	deviceInfo protocol.DeviceInfo
	logger     *slog.Logger

	// knownDevices tracks devices that have completed a sync with us
	// before; unknown requesters get a full_sync.
	knownMu      sync.Mutex
	knownDevices map[string]bool
}

func New(store history.Store, reg *registry.Registry, deviceInfo protocol.DeviceInfo, logger *slog.Logger) *Engine {
	return &Engine{
		store:        store,
		registry:     reg,
		deviceInfo:   deviceInfo,
		logger:       logger,
		knownDevices: make(map[string]bool),
	}
}

// Attach starts the sync protocol for a newly registered peer. Hook this
// into the registry: reg.OnAdd(engine.Attach).
func (e *Engine) Attach(peer *registry.Peer) {
	go e.run(peer)
}

func (e *Engine) run(peer *registry.Peer) {
	select {
	case <-peer.Channel.Ready():
	case <-peer.Channel.Done():
		return
	case <-time.After(attachTimeout):
		e.logger.Warn("channel never opened, abandoning sync", "peer", peer.ID)
		return
	}

	// Identity first, both directions, then ask for their set.
	if err := e.send(peer, protocol.NewDeviceInfoMessage(e.deviceInfo)); err != nil {
		e.logger.Error("sending device info failed", "peer", peer.ID, "error", err)
		return
	}
	if err := e.send(peer, protocol.NewSyncRequest()); err != nil {
		e.logger.Error("sending sync request failed", "peer", peer.ID, "error", err)
		return
	}

	for {
		select {
		case payload := <-peer.Channel.Messages():
			e.handle(context.Background(), peer, payload)
		case <-peer.Channel.Done():
			e.logger.Info("sync loop ended", "peer", peer.ID)
			return
		}
	}
}

// handle processes one inbound message. A malformed message is logged and
// dropped; it must not tear down an otherwise-healthy channel.
func (e *Engine) handle(ctx context.Context, peer *registry.Peer, payload []byte) {
	msg, err := protocol.DecodeSyncMessage(payload)
	if err != nil {
		e.logger.Warn("dropping malformed sync message", "peer", peer.ID, "error", err)
		return
	}

	switch msg := msg.(type) {
	case *protocol.DeviceInfoMessage:
		peer.SetDeviceInfo(msg.DeviceInfo)
		e.logger.Info("peer identified",
			"peer", peer.ID,
			"device", msg.DeviceInfo.DisplayName,
			"platform", msg.DeviceInfo.Platform,
		)

	case *protocol.SyncRequest:
		e.handleSyncRequest(ctx, peer)

	case *protocol.FullSync:
		e.applyEntries(ctx, peer, msg.Entries)

	case *protocol.IncrementalUpdate:
		e.applyEntries(ctx, peer, msg.Entries)

	case *protocol.Delete:
		e.applyDelete(ctx, peer, history.Tombstone{
			URL:       msg.URL,
			DeviceID:  msg.DeviceID,
			Timestamp: msg.Timestamp,
		})
	}
}

func (e *Engine) handleSyncRequest(ctx context.Context, peer *registry.Peer) {
	entries, err := e.store.List(ctx)
	if err != nil {
		e.logger.Error("listing entries failed", "error", err)
		return
	}

	deviceID := peer.DeviceInfo.DeviceID
	e.knownMu.Lock()
	known := deviceID != "" && e.knownDevices[deviceID]
	if deviceID != "" {
		e.knownDevices[deviceID] = true
	}
	e.knownMu.Unlock()

	// A device we have synced with before already holds most of the set;
	// the merge is idempotent either way, the message type just tells the
	// receiver what it is looking at.
	var reply protocol.SyncMessage
	if known {
		reply = protocol.NewIncrementalUpdate(entries)
	} else {
		reply = protocol.NewFullSync(entries)
	}
	if err := e.send(peer, reply); err != nil {
		e.logger.Error("replying to sync request failed", "peer", peer.ID, "error", err)
		return
	}
	e.markSynced(ctx, entries)
}

// applyEntries merges remote entries and re-broadcasts whatever actually
// changed local state to the other connected peers.
func (e *Engine) applyEntries(ctx context.Context, from *registry.Peer, entries []history.Entry) {
	if len(entries) == 0 {
		return
	}
	applied, err := e.store.Merge(ctx, entries)
	if err != nil {
		e.logger.Error("merging entries failed", "peer", from.ID, "error", err)
		return
	}
	if len(applied) == 0 {
		return
	}
	e.markSynced(ctx, applied)
	e.logger.Info("applied remote entries",
		"peer", from.ID,
		"received", len(entries),
		"applied", len(applied),
	)

	payload, err := protocol.EncodeSyncMessage(protocol.NewIncrementalUpdate(applied))
	if err != nil {
		e.logger.Error("encoding rebroadcast failed", "error", err)
		return
	}
	e.registry.Broadcast(payload, from.ID)
}

func (e *Engine) applyDelete(ctx context.Context, from *registry.Peer, tombstone history.Tombstone) {
	changed, err := e.store.ApplyDelete(ctx, tombstone)
	if err != nil {
		e.logger.Error("applying delete failed", "peer", from.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	e.logger.Info("applied delete", "peer", from.ID, "url", tombstone.URL)

	payload, err := protocol.EncodeSyncMessage(protocol.NewDelete(tombstone))
	if err != nil {
		e.logger.Error("encoding delete rebroadcast failed", "error", err)
		return
	}
	e.registry.Broadcast(payload, from.ID)
}

// PushLocal records locally captured entries and pushes them to every
// connected peer without waiting to be asked.
func (e *Engine) PushLocal(ctx context.Context, entries []history.Entry) error {
	applied, err := e.store.Merge(ctx, entries)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	payload, err := protocol.EncodeSyncMessage(protocol.NewIncrementalUpdate(applied))
	if err != nil {
		return err
	}
	e.registry.Broadcast(payload, "")
	e.markSynced(ctx, applied)
	return nil
}

// DeleteLocal tombstones an entry of this device and propagates the delete.
func (e *Engine) DeleteLocal(ctx context.Context, url string) error {
	tombstone := history.Tombstone{
		URL:       url,
		DeviceID:  e.deviceInfo.DeviceID,
		Timestamp: time.Now().UnixMilli(),
	}
	if _, err := e.store.ApplyDelete(ctx, tombstone); err != nil {
		return err
	}
	payload, err := protocol.EncodeSyncMessage(protocol.NewDelete(tombstone))
	if err != nil {
		return err
	}
	e.registry.Broadcast(payload, "")
	return nil
}

func (e *Engine) send(peer *registry.Peer, msg protocol.SyncMessage) error {
	payload, err := protocol.EncodeSyncMessage(msg)
	if err != nil {
		return err
	}
	return peer.Channel.Send(payload)
}

func (e *Engine) markSynced(ctx context.Context, entries []history.Entry) {
	if len(entries) == 0 {
		return
	}
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key()
	}
	if err := e.store.MarkSynced(ctx, keys); err != nil {
		e.logger.Warn("marking entries synced failed", "error", err)
	}
}
