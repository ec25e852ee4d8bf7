package negotiator

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// pendingConnectionTTL is how long an unanswered offer stays resolvable. A
// peer that silently disappears mid-handshake must not leak the half-open
// negotiation forever.
const pendingConnectionTTL = 5 * time.Minute

// cleanupInterval is how often the stale sweep runs.
const cleanupInterval = time.Minute

// pendingConnection records one sent offer awaiting its answer.
type pendingConnection struct {
	connectionID string
	pc           *webrtc.PeerConnection
	channel      *dataChannel
	created      time.Time
}

func (p *pendingConnection) expired(now time.Time) bool {
	return now.Sub(p.created) > pendingConnectionTTL
}

// release closes the underlying transport resources of an abandoned
// negotiation.
func (p *pendingConnection) release() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.pc != nil {
		p.pc.Close()
	}
}

// pendingTable is the connectionId-keyed set of in-flight offers.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingConnection
	now     func() time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[string]*pendingConnection),
		now:     time.Now,
	}
}

func (t *pendingTable) add(pending *pendingConnection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pending.connectionID] = pending
}

// take consumes the pending connection for connectionID, at most once. An
// expired entry is released and reported as absent with expired set, so the
// caller can drop its own bookkeeping for the dead negotiation: the answer
// came too late and a fresh offer is the only way forward.
func (t *pendingTable) take(connectionID string) (pending *pendingConnection, ok, expired bool) {
	t.mu.Lock()
	pending, ok = t.entries[connectionID]
	if ok {
		delete(t.entries, connectionID)
	}
	t.mu.Unlock()

	if !ok {
		return nil, false, false
	}
	if pending.expired(t.now()) {
		pending.release()
		return nil, false, true
	}
	return pending, true, false
}

// get returns the pending connection without consuming it (trickle
// candidates need the PeerConnection while the answer is still in flight).
func (t *pendingTable) get(connectionID string) (*pendingConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending, ok := t.entries[connectionID]
	return pending, ok
}

// sweep discards every expired entry and returns their connectionIds so
// the caller can retire any per-connection state of its own.
func (t *pendingTable) sweep() []string {
	now := t.now()

	t.mu.Lock()
	var expired []*pendingConnection
	var removed []string
	for connectionID, pending := range t.entries {
		if pending.expired(now) {
			expired = append(expired, pending)
			removed = append(removed, connectionID)
			delete(t.entries, connectionID)
		}
	}
	t.mu.Unlock()

	for _, pending := range expired {
		pending.release()
	}
	return removed
}

// sweepAll releases every entry regardless of age. Used on shutdown.
func (t *pendingTable) sweepAll() {
	t.mu.Lock()
	entries := make([]*pendingConnection, 0, len(t.entries))
	for connectionID, pending := range t.entries {
		entries = append(entries, pending)
		delete(t.entries, connectionID)
	}
	t.mu.Unlock()

	for _, pending := range entries {
		pending.release()
	}
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
