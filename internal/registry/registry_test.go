package registry

import (
	"sync"
	"testing"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

// fakeChannel records sends and close ordering for assertions.
type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func newFakeChannel() *fakeChannel {
	ch := newUnopenedFakeChannel()
	close(ch.ready)
	return ch
}

// newUnopenedFakeChannel mimics a channel still negotiating: Ready never
// closes.
func newUnopenedFakeChannel() *fakeChannel {
	return &fakeChannel{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeChannel) Messages() <-chan []byte { return nil }
func (c *fakeChannel) Ready() <-chan struct{}  { return c.ready }
func (c *fakeChannel) Done() <-chan struct{}   { return c.done }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func openPeer(id string) (*Peer, *fakeChannel) {
	ch := newFakeChannel()
	return NewPeer(id, protocol.DeviceInfo{DeviceID: id}, ch, StateOpen), ch
}

func TestAddAndGet(t *testing.T) {
	reg := New()
	peer, _ := openPeer("peer-1")
	reg.Add(peer)

	got, ok := reg.Get("peer-1")
	if !ok || got != peer {
		t.Fatalf("Get returned (%v, %v), want the added peer", got, ok)
	}
	if _, ok := reg.Get("peer-2"); ok {
		t.Error("Get found a peer that was never added")
	}
}

func TestAddReplacesAndClosesPrevious(t *testing.T) {
	reg := New()
	old, oldCh := openPeer("peer-1")
	reg.Add(old)

	replacement, _ := openPeer("peer-1")
	reg.Add(replacement)

	if !oldCh.isClosed() {
		t.Error("replaced peer's channel was not closed")
	}
	if got, _ := reg.Get("peer-1"); got != replacement {
		t.Error("registry still holds the replaced peer")
	}
	if len(reg.List()) != 1 {
		t.Errorf("List has %d peers, want 1", len(reg.List()))
	}
}

func TestRemoveClosesChannelAndDeregisters(t *testing.T) {
	reg := New()
	peer, ch := openPeer("peer-1")
	reg.Add(peer)

	reg.Remove("peer-1")

	if !ch.isClosed() {
		t.Error("Remove did not close the channel")
	}
	if _, ok := reg.Get("peer-1"); ok {
		t.Error("peer still registered after Remove")
	}
	if peer.State() != StateClosed {
		t.Errorf("peer state = %s, want closed", peer.State())
	}
}

func TestRemoveUnknownPeerIsNoop(t *testing.T) {
	reg := New()
	reg.Remove("ghost")
}

func TestOnAddHookRunsForEveryPeer(t *testing.T) {
	reg := New()
	var seen []string
	reg.OnAdd(func(p *Peer) { seen = append(seen, p.ID) })

	a, _ := openPeer("peer-a")
	b, _ := openPeer("peer-b")
	reg.Add(a)
	reg.Add(b)

	if len(seen) != 2 || seen[0] != "peer-a" || seen[1] != "peer-b" {
		t.Errorf("hook saw %v, want [peer-a peer-b]", seen)
	}
}

func TestAdvanceRejectsBackwardTransition(t *testing.T) {
	peer, _ := openPeer("peer-1")
	if err := peer.Advance(StateClosed); err != nil {
		t.Fatalf("forward transition failed: %v", err)
	}
	if err := peer.Advance(StateOpen); err == nil {
		t.Error("closed channel allowed to move back to open")
	}
	if peer.State() != StateClosed {
		t.Errorf("state = %s after rejected transition, want closed", peer.State())
	}
}

func TestBroadcastSkipsExcludedAndUnready(t *testing.T) {
	reg := New()

	open1, ch1 := openPeer("peer-1")
	open2, ch2 := openPeer("peer-2")
	negotiatingCh := newUnopenedFakeChannel()
	negotiating := NewPeer("peer-3", protocol.DeviceInfo{}, negotiatingCh, StateAnswerCreated)
	closedPeer, closedCh := openPeer("peer-4")
	closedPeer.Advance(StateClosed)

	reg.Add(open1)
	reg.Add(open2)
	reg.Add(negotiating)
	reg.Add(closedPeer)

	reg.Broadcast([]byte("hello"), "peer-1")

	if ch1.sentCount() != 0 {
		t.Error("broadcast delivered to the excluded peer")
	}
	if ch2.sentCount() != 1 {
		t.Errorf("open peer received %d messages, want 1", ch2.sentCount())
	}
	if negotiatingCh.sentCount() != 0 {
		t.Error("broadcast delivered to a channel that never opened")
	}
	if closedCh.sentCount() != 0 {
		t.Error("broadcast delivered to a closed peer")
	}
}

func TestBroadcastReachesReadyPeerBeforeStateCatchesUp(t *testing.T) {
	reg := New()

	// The answering side registers peers in answer-created and advances
	// them to open from a watcher goroutine. A broadcast landing in that
	// window must still reach the peer once its channel is ready.
	ch := newFakeChannel()
	peer := NewPeer("peer-1", protocol.DeviceInfo{}, ch, StateAnswerCreated)
	reg.Add(peer)

	reg.Broadcast([]byte("update"), "")

	if ch.sentCount() != 1 {
		t.Errorf("ready answer-created peer received %d messages, want 1", ch.sentCount())
	}
}

func TestSetDeviceInfo(t *testing.T) {
	peer, _ := openPeer("peer-1")
	info := protocol.DeviceInfo{DeviceID: "real-device", Platform: "android", DisplayName: "phone"}
	peer.SetDeviceInfo(info)
	if peer.DeviceInfo != info {
		t.Errorf("DeviceInfo = %+v, want %+v", peer.DeviceInfo, info)
	}
}
