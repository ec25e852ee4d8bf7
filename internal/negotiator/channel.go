package negotiator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pagetrail/pagetrail-go/internal/registry"
)

// inboundBuffer bounds the per-channel inbound queue. A reader that falls
// this far behind loses messages (logged), the same policy the relay
// applies to its per-client send buffers.
const inboundBuffer = 256

var errChannelNotOpen = errors.New("data channel not open")

// dataChannel adapts a pion data channel to registry.Channel: inbound
// messages are queued into a channel so the consumer drives dispatch from a
// single loop instead of pion's callback goroutines.
type dataChannel struct {
	mu     sync.Mutex
	dc     *webrtc.DataChannel
	logger *slog.Logger

	messages chan []byte
	ready    chan struct{}
	done     chan struct{}

	readyOnce sync.Once
	doneOnce  sync.Once
}

var _ registry.Channel = (*dataChannel)(nil)

// newDataChannel creates an unbound wrapper. The answering side constructs
// it before the remote's channel arrives and binds later; the offering side
// binds immediately.
func newDataChannel(logger *slog.Logger) *dataChannel {
	return &dataChannel{
		logger:   logger,
		messages: make(chan []byte, inboundBuffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// bind attaches the pion channel and wires its callbacks.
func (c *dataChannel) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.readyOnce.Do(func() { close(c.ready) })
	})
	dc.OnClose(func() {
		c.doneOnce.Do(func() { close(c.done) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.messages <- msg.Data:
		default:
			c.logger.Warn("inbound queue full, dropping message", "label", dc.Label())
		}
	})

	// The channel may already be open by the time we bind (the answering
	// side binds from OnDataChannel, which can fire after OnOpen).
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.readyOnce.Do(func() { close(c.ready) })
	}
}

func (c *dataChannel) Send(payload []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("sending on data channel: %w", err)
	}
	return nil
}

func (c *dataChannel) Messages() <-chan []byte {
	return c.messages
}

func (c *dataChannel) Ready() <-chan struct{} {
	return c.ready
}

func (c *dataChannel) Done() <-chan struct{} {
	return c.done
}

func (c *dataChannel) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if dc == nil {
		return nil
	}
	return dc.Close()
}
