package transport

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	drainTimeout  = 5 * time.Second
)

// Compile-time interface check.
var _ Channel = (*DataChannel)(nil)

// DataChannel wraps a pion DataChannel with send-side backpressure.
type DataChannel struct {
	raw       *webrtc.DataChannel
	sendReady chan struct{}
}

func newDataChannel(raw *webrtc.DataChannel) *DataChannel {
	ch := &DataChannel{
		raw:       raw,
		sendReady: make(chan struct{}, 1),
	}

	raw.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case ch.sendReady <- struct{}{}:
		default:
		}
	})

	return ch
}

// Send transmits data as a text message. It blocks while the buffer is above
// the high-water mark, up to drainTimeout.
func (c *DataChannel) Send(data []byte) error {
	if c.raw.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.sendReady:
		case <-time.After(drainTimeout):
			return fmt.Errorf("data channel %q: send buffer did not drain within %s", c.raw.Label(), drainTimeout)
		}
	}
	return c.raw.SendText(string(data))
}

// OnMessage registers the inbound message callback.
func (c *DataChannel) OnMessage(fn func([]byte)) {
	c.raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// OnOpen / OnClose / Label / Close proxy the underlying channel.
func (c *DataChannel) OnOpen(fn func())  { c.raw.OnOpen(fn) }
func (c *DataChannel) OnClose(fn func()) { c.raw.OnClose(fn) }
func (c *DataChannel) Label() string     { return c.raw.Label() }
func (c *DataChannel) Close() error      { return c.raw.Close() }
