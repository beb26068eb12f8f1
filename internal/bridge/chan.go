package bridge

import (
	"sync"

	"github.com/hostbridge/hostbridge/internal/channel"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

// Chan is one open channel: the registry entry, the endpoint reference
// and the per-channel flow control gate. It implements channel.Sender;
// endpoint output passes through the gate before reaching the codec.
type Chan struct {
	sess    *Session
	id      string
	payload string
	host    string
	group   string

	// routed channels belong to the superuser peer and have no local
	// endpoint; their frames relay through the peer bridge.
	routed bool

	endpoint channel.Endpoint

	mu     sync.Mutex
	frozen bool
	queue  []queuedFrame
	closed bool
}

type queuedFrame struct {
	control bool
	// last marks the channel's close frame: once written the id is
	// released and the endpoint stopped.
	last    bool
	payload []byte
}

// Ready implements channel.Sender.
func (c *Chan) Ready(extra map[string]any) {
	c.send(queuedFrame{control: true, payload: protocol.Build("ready", c.id, extra)})
}

// Data implements channel.Sender.
func (c *Chan) Data(p []byte) {
	c.send(queuedFrame{payload: p})
}

// Done implements channel.Sender.
func (c *Chan) Done() {
	c.send(queuedFrame{control: true, payload: protocol.Build("done", c.id, nil)})
}

// Close implements channel.Sender. A nil error produces a plain close;
// otherwise the frame carries the problem code and message. The close
// frame respects freeze ordering like any other outbound frame.
func (c *Chan) Close(err error) {
	extra := map[string]any{}
	if err != nil {
		extra["problem"] = protocol.CodeOf(err)
		if msg := protocol.MessageOf(err); msg != "" && msg != protocol.CodeOf(err) {
			extra["message"] = msg
		}
	}
	c.send(queuedFrame{control: true, last: true, payload: protocol.Build("close", c.id, extra)})
}

func (c *Chan) send(q queuedFrame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if q.last {
		c.closed = true
	}
	if c.frozen {
		c.queue = append(c.queue, q)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.write(q)
}

func (c *Chan) write(q queuedFrame) {
	if q.control {
		c.sess.writeControl(q.payload)
	} else {
		c.sess.writeFrame(c.id, q.payload)
	}
	if q.last {
		c.sess.release(c)
		if c.endpoint != nil {
			c.endpoint.Close()
		}
	}
}

// Freeze buffers subsequent outbound frames. Inbound delivery is
// unaffected and other channels keep flowing.
func (c *Chan) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// Thaw flushes the buffer in FIFO order and resumes passthrough.
func (c *Chan) Thaw() {
	c.mu.Lock()
	if !c.frozen {
		c.mu.Unlock()
		return
	}
	queue := c.queue
	c.queue = nil
	c.frozen = false
	for _, q := range queue {
		c.write(q)
	}
	c.mu.Unlock()
}
