package mqtt

import (
	"sync"

	"iot-counter-backend/internal/models"
	"iot-counter-backend/internal/protocol"
)

type waiterKey struct {
	deviceID string
	channel  models.Channel
}

// Correlator matches device responses to pending reset commands.
// Waiters for the same device and channel are served in registration order.
type Correlator struct {
	mu      sync.Mutex
	waiters map[waiterKey][]chan protocol.Response
}

// NewCorrelator creates an empty correlator
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[waiterKey][]chan protocol.Response)}
}

// Await registers interest in the next response for a device channel.
// Register before publishing so a fast device cannot beat the waiter.
// The returned cancel func must be called once the caller stops waiting.
func (c *Correlator) Await(deviceID string, ch models.Channel) (<-chan protocol.Response, func()) {
	key := waiterKey{deviceID: deviceID, channel: ch}
	w := make(chan protocol.Response, 1)

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], w)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.waiters[key]
		for i, candidate := range list {
			if candidate == w {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.waiters, key)
		} else {
			c.waiters[key] = list
		}
	}
	return w, cancel
}

// Deliver hands a response to the oldest waiter; false when nobody is waiting
func (c *Correlator) Deliver(deviceID string, resp protocol.Response) bool {
	key := waiterKey{deviceID: deviceID, channel: resp.Channel}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.waiters[key]
	if len(list) == 0 {
		return false
	}
	w := list[0]
	if len(list) == 1 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = list[1:]
	}
	w <- resp
	return true
}

// Pending returns the number of outstanding waiters
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.waiters {
		n += len(list)
	}
	return n
}
