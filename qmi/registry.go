package qmi

import (
	"context"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// message is one inbound SDU queued on a client.
type message struct {
	tid  uint16
	data []byte
}

// client is the per-cid state owned by the registry. All fields are
// guarded by Device.mu.
type client struct {
	cid      uint16
	messages []message
	notifies []*notification
	writes   map[uint64]context.CancelFunc
}

func newClient(cid uint16) *client {
	return &client{
		cid:    cid,
		writes: make(map[uint64]context.CancelFunc),
	}
}

// take pops the first message matching tid. Zero matches any message.
func (c *client) take(tid uint16) ([]byte, bool) {
	for i, m := range c.messages {
		if tid == 0 || tid == m.tid {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return m.data, true
		}
	}
	return nil, false
}

// has reports whether a message matching tid is queued.
func (c *client) has(tid uint16) bool {
	for _, m := range c.messages {
		if tid == 0 || tid == m.tid {
			return true
		}
	}
	return false
}

// popNotification removes the oldest notification that a message with tid
// satisfies. A notification with tid zero matches any message; a message
// with tid zero only satisfies such wildcards.
func (c *client) popNotification(tid uint16) *notification {
	for i, n := range c.notifies {
		if n.tid == 0 || n.tid == tid {
			c.notifies = append(c.notifies[:i], c.notifies[i+1:]...)
			return n
		}
	}
	return nil
}

// removeNotification removes n if it is still queued.
func (c *client) removeNotification(n *notification) bool {
	for i, q := range c.notifies {
		if q == n {
			c.notifies = append(c.notifies[:i], c.notifies[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the client and returns the notifications to fire and the
// writes to cancel.
func (c *client) drain() ([]*notification, []context.CancelFunc) {
	notifies := c.notifies
	cancels := make([]context.CancelFunc, 0, len(c.writes))
	for id, cancel := range c.writes {
		cancels = append(cancels, cancel)
		delete(c.writes, id)
	}
	c.notifies = nil
	c.messages = nil
	return notifies, cancels
}

// =============================================================================
// Registry Operations (Device.mu held)
// =============================================================================

// lookup returns the client for cid or an error describing why it cannot
// be used.
func (d *Device) lookup(cid uint16) (*client, error) {
	if d.state != StateValid {
		return nil, pkg.ErrDeviceGone
	}
	c, ok := d.clients[cid]
	if !ok {
		return nil, fmt.Errorf("cid 0x%04X: %w", cid, pkg.ErrNotFound)
	}
	return c, nil
}

// insert registers a new client.
func (d *Device) insert(cid uint16) error {
	if d.state != StateValid {
		return pkg.ErrDeviceGone
	}
	if _, ok := d.clients[cid]; ok {
		return fmt.Errorf("cid 0x%04X: %w", cid, pkg.ErrDuplicateClient)
	}
	if d.opts.maxClients > 0 && len(d.clients) >= d.opts.maxClients {
		return fmt.Errorf("%d clients registered: %w", len(d.clients), pkg.ErrNoMemory)
	}
	d.clients[cid] = newClient(cid)
	d.metrics.clients.Inc()
	return nil
}

// targets returns the clients an inbound cid addresses: the exact client,
// or every client of the service for a broadcast.
func (d *Device) targets(cid uint16) []*client {
	if !qmux.IsBroadcast(cid) {
		if c, ok := d.clients[cid]; ok {
			return []*client{c}
		}
		return nil
	}
	var out []*client
	for _, c := range d.clients {
		if c.cid|0xFF00 == cid {
			out = append(out, c)
		}
	}
	return out
}

// Clients returns the registered client IDs.
func (d *Device) Clients() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, 0, len(d.clients))
	for cid := range d.clients {
		out = append(out, cid)
	}
	return out
}

// Pending reports the queued message and notification counts for cid.
func (d *Device) Pending(cid uint16) (messages, notifications int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.lookup(cid)
	if err != nil {
		return 0, 0, err
	}
	return len(c.messages), len(c.notifies), nil
}
