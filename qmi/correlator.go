package qmi

import (
	"fmt"

	"github.com/ardnew/softqmi/pkg"
)

// Outcome tells a hook why it fired.
type Outcome uint8

// Hook outcomes.
const (
	// Delivered means a matching message was queued. The hook fetches it
	// with Take.
	Delivered Outcome = iota

	// Discarded means the client was released or the device torn down
	// before a matching message arrived.
	Discarded
)

// String returns the outcome name.
func (o Outcome) String() string {
	if o == Discarded {
		return "discarded"
	}
	return "delivered"
}

// Hook is invoked exactly once per registration, without the registry lock
// held. It may call back into the Device.
type Hook func(d *Device, cid uint16, outcome Outcome)

// notification is a registered hook waiting for a message.
type notification struct {
	tid  uint16
	hook Hook
}

type firing struct {
	cid uint16
	n   *notification
}

// fire invokes hooks collected under the lock. Must be called unlocked.
func (d *Device) fire(fs []firing, o Outcome) {
	for _, f := range fs {
		d.metrics.fired(o)
		f.n.hook(d, f.cid, o)
	}
}

// Enqueue queues data on cid under transaction tid and fires the oldest
// matching notification. A broadcast cid (client 0xFF) queues a copy on
// every client of the service.
func (d *Device) Enqueue(cid, tid uint16, data []byte) error {
	d.mu.Lock()
	if d.state != StateValid {
		d.mu.Unlock()
		d.metrics.drop(dropInvalid)
		return pkg.ErrDeviceGone
	}

	targets := d.targets(cid)
	if len(targets) == 0 {
		d.mu.Unlock()
		d.metrics.drop(dropNoClient)
		return fmt.Errorf("cid 0x%04X: %w", cid, pkg.ErrNotFound)
	}

	fs := make([]firing, 0, len(targets))
	for _, c := range targets {
		buf := make([]byte, len(data))
		copy(buf, data)

		if d.opts.maxQueued > 0 && len(c.messages) >= d.opts.maxQueued {
			dropped := c.messages[0]
			c.messages = c.messages[1:]
			d.metrics.drop(dropOverflow)
			pkg.LogWarn(pkg.ComponentCorrelator, "queue full, dropping oldest message",
				"cid", cidAttr(c.cid), "tid", dropped.tid)
		}
		c.messages = append(c.messages, message{tid: tid, data: buf})
		d.metrics.enqueued.Inc()

		pkg.LogDebug(pkg.ComponentCorrelator, "message queued",
			"cid", cidAttr(c.cid), "tid", tid, "len", len(buf))

		if n := c.popNotification(tid); n != nil {
			fs = append(fs, firing{cid: c.cid, n: n})
		} else {
			pkg.LogDebug(pkg.ComponentCorrelator, "no one to notify",
				"cid", cidAttr(c.cid), "tid", tid)
		}
	}
	d.mu.Unlock()

	d.fire(fs, Delivered)
	return nil
}

// Take pops the first queued message on cid matching tid without blocking.
// Zero matches any message. It returns ErrNoMessage when nothing matches.
func (d *Device) Take(cid, tid uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.lookup(cid)
	if err != nil {
		return nil, err
	}
	data, ok := c.take(tid)
	if !ok {
		return nil, pkg.ErrNoMessage
	}
	return data, nil
}

// RegisterNotification queues hook to fire when a message matching tid
// arrives on cid. It does not look at messages already queued; see
// ReadAsync for that. The returned cancel removes the registration and
// reports whether it was still pending.
func (d *Device) RegisterNotification(cid, tid uint16, hook Hook) (cancel func() bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.lookup(cid)
	if err != nil {
		return nil, err
	}
	n := &notification{tid: tid, hook: hook}
	c.notifies = append(c.notifies, n)
	return func() bool { return d.unregister(cid, n) }, nil
}

// unregister removes n from cid if it has not fired.
func (d *Device) unregister(cid uint16, n *notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[cid]
	if !ok {
		return false
	}
	return c.removeNotification(n)
}

// redeliver hands a message left behind by an abandoned waiter to the next
// matching notification on cid.
func (d *Device) redeliver(cid uint16) {
	d.mu.Lock()
	c, ok := d.clients[cid]
	if !ok || d.state != StateValid {
		d.mu.Unlock()
		return
	}
	var fs []firing
	for _, m := range c.messages {
		if n := c.popNotification(m.tid); n != nil {
			fs = append(fs, firing{cid: cid, n: n})
			break
		}
	}
	d.mu.Unlock()
	d.fire(fs, Delivered)
}

// cidAttr formats a cid for logging.
func cidAttr(cid uint16) string {
	return fmt.Sprintf("0x%04X", cid)
}
