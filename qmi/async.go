package qmi

import (
	"github.com/ardnew/softqmi/pkg"
)

// ReadAsync arranges for hook to run once a message matching tid is queued
// on cid. If one is already queued, hook runs immediately on the calling
// goroutine and nothing is registered. Otherwise hook fires exactly once:
// Delivered on a match, or Discarded if the client goes away first.
func (d *Device) ReadAsync(cid, tid uint16, hook Hook) error {
	d.mu.Lock()
	c, err := d.lookup(cid)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if c.has(tid) {
		d.mu.Unlock()
		d.metrics.fired(Delivered)
		hook(d, cid, Delivered)
		return nil
	}
	c.notifies = append(c.notifies, &notification{tid: tid, hook: hook})
	d.mu.Unlock()

	pkg.LogDebug(pkg.ComponentCorrelator, "async read registered",
		"cid", cidAttr(cid), "tid", tid)
	return nil
}
